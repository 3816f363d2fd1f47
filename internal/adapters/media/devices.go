package media

import (
	"time"
)

// Profile is one tier of capture constraints.
type Profile struct {
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int
}

// Capture tiers. Acquisition tries the ideal profile first and degrades on
// ErrConstraintsUnsupported so resource-constrained devices still get a call.
var (
	IdealVideoProfile    = Profile{Width: 1280, Height: 720, FrameRate: 30}
	FallbackVideoProfile = Profile{Width: 640, Height: 480, FrameRate: 15}
	ScreenProfile        = Profile{Width: 1920, Height: 1080, FrameRate: 15}
	AudioProfile         = Profile{SampleRate: 48000, Channels: 1}
)

// AudioDevice produces raw PCM16 from a microphone. ReadPCM blocks until a
// full frame is available.
type AudioDevice interface {
	ReadPCM(buf []int16) (int, error)
	Close() error
}

// VideoDevice produces encoded video frames (VP8) from a camera or screen
// capture. ReadFrame blocks until the next frame; it returns io.EOF when the
// device stops on its own (e.g. the native screen-share-stop affordance).
type VideoDevice interface {
	ReadFrame() (frame []byte, duration time.Duration, err error)
	SetTargetBitrate(bps int)
	Close() error
}

// DeviceProvider opens local capture devices. Implementations are
// platform-specific and must return the sentinel errors from errors.go so
// failures classify into the user-facing taxonomy.
type DeviceProvider interface {
	OpenMicrophone(p Profile) (AudioDevice, error)
	OpenCamera(p Profile) (VideoDevice, error)
	OpenScreen(p Profile) (VideoDevice, error)
}
