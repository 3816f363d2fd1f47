package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"layeh.com/gopus"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusFrameSamples  = 960 // 20ms at 48kHz mono
	opusMaxFrameBytes = 1500
)

// Source acquires local capture devices and exposes them as pion local
// tracks. One Source is owned by exactly one call attempt.
type Source struct {
	provider DeviceProvider

	audioTrack  *webrtc.TrackLocalStaticSample
	cameraTrack *webrtc.TrackLocalStaticSample
	screenTrack *webrtc.TrackLocalStaticSample

	opusEnc *gopus.Encoder

	micOn   atomic.Bool
	videoOn atomic.Bool

	mu            sync.Mutex
	mic           AudioDevice
	camera        VideoDevice
	screen        VideoDevice
	screenSharing bool
	onScreenEnded func()
	cancelPumps   context.CancelFunc
	cancelScreen  context.CancelFunc
	closed        bool
}

// NewSource creates a media source backed by the given device provider.
func NewSource(provider DeviceProvider) *Source {
	return &Source{provider: provider}
}

// Acquire opens the requested devices with tiered constraints and starts the
// encode/pump loops. Failure is terminal for the call attempt; the caller is
// expected to abort before any signaling happens.
func (s *Source) Acquire(ctx context.Context, video, audio bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("media source closed")
	}

	streamID := "lbb-" + uuid.New().String()
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancelPumps = cancel

	if audio {
		mic, err := s.provider.OpenMicrophone(AudioProfile)
		if err != nil {
			cancel()
			return fmt.Errorf("microphone: %w", err)
		}

		enc, err := gopus.NewEncoder(AudioProfile.SampleRate, AudioProfile.Channels, gopus.Audio)
		if err != nil {
			_ = mic.Close()
			cancel()
			return fmt.Errorf("failed to create opus encoder: %w", err)
		}

		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", streamID)
		if err != nil {
			_ = mic.Close()
			cancel()
			return fmt.Errorf("failed to create audio track: %w", err)
		}

		s.mic = mic
		s.opusEnc = enc
		s.audioTrack = track
		s.micOn.Store(true)
		go s.pumpAudio(pumpCtx, mic, track)
	}

	if video {
		camera, err := s.openCameraTiered()
		if err != nil {
			s.teardownLocked()
			return fmt.Errorf("camera: %w", err)
		}

		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID)
		if err != nil {
			_ = camera.Close()
			s.teardownLocked()
			return fmt.Errorf("failed to create video track: %w", err)
		}

		s.camera = camera
		s.cameraTrack = track
		s.videoOn.Store(true)
		go s.pumpVideo(pumpCtx, camera, track, s.videoGate, nil)
	}

	return nil
}

// openCameraTiered tries the ideal capture profile first and falls back to a
// degraded one when the device rejects the constraints.
func (s *Source) openCameraTiered() (VideoDevice, error) {
	camera, err := s.provider.OpenCamera(IdealVideoProfile)
	if err == nil {
		return camera, nil
	}
	if !errors.Is(err, ErrConstraintsUnsupported) {
		return nil, err
	}
	logger.Base().Warn("ideal capture profile rejected, falling back",
		zap.Int("width", FallbackVideoProfile.Width),
		zap.Int("height", FallbackVideoProfile.Height))
	return s.provider.OpenCamera(FallbackVideoProfile)
}

// AudioTrack returns the local audio track, nil before Acquire.
func (s *Source) AudioTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioTrack == nil {
		return nil
	}
	return s.audioTrack
}

// VideoTrack returns the currently outgoing video track: the screen track
// while sharing, the camera track otherwise. Nil before Acquire.
func (s *Source) VideoTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screenSharing && s.screenTrack != nil {
		return s.screenTrack
	}
	if s.cameraTrack == nil {
		return nil
	}
	return s.cameraTrack
}

// SetMicEnabled toggles the microphone without renegotiation; muted frames
// are simply not produced.
func (s *Source) SetMicEnabled(on bool) {
	s.micOn.Store(on)
}

// SetVideoEnabled toggles the camera feed without renegotiation.
func (s *Source) SetVideoEnabled(on bool) {
	s.videoOn.Store(on)
}

// SetTargetBitrate applies a bitrate ceiling to the outgoing encoder for one
// kind ("audio" or "video"). Applied separately per sender so audio keeps its
// own, smaller ceiling.
func (s *Source) SetTargetBitrate(kind string, bps int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case "audio":
		if s.opusEnc != nil {
			s.opusEnc.SetBitrate(bps)
		}
	case "video":
		if s.screenSharing && s.screen != nil {
			s.screen.SetTargetBitrate(bps)
		} else if s.camera != nil {
			s.camera.SetTargetBitrate(bps)
		}
	}
}

// OnScreenShareEnded registers the callback fired when the screen capture
// stops on its own (native stop affordance), so the call can revert to the
// camera track.
func (s *Source) OnScreenShareEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onScreenEnded = fn
}

// StartScreenShare opens the screen capture and returns its track. The
// caller replaces the outgoing video sender's track with it; the camera pump
// keeps running so reverting is cheap.
func (s *Source) StartScreenShare(ctx context.Context) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("media source closed")
	}
	if s.screenSharing {
		return s.screenTrack, nil
	}

	screen, err := s.provider.OpenScreen(ScreenProfile)
	if err != nil {
		return nil, fmt.Errorf("screen capture: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", "lbb-screen-"+uuid.New().String())
	if err != nil {
		_ = screen.Close()
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}

	screenCtx, cancel := context.WithCancel(context.Background())
	s.screen = screen
	s.screenTrack = track
	s.screenSharing = true
	s.cancelScreen = cancel

	onEnded := func() {
		s.mu.Lock()
		fn := s.onScreenEnded
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	go s.pumpVideo(screenCtx, screen, track, func() bool { return true }, onEnded)

	return track, nil
}

// StopScreenShare closes the screen capture and returns the camera track to
// swap back onto the sender.
func (s *Source) StopScreenShare() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.screenSharing {
		if s.cameraTrack == nil {
			return nil, fmt.Errorf("no camera track to revert to")
		}
		return s.cameraTrack, nil
	}

	if s.cancelScreen != nil {
		s.cancelScreen()
		s.cancelScreen = nil
	}
	if s.screen != nil {
		_ = s.screen.Close()
		s.screen = nil
	}
	s.screenTrack = nil
	s.screenSharing = false

	if s.cameraTrack == nil {
		return nil, fmt.Errorf("no camera track to revert to")
	}
	return s.cameraTrack, nil
}

// ScreenSharing reports whether the screen capture is live.
func (s *Source) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenSharing
}

// Close stops all pumps and releases every device. Safe to call repeatedly.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.teardownLocked()
	return nil
}

func (s *Source) teardownLocked() {
	if s.cancelPumps != nil {
		s.cancelPumps()
		s.cancelPumps = nil
	}
	if s.cancelScreen != nil {
		s.cancelScreen()
		s.cancelScreen = nil
	}
	if s.mic != nil {
		_ = s.mic.Close()
		s.mic = nil
	}
	if s.camera != nil {
		_ = s.camera.Close()
		s.camera = nil
	}
	if s.screen != nil {
		_ = s.screen.Close()
		s.screen = nil
	}
	s.audioTrack = nil
	s.cameraTrack = nil
	s.screenTrack = nil
	s.screenSharing = false
	s.micOn.Store(false)
	s.videoOn.Store(false)
}

func (s *Source) videoGate() bool {
	return s.videoOn.Load()
}

// pumpAudio encodes 20ms PCM frames to opus and writes them to the track.
func (s *Source) pumpAudio(ctx context.Context, mic AudioDevice, track *webrtc.TrackLocalStaticSample) {
	pcm := make([]int16, opusFrameSamples)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := mic.ReadPCM(pcm)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Base().Warn("microphone read failed", zap.Error(err))
			}
			return
		}
		if n == 0 || !s.micOn.Load() {
			continue
		}

		s.mu.Lock()
		enc := s.opusEnc
		s.mu.Unlock()
		if enc == nil {
			return
		}

		data, err := enc.Encode(pcm[:n], opusFrameSamples, opusMaxFrameBytes)
		if err != nil {
			logger.Base().Warn("opus encode failed", zap.Error(err))
			continue
		}

		if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: opusFrameDuration}); err != nil {
			if ctx.Err() == nil {
				logger.Base().Warn("audio track write failed", zap.Error(err))
			}
			return
		}
	}
}

// pumpVideo moves encoded frames from a capture device to a track. gate
// suppresses output while the camera is toggled off; onEnded fires when the
// device reports EOF on its own.
func (s *Source) pumpVideo(ctx context.Context, dev VideoDevice, track *webrtc.TrackLocalStaticSample, gate func() bool, onEnded func()) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, duration, err := dev.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil && onEnded != nil {
				onEnded()
			} else if ctx.Err() == nil {
				logger.Base().Warn("video device read failed", zap.Error(err))
			}
			return
		}
		if !gate() {
			continue
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: duration}); err != nil {
			if ctx.Err() == nil {
				logger.Base().Warn("video track write failed", zap.Error(err))
			}
			return
		}
	}
}
