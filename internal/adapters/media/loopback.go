package media

import (
	"math"
	"sync"
	"time"
)

// TestToneProvider is a DeviceProvider backed by a synthesized sine tone.
// It powers echo-test calls and lets the full capture/encode/send path run
// on hosts with no capture hardware. Camera and screen open as ErrNoDevice,
// so video calls degrade the same way they do on an audio-only machine.
type TestToneProvider struct {
	// Frequency of the generated tone in Hz. Defaults to 440.
	Frequency float64
}

func (p *TestToneProvider) OpenMicrophone(profile Profile) (AudioDevice, error) {
	freq := p.Frequency
	if freq == 0 {
		freq = 440
	}
	return &toneDevice{
		sampleRate: profile.SampleRate,
		freq:       freq,
	}, nil
}

func (p *TestToneProvider) OpenCamera(Profile) (VideoDevice, error) {
	return nil, ErrNoDevice
}

func (p *TestToneProvider) OpenScreen(Profile) (VideoDevice, error) {
	return nil, ErrNoDevice
}

// toneDevice generates PCM16 sine samples paced to wall time so the encoder
// sees realtime input rather than a spinning producer.
type toneDevice struct {
	sampleRate int
	freq       float64

	mu      sync.Mutex
	phase   float64
	started time.Time
	emitted int64
	closed  bool
}

func (d *toneDevice) ReadPCM(buf []int16) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrDeviceBusy
	}
	if d.started.IsZero() {
		d.started = time.Now()
	}

	step := 2 * math.Pi * d.freq / float64(d.sampleRate)
	for i := range buf {
		buf[i] = int16(math.Sin(d.phase) * 0.25 * math.MaxInt16)
		d.phase += step
		if d.phase > 2*math.Pi {
			d.phase -= 2 * math.Pi
		}
	}
	d.emitted += int64(len(buf))

	due := d.started.Add(time.Duration(d.emitted) * time.Second / time.Duration(d.sampleRate))
	d.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		time.Sleep(wait)
	}
	return len(buf), nil
}

func (d *toneDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
