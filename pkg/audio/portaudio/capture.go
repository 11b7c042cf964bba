// Package portaudio provides a microphone [audio.Source] backed by PortAudio.
//
// The capture stream is opened in blocking mode with a buffer of exactly one
// frame, so every ReadFrame call corresponds to one hardware read of
// FrameSize samples. This keeps frame cadence tied to the device clock, which
// the voice activity engine relies on for its frame-count based timeouts.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Default capture parameters: 16 kHz mono, 1024-sample (64 ms) frames.
const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 1024
)

// Config configures a [Capture].
type Config struct {
	// SampleRate in Hz. Defaults to [DefaultSampleRate].
	SampleRate int

	// FrameSize is the number of samples per frame. Defaults to [DefaultFrameSize].
	FrameSize int

	// DeviceName selects an input device by exact name. Empty or "default"
	// uses the system default input device.
	DeviceName string
}

// Capture reads mono int16 frames from a PortAudio input stream.
type Capture struct {
	cfg    Config
	stream *portaudio.Stream
	buf    []int16
	seq    audio.Sequencer

	mu     sync.Mutex
	closed bool
}

// Open initialises PortAudio, opens the input stream, and starts it.
// Callers must Close the capture to release the device.
func Open(cfg Config) (*Capture, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	c := &Capture{cfg: cfg, buf: make([]int16, cfg.FrameSize)}
	stream, err := c.openStream()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	c.stream = stream
	return c, nil
}

func (c *Capture) openStream() (*portaudio.Stream, error) {
	if c.cfg.DeviceName == "" || c.cfg.DeviceName == "default" {
		s, err := portaudio.OpenDefaultStream(1, 0, float64(c.cfg.SampleRate), c.cfg.FrameSize, c.buf)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open default stream: %w", err)
		}
		return s, nil
	}

	dev, err := findInputDevice(c.cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.cfg.SampleRate),
		FramesPerBuffer: c.cfg.FrameSize,
	}
	s, err := portaudio.OpenStream(params, c.buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open stream on %q: %w", c.cfg.DeviceName, err)
	}
	return s, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: input device %q not found", name)
}

// ReadFrame blocks for one hardware frame. Input overflows are tolerated
// (the frame is still delivered) since a dropped hardware buffer only
// shortens the wall-clock span, it never reorders frames.
func (c *Capture) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return audio.AudioFrame{}, audio.ErrSourceClosed
	}

	if err := c.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return audio.AudioFrame{}, fmt.Errorf("portaudio: read: %w", err)
	}
	return c.seq.Stamp(audio.AudioFrame{
		Data:       audio.Int16sToBytes(c.buf),
		SampleRate: c.cfg.SampleRate,
		Channels:   1,
	}), nil
}

// Close stops the stream and terminates PortAudio. Safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if err := c.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop: %w", err))
	}
	if err := c.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}

var _ audio.Source = (*Capture)(nil)
