package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSourceClosed is returned by [Source.ReadFrame] once the source has no
// more frames to deliver, either because the underlying stream ended or
// because Close was called.
var ErrSourceClosed = errors.New("audio: source closed")

// Source is an ordered, pull-based stream of mono PCM frames at a constant
// sample rate and frame size.
//
// ReadFrame blocks until the next frame is available, ctx is done, or the
// source is exhausted. Frames are delivered in strictly increasing Seq order.
// A Source is consumed by one reader at a time.
type Source interface {
	// ReadFrame returns the next frame. It returns [ErrSourceClosed] when the
	// stream has ended and ctx.Err() when ctx is cancelled first.
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Close releases the underlying device or connection. Calling Close more
	// than once is safe.
	Close() error
}

// Sequencer stamps frames with consecutive sequence indices and timestamps
// derived from their duration. Live sources use it so that consumers never
// see gaps or reordering in Seq. The zero value is ready to use.
type Sequencer struct {
	next    uint64
	elapsed time.Duration
}

// Stamp assigns the next Seq and Timestamp to f and returns it.
func (s *Sequencer) Stamp(f AudioFrame) AudioFrame {
	f.Seq = s.next
	f.Timestamp = s.elapsed
	s.next++
	s.elapsed += f.Duration()
	return f
}

// SliceSource replays a fixed list of frames. It is used for WAV replay and
// for feeding synthetic streams in tests.
type SliceSource struct {
	mu     sync.Mutex
	frames []AudioFrame
	pos    int
	closed bool
}

// NewSliceSource returns a [SliceSource] over frames. The slice is not copied.
func NewSliceSource(frames []AudioFrame) *SliceSource {
	return &SliceSource{frames: frames}
}

// ReadFrame returns the next frame or [ErrSourceClosed] once all frames have
// been read.
func (s *SliceSource) ReadFrame(ctx context.Context) (AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return AudioFrame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.frames) {
		return AudioFrame{}, ErrSourceClosed
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// Remaining reports how many frames have not been read yet.
func (s *SliceSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return len(s.frames) - s.pos
}

// Close marks the source as exhausted.
func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ChannelSource adapts a frame channel into a [Source]. Frames are
// downmixed/resampled to Target when it is set, and re-sequenced so Seq is
// contiguous even if the producer drops frames.
type ChannelSource struct {
	in        <-chan AudioFrame
	conv      *FormatConverter
	seq       Sequencer
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSource returns a [ChannelSource] reading from in. A zero target
// disables format conversion.
func NewChannelSource(in <-chan AudioFrame, target Format) *ChannelSource {
	s := &ChannelSource{in: in, done: make(chan struct{})}
	if target.SampleRate > 0 {
		s.conv = &FormatConverter{Target: target}
	}
	return s
}

// ReadFrame waits for the next non-empty frame on the channel.
func (s *ChannelSource) ReadFrame(ctx context.Context) (AudioFrame, error) {
	for {
		select {
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		case <-s.done:
			return AudioFrame{}, ErrSourceClosed
		case f, ok := <-s.in:
			if !ok {
				return AudioFrame{}, ErrSourceClosed
			}
			if s.conv != nil {
				f = s.conv.Convert(f)
			}
			if len(f.Data) == 0 {
				continue
			}
			return s.seq.Stamp(f), nil
		}
	}
}

// Close stops delivery. The producer still owns and must close the channel.
func (s *ChannelSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// ReadAll drains src until it is exhausted and returns the frames read.
// It stops early with ctx.Err() if ctx is cancelled.
func ReadAll(ctx context.Context, src Source) ([]AudioFrame, error) {
	var frames []AudioFrame
	for {
		f, err := src.ReadFrame(ctx)
		if errors.Is(err, ErrSourceClosed) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

var (
	_ Source = (*SliceSource)(nil)
	_ Source = (*ChannelSource)(nil)
)
