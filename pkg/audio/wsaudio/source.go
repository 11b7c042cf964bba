// Package wsaudio provides an [audio.Source] that receives a remote
// microphone stream over a WebSocket connection.
//
// Each binary message carries one encoded payload (raw PCM16, G.711, or an
// Opus packet). Decoded PCM is re-chunked into fixed-size mono frames so the
// consumer sees the same frame cadence as a local capture device, regardless
// of how the sender packetised its audio. Text messages are ignored.
package wsaudio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
)

// readLimit caps a single message at 1 MiB.
const readLimit = 1 << 20

// Config configures a WebSocket [Source].
type Config struct {
	// Codec of incoming payloads. Defaults to PCM16.
	Codec audio.Codec

	// SampleRate of the decoded stream in Hz.
	SampleRate int

	// FrameSize is the number of samples per delivered frame.
	FrameSize int
}

// Source reads encoded audio messages from a WebSocket connection.
//
// A background goroutine owns the connection and decodes messages into a
// bounded queue, so a ReadFrame abandoned by its context does not tear the
// connection down.
type Source struct {
	cfg  Config
	conn *websocket.Conn
	dec  audio.Decoder
	seq  audio.Sequencer

	msgs    chan []byte // decoded PCM; closed when the pump exits
	readErr error       // set before msgs is closed
	cancel  context.CancelFunc

	mu      sync.Mutex // serialises readers
	pending []byte

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// queueDepth is how many decoded messages may wait for a reader.
const queueDepth = 64

// Dial connects to url and returns a [Source] reading from it.
func Dial(ctx context.Context, url string, cfg Config) (*Source, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsaudio: dial %q: %w", url, err)
	}
	s, err := NewSource(conn, cfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "decoder setup failed")
		return nil, err
	}
	return s, nil
}

// NewSource wraps an established connection. The Source takes ownership of
// conn and closes it on Close.
func NewSource(conn *websocket.Conn, cfg Config) (*Source, error) {
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecPCM16
	}
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("wsaudio: sample rate and frame size must be positive (got %d, %d)", cfg.SampleRate, cfg.FrameSize)
	}
	dec, err := audio.NewDecoder(cfg.Codec, cfg.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("wsaudio: %w", err)
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg:    cfg,
		conn:   conn,
		dec:    dec,
		msgs:   make(chan []byte, queueDepth),
		cancel: cancel,
	}
	go s.pump(ctx)
	return s, nil
}

// pump reads and decodes messages until the connection fails or ctx is
// cancelled by Close.
func (s *Source) pump(ctx context.Context) {
	defer close(s.msgs)
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.readErr = s.readError(ctx, err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		pcm, err := s.dec.Decode(msg)
		if err != nil {
			s.readErr = fmt.Errorf("wsaudio: %w", err)
			return
		}
		select {
		case s.msgs <- pcm:
		case <-ctx.Done():
			s.readErr = audio.ErrSourceClosed
			return
		}
	}
}

func (s *Source) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil || s.closing.Load() {
		return audio.ErrSourceClosed
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return audio.ErrSourceClosed
	}
	return fmt.Errorf("wsaudio: read: %w", err)
}

// ReadFrame returns the next full frame, waiting for as many messages as
// needed. A normal close from the peer yields [audio.ErrSourceClosed].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	need := s.cfg.FrameSize * 2
	for len(s.pending) < need {
		select {
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		case pcm, ok := <-s.msgs:
			if !ok {
				return audio.AudioFrame{}, s.readErr
			}
			s.pending = append(s.pending, pcm...)
		}
	}

	data := make([]byte, need)
	copy(data, s.pending[:need])
	s.pending = s.pending[need:]

	return s.seq.Stamp(audio.AudioFrame{
		Data:       data,
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
	}), nil
}

// Close closes the connection with a normal closure and unblocks a pending
// ReadFrame. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		err := s.conn.Close(websocket.StatusNormalClosure, "")
		s.cancel()
		if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
			s.closeErr = fmt.Errorf("wsaudio: close: %w", err)
		}
	})
	return s.closeErr
}

var _ audio.Source = (*Source)(nil)
