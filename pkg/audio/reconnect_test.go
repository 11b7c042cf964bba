package audio_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/mock"
)

// opener hands out the given sources in order, then fails with err.
type opener struct {
	mu      sync.Mutex
	sources []audio.Source
	err     error
	calls   atomic.Int32
}

func (o *opener) open(context.Context) (audio.Source, error) {
	o.calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sources) == 0 {
		return nil, o.err
	}
	s := o.sources[0]
	o.sources = o.sources[1:]
	return s, nil
}

func TestReconnectingSource_ReopensAfterFailure(t *testing.T) {
	boom := errors.New("connection reset")
	first := &mock.Source{Frames: pcmFrames(2, 16000, 320), ReadErr: boom}
	second := &mock.Source{Frames: pcmFrames(3, 16000, 320)}
	o := &opener{sources: []audio.Source{first, second}, err: errors.New("unreachable")}

	src, err := audio.NewReconnectingSource(context.Background(), audio.ReconnectConfig{
		Open:    o.open,
		Name:    "test",
		Backoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReconnectingSource: %v", err)
	}

	frames, err := audio.ReadAll(context.Background(), src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: seq %d", i, f.Seq)
		}
	}
	if first.CallCountClose != 1 {
		t.Errorf("failed source closed %d times, want 1", first.CallCountClose)
	}
	if got := o.calls.Load(); got != 2 {
		t.Errorf("open calls = %d, want 2", got)
	}
}

func TestReconnectingSource_CleanEndPassesThrough(t *testing.T) {
	o := &opener{sources: []audio.Source{&mock.Source{Frames: pcmFrames(1, 16000, 320)}}}
	src, err := audio.NewReconnectingSource(context.Background(), audio.ReconnectConfig{Open: o.open})
	if err != nil {
		t.Fatalf("NewReconnectingSource: %v", err)
	}
	if _, err := src.ReadFrame(context.Background()); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, audio.ErrSourceClosed) {
		t.Errorf("err = %v, want ErrSourceClosed", err)
	}
	if got := o.calls.Load(); got != 1 {
		t.Errorf("open calls = %d, want 1", got)
	}
}

func TestReconnectingSource_GivesUp(t *testing.T) {
	boom := errors.New("connection reset")
	o := &opener{
		sources: []audio.Source{&mock.Source{ReadErr: boom}},
		err:     errors.New("dial refused"),
	}
	src, err := audio.NewReconnectingSource(context.Background(), audio.ReconnectConfig{
		Open:       o.open,
		Name:       "ws://mic",
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReconnectingSource: %v", err)
	}

	_, err = src.ReadFrame(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want it to wrap %v", err, boom)
	}
	if err == nil || !strings.Contains(err.Error(), "gave up after 3 attempts") {
		t.Errorf("err = %v, want give-up message", err)
	}
	if got := o.calls.Load(); got != 4 {
		t.Errorf("open calls = %d, want 4", got)
	}
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, audio.ErrSourceClosed) {
		t.Errorf("read after giving up = %v, want ErrSourceClosed", err)
	}
}

func TestReconnectingSource_CloseInterruptsBackoff(t *testing.T) {
	o := &opener{
		sources: []audio.Source{&mock.Source{ReadErr: errors.New("reset")}},
		err:     errors.New("dial refused"),
	}
	src, err := audio.NewReconnectingSource(context.Background(), audio.ReconnectConfig{
		Open:    o.open,
		Backoff: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewReconnectingSource: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := src.ReadFrame(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for o.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("reader never attempted to reconnect")
		}
		time.Sleep(time.Millisecond)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, audio.ErrSourceClosed) {
			t.Errorf("err = %v, want ErrSourceClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the backoff")
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNewReconnectingSource_Errors(t *testing.T) {
	if _, err := audio.NewReconnectingSource(context.Background(), audio.ReconnectConfig{}); err == nil {
		t.Error("expected error for missing open func")
	}

	refused := errors.New("dial refused")
	o := &opener{err: refused}
	_, err := audio.NewReconnectingSource(context.Background(), audio.ReconnectConfig{Open: o.open})
	if !errors.Is(err, refused) {
		t.Errorf("err = %v, want %v", err, refused)
	}
}
