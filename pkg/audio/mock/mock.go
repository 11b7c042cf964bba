// Package mock provides an in-memory mock implementation of [audio.Source]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{Frames: frames}
//	f, err := src.ReadFrame(ctx)
//	// after Frames is exhausted, ReadFrame returns audio.ErrSourceClosed
//	// (or ReadErr, when set).
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Frames are returned by ReadFrame in order.
	Frames []audio.AudioFrame

	// ReadErr, if non-nil, is returned by ReadFrame once Frames is exhausted
	// instead of audio.ErrSourceClosed.
	ReadErr error

	// FailAfter, if positive, makes ReadFrame return ReadErr after that many
	// successful reads even if frames remain.
	FailAfter int

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	pos int
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReadFrame++
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	if s.FailAfter > 0 && s.pos >= s.FailAfter && s.ReadErr != nil {
		return audio.AudioFrame{}, s.ReadErr
	}
	if s.pos >= len(s.Frames) {
		if s.ReadErr != nil {
			return audio.AudioFrame{}, s.ReadErr
		}
		return audio.AudioFrame{}, audio.ErrSourceClosed
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// Delivered returns how many frames have been returned so far.
func (s *Source) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

var _ audio.Source = (*Source)(nil)
