// Package sink persists accepted utterances.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/vad"
)

// ErrNotAccepted is returned when asked to store a result that holds no
// utterance.
var ErrNotAccepted = errors.New("sink: result is not an accepted utterance")

// WAVDir writes each utterance as a 16-bit PCM WAV file into a directory.
// It is safe for concurrent use.
type WAVDir struct {
	dir string
}

// NewWAVDir returns a WAVDir rooted at dir, creating the directory if needed.
func NewWAVDir(dir string) (*WAVDir, error) {
	if dir == "" {
		return nil, errors.New("sink: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", dir, err)
	}
	return &WAVDir{dir: dir}, nil
}

// Dir returns the output directory.
func (d *WAVDir) Dir() string {
	return d.dir
}

// Write stores res as <id>.wav and returns the file path. An empty id is
// replaced by a random UUID. The file appears atomically: it is encoded to
// a temporary file in the same directory and renamed into place.
func (d *WAVDir) Write(ctx context.Context, id string, res vad.Result) (string, error) {
	if res.Outcome != vad.OutcomeAccepted || len(res.Frames) == 0 {
		return "", ErrNotAccepted
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("sink: invalid id %q", id)
	}

	tmp, err := os.CreateTemp(d.dir, "."+id+"-*.wav.tmp")
	if err != nil {
		return "", fmt.Errorf("sink: create temp file: %w", err)
	}
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmp.Name())
	}()

	if err := audio.EncodeWAV(tmp, res.Frames); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sink: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("sink: close temp file: %w", err)
	}

	path := filepath.Join(d.dir, id+".wav")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("sink: rename: %w", err)
	}

	slog.Debug("utterance written", "path", path, "frames", len(res.Frames), "duration", res.Duration())
	return path, nil
}
