package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavFormatPCM = 1
)

// EncodeWAV writes frames as a 16-bit PCM WAV file to w. All frames must
// share the sample rate and channel count of the first frame.
func EncodeWAV(w io.WriteSeeker, frames []AudioFrame) error {
	if len(frames) == 0 {
		return errors.New("audio: encode wav: no frames")
	}
	rate, channels := frames[0].SampleRate, frames[0].Channels
	if channels <= 0 {
		channels = 1
	}

	samples := make([]int, 0, len(frames)*frames[0].NumSamples()*channels)
	for _, f := range frames {
		if f.SampleRate != rate || max(f.Channels, 1) != channels {
			return fmt.Errorf("audio: encode wav: frame %d is %s, want %s",
				f.Seq, formatString(f.SampleRate, f.Channels), formatString(rate, channels))
		}
		for _, s := range f.Samples() {
			samples = append(samples, int(s))
		}
	}

	enc := wav.NewEncoder(w, rate, wavBitDepth, channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: encode wav: close: %w", err)
	}
	return nil
}

// NewWAVSource decodes a 16-bit WAV stream and returns a [SliceSource] that
// replays it as mono frames of frameSize samples at the file's sample rate.
// Stereo files are downmixed; a trailing partial frame is dropped.
func NewWAVSource(r io.ReadSeeker, frameSize int) (*SliceSource, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("audio: wav source: invalid wav file")
	}
	if dec.BitDepth != wavBitDepth {
		return nil, fmt.Errorf("audio: wav source: unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("audio: wav source: decode: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, errors.New("audio: wav source: empty file")
	}

	ints := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		ints[i] = int16(v)
	}
	pcm := Int16sToBytes(ints)
	if dec.NumChans == 2 {
		pcm = StereoToMono(pcm)
	}
	return NewSliceSource(FramesFromPCM(pcm, int(dec.SampleRate), frameSize)), nil
}
