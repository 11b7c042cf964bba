package audio

import (
	"fmt"

	"github.com/zaf/g711"
	"layeh.com/gopus"
)

// Codec names the wire encoding of frames received from a remote source.
type Codec string

const (
	// CodecPCM16 is raw little-endian int16 PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecMulaw is ITU-T G.711 µ-law, 8 bits per sample.
	CodecMulaw Codec = "mulaw"

	// CodecAlaw is ITU-T G.711 A-law, 8 bits per sample.
	CodecAlaw Codec = "alaw"

	// CodecOpus is one Opus packet per message.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	switch c {
	case CodecPCM16, CodecMulaw, CodecAlaw, CodecOpus:
		return true
	}
	return false
}

// Decoder turns one encoded payload into little-endian int16 PCM.
// Decoders may be stateful (Opus) and must not be shared between streams.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
}

// DecoderFunc adapts a stateless function to [Decoder].
type DecoderFunc func(payload []byte) ([]byte, error)

// Decode calls f(payload).
func (f DecoderFunc) Decode(payload []byte) ([]byte, error) { return f(payload) }

// maxOpusFrameMs is the longest frame duration an Opus packet may carry.
const maxOpusFrameMs = 120

// NewDecoder returns a [Decoder] for codec. sampleRate and channels are only
// used by Opus; G.711 and PCM16 carry their format implicitly.
func NewDecoder(codec Codec, sampleRate, channels int) (Decoder, error) {
	switch codec {
	case CodecPCM16, "":
		return DecoderFunc(func(p []byte) ([]byte, error) {
			if len(p)%2 != 0 {
				return nil, fmt.Errorf("audio: pcm16 payload has odd length %d", len(p))
			}
			return p, nil
		}), nil
	case CodecMulaw:
		return DecoderFunc(func(p []byte) ([]byte, error) { return g711.DecodeUlaw(p), nil }), nil
	case CodecAlaw:
		return DecoderFunc(func(p []byte) ([]byte, error) { return g711.DecodeAlaw(p), nil }), nil
	case CodecOpus:
		return newOpusDecoder(sampleRate, channels)
	default:
		return nil, fmt.Errorf("audio: unsupported codec %q", codec)
	}
}

// opusDecoder wraps a gopus decoder for a single stream so that decoder state
// carries across consecutive packets.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func newOpusDecoder(sampleRate, channels int) (*opusDecoder, error) {
	if channels <= 0 {
		channels = 1
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, frameSize: sampleRate * maxOpusFrameMs / 1000}, nil
}

func (d *opusDecoder) Decode(p []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(p, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
