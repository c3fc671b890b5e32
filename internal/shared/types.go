package shared

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// AudioFormat is an output_format value such as "pcm_16000" or
// "mp3_44100_128".
type AudioFormat string

const DefaultAudioFormat AudioFormat = "pcm_16000"

func ParseAudioFormat(s string) (AudioFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultAudioFormat, nil
	}

	codec, rest, ok := strings.Cut(s, "_")
	if !ok {
		return "", fmt.Errorf("%w: audio format %q", ErrInvalid, s)
	}
	switch codec {
	case "pcm", "mp3", "ulaw", "alaw", "opus", "wav":
	default:
		return "", fmt.Errorf("%w: audio codec %q", ErrInvalid, codec)
	}

	rate, _, _ := strings.Cut(rest, "_")
	if _, err := strconv.Atoi(rate); err != nil {
		return "", fmt.Errorf("%w: sample rate %q", ErrInvalid, rate)
	}
	return AudioFormat(s), nil
}

func (f AudioFormat) Codec() string {
	codec, _, _ := strings.Cut(string(f), "_")
	return codec
}

func (f AudioFormat) SampleRate() int {
	_, rest, _ := strings.Cut(string(f), "_")
	rate, _, _ := strings.Cut(rest, "_")
	n, _ := strconv.Atoi(rate)
	return n
}

func (f AudioFormat) ContentType() string {
	switch f.Codec() {
	case "mp3":
		return "audio/mpeg"
	case "ulaw":
		return "audio/basic"
	case "alaw":
		return "audio/x-alaw-basic"
	case "opus":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	default:
		return "audio/pcm"
	}
}

func (f AudioFormat) Extension() string {
	switch f.Codec() {
	case "mp3":
		return "mp3"
	case "opus":
		return "ogg"
	case "wav":
		return "wav"
	case "ulaw", "alaw":
		return "raw"
	default:
		return "pcm"
	}
}

func (f AudioFormat) String() string {
	return string(f)
}
