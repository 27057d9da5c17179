package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// ErrNotWAV is returned by DecodeWAV for payloads without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a wav payload")

const wavHeaderSize = 44

// FloatToPCM16 clamps s to [-1,1] and scales it asymmetrically so that
// -1 maps to -32768 and 1 maps to 32767.
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 0x8000))
	}
	return int16(math.Round(float64(s) * 0x7FFF))
}

// EncodeWAV wraps mono float samples in a 44-byte PCM16 WAV header.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(FloatToPCM16(s)))
	}
	return WrapPCM16(pcm, sampleRate)
}

// WrapPCM16 prefixes raw PCM16LE mono bytes with a 44-byte WAV header.
func WrapPCM16(pcm []byte, sampleRate int) []byte {
	dataLen := len(pcm)
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataLen))
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(buf, le, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	// size 16, PCM, mono, rate, byte rate, block align, bits
	_ = binary.Write(buf, le, uint32(16))
	_ = binary.Write(buf, le, uint16(1))
	_ = binary.Write(buf, le, uint16(1))
	_ = binary.Write(buf, le, uint32(sampleRate))
	_ = binary.Write(buf, le, uint32(sampleRate*2))
	_ = binary.Write(buf, le, uint16(2))
	_ = binary.Write(buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(buf, le, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}

// PCM is decoded 16-bit audio. Multi-channel input is mixed down to mono.
type PCM struct {
	SampleRate int
	Samples    []int16
}

// Duration of the decoded audio.
func (p PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// DecodeWAV walks the RIFF chunks of a PCM16 WAV payload.
func DecodeWAV(b []byte) (PCM, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return PCM{}, ErrNotWAV
	}
	le := binary.LittleEndian
	var (
		channels   = 1
		sampleRate int
		bits       int
		data       []byte
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(le.Uint32(b[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(b) {
			end = len(b)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return PCM{}, errors.New("audio: short fmt chunk")
			}
			if format := le.Uint16(b[body:]); format != 1 {
				return PCM{}, errors.New("audio: only PCM wav is supported")
			}
			channels = int(le.Uint16(b[body+2:]))
			sampleRate = int(le.Uint32(b[body+4:]))
			bits = int(le.Uint16(b[body+14:]))
		case "data":
			data = b[body:end]
		}
		off = body + size + size%2
	}
	if sampleRate == 0 || data == nil {
		return PCM{}, errors.New("audio: wav missing fmt or data chunk")
	}
	if bits != 16 {
		return PCM{}, errors.New("audio: only 16-bit wav is supported")
	}
	if channels < 1 {
		channels = 1
	}
	frames := len(data) / (2 * channels)
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(le.Uint16(data[(i*channels+c)*2:])))
		}
		out[i] = int16(sum / channels)
	}
	return PCM{SampleRate: sampleRate, Samples: out}, nil
}
