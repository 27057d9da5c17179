// Package tts turns reply segments into audio clips.
package tts

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrEmptyText  = errors.New("tts: empty text")
	ErrEmptyAudio = errors.New("tts: empty audio")
	ErrMissingKey = errors.New("tts: API key missing")
)

// Synthesizer produces one complete audio clip (WAV or compressed) for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
