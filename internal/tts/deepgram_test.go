package tts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Without an API key the client must fail before dialing anything.
func TestDeepgram_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Synthesize(ctx, "hello")
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestDeepgram_EmptyText(t *testing.T) {
	d := NewDeepgramClient("key", "", zerolog.Nop())
	_, err := d.Synthesize(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyText)
}
