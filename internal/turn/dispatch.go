package turn

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/chadiek/avatar-overlay/internal/llm"
	"github.com/chadiek/avatar-overlay/internal/tools"
)

// dispatcher obtains the reply text for one turn. Streaming dispatchers
// feed the speaker as text arrives; the others leave speech to the caller.
type dispatcher interface {
	dispatch(ctx context.Context, a *Arbiter, msgs []llm.Message, stream bool) (reply string, spoken bool, err error)
}

// plainDispatch is the path without tools.
type plainDispatch struct{}

func (plainDispatch) dispatch(ctx context.Context, a *Arbiter, msgs []llm.Message, stream bool) (string, bool, error) {
	if !stream {
		reply, err := a.llm.Complete(ctx, llm.Request{Messages: msgs})
		if err != nil {
			return "", false, err
		}
		return strings.TrimSpace(reply.Content), false, nil
	}

	a.speaker.Reset()
	reply, err := a.llm.Stream(ctx, llm.Request{Messages: msgs}, func(delta string) {
		a.speak(ctx, func() { a.speaker.AddStreamingText(delta) })
	})
	if err != nil {
		a.speaker.Reset()
		return "", false, err
	}
	if !a.speak(ctx, a.speaker.FinalizeStreamingText) {
		a.speaker.Reset()
		return "", false, ctx.Err()
	}
	return strings.TrimSpace(reply), true, nil
}

// toolDispatch offers the tool manifest and serves one tool round trip.
// Only the first requested call is invoked.
type toolDispatch struct {
	provider tools.Provider
}

func (d toolDispatch) dispatch(ctx context.Context, a *Arbiter, msgs []llm.Message, _ bool) (string, bool, error) {
	first, err := a.llm.Complete(ctx, llm.Request{Messages: msgs, Tools: d.provider.Manifest()})
	if err != nil {
		return "", false, err
	}
	if len(first.ToolCalls) == 0 {
		return strings.TrimSpace(first.Content), false, nil
	}

	call := first.ToolCalls[0]
	mark := a.history.Len()
	a.history.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})

	log := a.log.With().Str("tool", call.Function.Name).Logger()
	log.Info().Str("arguments", call.Function.Arguments).Msg("invoking tool")
	result, err := d.provider.Invoke(ctx, call.Function.Name, call.Function.Arguments)
	if err == nil && strings.TrimSpace(result) == "" {
		err = tools.ErrEmptyResult
	}
	if err != nil {
		a.history.Rollback(mark)
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, errors.Wrapf(ErrToolFailed, "%s: %v", call.Function.Name, err)
	}
	log.Debug().Str("result", result).Msg("tool returned")
	a.history.Append(llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: result})

	final, err := a.llm.Complete(ctx, llm.Request{Messages: a.history.Snapshot()})
	if err != nil {
		a.history.Rollback(mark)
		return "", false, err
	}
	return strings.TrimSpace(final.Content), false, nil
}
