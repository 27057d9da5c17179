package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, "key", "model", time.Second, zerolog.Nop())
}

func TestComplete_NoKey(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", "model", time.Second, zerolog.Nop())
	_, err := c.Complete(context.Background(), Request{})
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestComplete_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{"status_429", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(429)
			_, _ = w.Write([]byte("slow down"))
		}, func(t *testing.T, err error) {
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, 429, apiErr.Status)
			assert.Equal(t, "slow down", apiErr.Body)
		}},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not-json"))
		}, func(t *testing.T, err error) { require.ErrorIs(t, err, ErrParse) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, func(t *testing.T, err error) { require.ErrorIs(t, err, ErrParse) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := newTestClient(srv).Complete(context.Background(), Request{})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestComplete_SendsToolsAndParsesToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,
			"tool_calls":[{"id":"call_1","type":"function","function":{"name":"time","arguments":"{}"}}]}}]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(srv).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
		Tools:    []Tool{{Type: "function", Function: FunctionDef{Name: "time"}}},
	})
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, "time", reply.ToolCalls[0].Function.Name)
	assert.Empty(t, reply.Content)

	assert.Equal(t, "model", got["model"])
	assert.Len(t, got["tools"], 1)
	_, streaming := got["stream"]
	assert.False(t, streaming)
}

func TestStream_DeliversDeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"你好", "，", "世界"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n")
	}))
	defer srv.Close()

	var deltas []string
	full, err := newTestClient(srv).Stream(context.Background(), Request{}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"你好", "，", "世界"}, deltas)
	assert.Equal(t, "你好，世界", full)
}

func TestStream_StopsAtCancelWithBufferedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// everything, including the terminator, in a single write
		body := ""
		for _, d := range []string{"一", "二", "三"} {
			body += fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		body += "data: [DONE]\n\n"
		_, _ = io.WriteString(w, body)
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var deltas []string
	full, err := newTestClient(srv).Stream(ctx, Request{}, func(d string) {
		deltas = append(deltas, d)
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"一"}, deltas)
	assert.Equal(t, "一", full)
}

func TestStream_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	_, err := newTestClient(srv).Stream(context.Background(), Request{}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestMessage_WireShapes(t *testing.T) {
	b, err := json.Marshal(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Type: "function"}}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"content":null`)

	b, err = json.Marshal(Message{Role: RoleUser, Content: "look", Parts: []ContentPart{TextPart("look"), ImagePart("data:image/jpeg;base64,AA")}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"content":[{"type":"text","text":"look"}`)

	b, err = json.Marshal(Message{Role: RoleTool, Content: "42", ToolCallID: "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"tool","content":"42","tool_call_id":"1"}`, string(b))
}
