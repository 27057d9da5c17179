package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Log        zerolog.Logger
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		Log:        log,
	}
}

func (c *Client) endpoint() string { return c.BaseURL + "/chat/completions" }

func (c *Client) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	if c.APIKey == "" {
		return nil, ErrMissingKey
	}
	body, err := json.Marshal(chatCompletionsRequest{
		Model:    c.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   stream,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "chat request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// Complete issues a non-streaming request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (Reply, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Reply{}, errors.Wrapf(ErrParse, "decode completion: %v", err)
	}
	if len(cr.Choices) == 0 {
		return Reply{}, errors.Wrap(ErrParse, "empty choices")
	}
	msg := cr.Choices[0].Message
	return Reply{Content: strings.TrimSpace(msg.Content), ToolCalls: msg.ToolCalls}, nil
}

// Stream issues a streaming request, calling onDelta for every content
// fragment in arrival order, and returns the concatenated reply. Frames
// that fail to decode are logged and skipped. Once ctx is done no further
// fragment is delivered, even if the rest of the body is already buffered.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		if payload == "[DONE]" {
			return full.String(), nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.Log.Warn().Err(err).Str("frame", payload).Msg("skipping undecodable stream frame")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		return full.String(), errors.Wrap(err, "read stream")
	}
	return full.String(), nil
}
