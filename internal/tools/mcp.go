package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/llm"
)

type mcpFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type discoverResponse struct {
	Functions []mcpFunction `json:"functions"`
	Server    struct {
		Name string `json:"name"`
	} `json:"server"`
}

type invokeRequest struct {
	SessionID  string          `json:"session_id"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// MCPClient talks to an MCP-style HTTP tool server. Every call carries the
// same per-process session id.
type MCPClient struct {
	HTTPClient *http.Client
	BaseURL    string
	SessionID  string

	log zerolog.Logger

	mu        sync.RWMutex
	connected bool
	server    string
	functions []mcpFunction
}

func NewMCPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *MCPClient {
	return &MCPClient{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		SessionID:  uuid.NewString(),
		log:        log,
	}
}

// Discover fetches the tool list. The client counts as connected only
// when the server answered with at least one tool.
func (c *MCPClient) Discover(ctx context.Context) error {
	var resp discoverResponse
	err := c.post(ctx, "/mcp/v1/discover", map[string]string{"session_id": c.SessionID}, &resp)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.connected = false
		c.functions = nil
		return err
	}
	c.functions = resp.Functions
	c.server = resp.Server.Name
	c.connected = len(resp.Functions) > 0

	names := make([]string, 0, len(resp.Functions))
	for _, f := range resp.Functions {
		names = append(names, f.Name)
	}
	c.log.Info().Str("server", c.server).Strs("tools", names).Msg("mcp tools discovered")
	return nil
}

func (c *MCPClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MCPClient) Manifest() []llm.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Tool, 0, len(c.functions))
	for _, f := range c.functions {
		out = append(out, llm.Tool{Type: "function", Function: llm.FunctionDef{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  f.Parameters,
		}})
	}
	return out
}

func (c *MCPClient) Invoke(ctx context.Context, name, args string) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	if !c.has(name) {
		return "", ErrUnknownTool
	}
	params := json.RawMessage(args)
	if !json.Valid(params) {
		c.log.Warn().Str("tool", name).Str("arguments", args).Msg("unparseable tool arguments, sending {}")
		params = json.RawMessage("{}")
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.post(ctx, "/mcp/v1/invoke", invokeRequest{SessionID: c.SessionID, Name: name, Parameters: params}, &resp); err != nil {
		return "", errors.Wrapf(err, "invoke %s", name)
	}
	out := resultText(resp.Result)
	if out == "" {
		return "", ErrEmptyResult
	}
	return out, nil
}

// resultText prefers result.content when it is a non-empty string and
// falls back to the raw result JSON.
func resultText(result json.RawMessage) string {
	if len(result) == 0 || string(result) == "null" {
		return ""
	}
	var withContent struct {
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(result, &withContent) == nil && len(withContent.Content) > 0 {
		var s string
		if json.Unmarshal(withContent.Content, &s) == nil && s != "" {
			return s
		}
	}
	return string(result)
}

func (c *MCPClient) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.functions {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (c *MCPClient) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "mcp request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return &llm.APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(llm.ErrParse, err.Error())
	}
	return nil
}
