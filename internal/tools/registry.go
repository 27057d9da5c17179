package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chadiek/avatar-overlay/internal/llm"
)

// Handler runs one in-process tool.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

type entry struct {
	def     llm.FunctionDef
	handler Handler
}

// Registry is a fixed name->handler table built at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(def llm.FunctionDef, h Handler) error {
	if def.Name == "" || h == nil {
		return errors.New("tools: register needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return errors.Errorf("tools: %s already registered", def.Name)
	}
	r.entries[def.Name] = entry{def: def, handler: h}
	return nil
}

func (r *Registry) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) > 0
}

// Manifest lists the tools sorted by name.
func (r *Registry) Manifest() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, llm.Tool{Type: "function", Function: e.def})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUnknownTool
	}
	raw := json.RawMessage(args)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	out, err := e.handler(ctx, raw)
	if err != nil {
		return "", errors.Wrapf(err, "tool %s", name)
	}
	if out == "" {
		return "", ErrEmptyResult
	}
	return out, nil
}

// RegisterTime adds the "time" tool, which reports the local time.
func RegisterTime(r *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	return r.Register(llm.FunctionDef{
		Name:        "time",
		Description: "获取当前的本地日期和时间",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(context.Context, json.RawMessage) (string, error) {
		return now().Format("2006-01-02 15:04:05 Monday"), nil
	})
}
