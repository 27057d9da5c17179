// Package tools exposes function-calling tools to the LLM: a remote MCP
// server, in-process handlers, or both chained together.
package tools

import (
	"context"
	"errors"

	"github.com/chadiek/avatar-overlay/internal/llm"
)

var (
	ErrUnknownTool  = errors.New("tools: unknown tool")
	ErrEmptyResult  = errors.New("tools: empty result")
	ErrNotConnected = errors.New("tools: provider not connected")
)

// Provider is a source of tools.
type Provider interface {
	Connected() bool
	Manifest() []llm.Tool
	// Invoke runs the named tool with JSON-encoded arguments.
	Invoke(ctx context.Context, name, args string) (string, error)
}

// Chain routes each invocation to the first connected provider that
// exposes the name.
type Chain []Provider

func (c Chain) Connected() bool {
	for _, p := range c {
		if p.Connected() && len(p.Manifest()) > 0 {
			return true
		}
	}
	return false
}

func (c Chain) Manifest() []llm.Tool {
	var out []llm.Tool
	seen := map[string]bool{}
	for _, p := range c {
		if !p.Connected() {
			continue
		}
		for _, t := range p.Manifest() {
			if seen[t.Function.Name] {
				continue
			}
			seen[t.Function.Name] = true
			out = append(out, t)
		}
	}
	return out
}

func (c Chain) Invoke(ctx context.Context, name, args string) (string, error) {
	for _, p := range c {
		if !p.Connected() {
			continue
		}
		for _, t := range p.Manifest() {
			if t.Function.Name == name {
				return p.Invoke(ctx, name, args)
			}
		}
	}
	return "", ErrUnknownTool
}
