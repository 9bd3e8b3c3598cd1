// Package admin exposes the operator commands over Telegram and HTTP.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gotrs-io/mailrelay/internal/auth"
)

// ErrUnknownCommand is returned by Dispatch for unregistered names.
var ErrUnknownCommand = errors.New("unknown command")

// Request describes who invoked a command and from where.
type Request struct {
	Source   string
	ChatID   int64
	Operator string
	Args     string
}

// Handler produces the HTML reply for a command.
type Handler func(ctx context.Context, req Request) (string, error)

// Command is one registry entry. Scope is the token scope the HTTP surface
// requires; Telegram access is gated by chat membership instead.
type Command struct {
	Name        string
	Description string
	Scope       string
	Handler     Handler
}

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd; names must be unique.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command %q: name and handler are required", cmd.Name)
	}
	if cmd.Scope == "" {
		cmd.Scope = auth.ScopeAdmin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Lookup returns the named command.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Dispatch runs the named command.
func (r *Registry) Dispatch(ctx context.Context, name string, req Request) (string, error) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return cmd.Handler(ctx, req)
}

// Commands lists registrations sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
