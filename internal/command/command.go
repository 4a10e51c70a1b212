// Package command holds the operation registry and the dispatcher that
// routes validated interpretations to handlers under mode gating.
package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"curator/internal/types"
)

// Command is one executable operation. Implementations must be safe for
// concurrent use; the dispatcher calls them from multiple sessions.
type Command interface {
	// Name is the operation name the interpreter emits.
	Name() string

	// RequiredMode is the minimum session mode this command needs.
	RequiredMode() types.Mode

	// Validate checks the interpretation's parameters against the current
	// catalog. It runs before Execute and again at confirm time for
	// two-phase writes.
	Validate(ctx context.Context, interp types.Interpretation) error

	// Execute performs the operation.
	Execute(ctx context.Context, interp types.Interpretation) (types.Result, error)
}

// Mutator is implemented by commands that change the data store. Preview
// computes the effect without applying it; InvalidatedType names the
// catalog type whose cache entries a successful execution staled.
type Mutator interface {
	Command

	Preview(ctx context.Context, interp types.Interpretation) (types.PreviewResult, error)
	InvalidatedType(interp types.Interpretation) string
}

// Registry is the operation lookup table. Registration happens once at
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command. Duplicate names are a wiring bug and fail
// loudly at startup.
func (r *Registry) Register(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := cmd.Name()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.commands[name] = cmd
	return nil
}

// MustRegister panics on duplicate registration. Used in wiring code
// where a duplicate is unrecoverable.
func (r *Registry) MustRegister(cmd Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Get returns the named command.
func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Has reports whether the named command is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.commands[name]
	return ok
}

// Names returns the sorted registered operation names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
