// Package widget defines the capability interface implemented by every
// widget kind and the registry that resolves a kind name to an
// implementation. A widget instance is stateless: all per-session state
// lives in the store's WidgetSession row, whose prepared parameters are
// handed back to the implementation on every call.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownKind is returned when no widget implementation is
// registered for a requested kind name.
var ErrUnknownKind = errors.New("unknown widget kind")

// ErrBadResponse is returned when a posted payload does not match the
// widget's expected shape.
var ErrBadResponse = errors.New("malformed widget response")

// Payload is the JSON-ish data exchanged with the client.
type Payload map[string]any

// Widget is the capability interface for one widget kind.
type Widget interface {
	// Kind returns the registry name of the implementation.
	Kind() string

	// Prepare derives the per-session parameters from the definition
	// parameters at playlist materialization time (e.g. fixing a
	// presentation order). The result is what Get and Post receive.
	Prepare(params Payload) (Payload, error)

	// Get returns the data the client needs to present the widget.
	Get(ctx context.Context, params Payload) (Payload, error)

	// Post consumes the client's response and returns feedback.
	Post(ctx context.Context, params, data Payload) (Payload, error)
}

// Registry maps widget kind names to implementations.
type Registry struct {
	kinds map[string]Widget
}

// NewRegistry returns a registry with all built-in widget kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Widget)}

	r.Register(&TextDisplay{})
	r.Register(&WordlistDisplay{})
	r.Register(&WordRecallTest{})
	r.Register(&WordRecognitionTest{})

	return r
}

// Register adds a widget implementation, replacing any existing
// implementation of the same kind.
func (r *Registry) Register(w Widget) {
	r.kinds[w.Kind()] = w
}

// Get resolves a kind name to its implementation.
func (r *Registry) Get(kind string) (Widget, error) {
	w, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return w, nil
}

// Kinds returns all registered kind names, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}
