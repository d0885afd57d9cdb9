// Package handler defines the pluggable per-action-type strategy contract
// and the concrete handlers shipped with the service. A handler owns no
// persistent state and is registered once at startup; dispatch is by
// action-type string through the Registry.
package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload is the intake-time view of a bulk action request, passed to
// ValidatePayload before any record is persisted.
type Payload struct {
	AccountID string
	Config    map[string]any
	Entities  []map[string]any
}

// Result is the outcome of processing a single entity. Exactly one of
// Success or Skipped is set on a non-failure; a failure has neither and
// carries the reason in Message.
type Result struct {
	Success bool
	Skipped bool
	Message string
}

// Handler implements validation and per-entity processing for one action
// type. Implementations must be safe for concurrent use.
type Handler interface {
	// ActionType returns the unique identifier this handler is bound to.
	ActionType() string

	// ValidatePayload checks a request before a record is persisted.
	// A non-nil error carries the rejection reason.
	ValidatePayload(ctx context.Context, p Payload) error

	// ProcessEntity applies the action to a single entity. A returned
	// error is recorded as an entity-level failure, never escalated.
	ProcessEntity(ctx context.Context, entity map[string]any, config map[string]any) (Result, error)

	// DescribeConfigSchema returns the JSON schema for the action's config.
	DescribeConfigSchema() map[string]any
}

// Registry maps action-type identifiers to handlers. It is built once at
// process start from an externally supplied list and read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. A duplicate
// action type panics: it is a wiring mistake, not a runtime condition.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.ActionType()]; dup {
			panic(fmt.Sprintf("handler: duplicate registration for action type %q", h.ActionType()))
		}
		r.handlers[h.ActionType()] = h
	}
	return r
}

// Get returns the handler bound to actionType, if any.
func (r *Registry) Get(actionType string) (Handler, bool) {
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// validateConfigSchema checks config against a handler's JSON schema and
// returns a readable reason on mismatch.
func validateConfigSchema(schema map[string]any, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	res, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("config schema validation: %w", err)
	}
	if !res.Valid() {
		reasons := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			reasons = append(reasons, e.String())
		}
		return fmt.Errorf("config does not match schema: %s", strings.Join(reasons, "; "))
	}
	return nil
}
