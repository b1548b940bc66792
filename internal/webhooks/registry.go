package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/bissquit/webhook-garden/internal/domain"
)

// WebhookHandler interprets one provider's payload and performs its side effects.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload json.RawMessage) error
}

// WebhookHandlerFunc adapts a function to WebhookHandler.
type WebhookHandlerFunc func(ctx context.Context, payload json.RawMessage) error

// HandleWebhook calls f(ctx, payload).
func (f WebhookHandlerFunc) HandleWebhook(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Registry maps sources to handlers. Registration is additive and the last
// registration for a source wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Source]WebhookHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[domain.Source]WebhookHandler),
	}
}

// Register binds handler to source.
func (r *Registry) Register(source domain.Source, handler WebhookHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[source] = handler
}

// Lookup returns the handler registered for source.
func (r *Registry) Lookup(source domain.Source) (WebhookHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[source]
	return h, ok
}

// Sources returns registered sources in lexical order.
func (r *Registry) Sources() []domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]domain.Source, 0, len(r.handlers))
	for s := range r.handlers {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// CompositeHandler forwards a payload to one of several handlers, chosen by
// the string value of a top-level discriminant field.
type CompositeHandler struct {
	Field    string
	Variants map[string]WebhookHandler
}

// NewCompositeHandler creates a composite handler keyed on field.
func NewCompositeHandler(field string, variants map[string]WebhookHandler) *CompositeHandler {
	return &CompositeHandler{Field: field, Variants: variants}
}

// HandleWebhook implements WebhookHandler.
func (c *CompositeHandler) HandleWebhook(ctx context.Context, payload json.RawMessage) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode %s discriminant: %w", c.Field, err)
	}

	var variant string
	if raw, ok := envelope[c.Field]; ok {
		if err := json.Unmarshal(raw, &variant); err != nil {
			return fmt.Errorf("decode %s discriminant: %w", c.Field, err)
		}
	}

	handler, ok := c.Variants[variant]
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrUnknownVariant, c.Field, variant)
	}
	return handler.HandleWebhook(ctx, payload)
}
