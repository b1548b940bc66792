package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	sources []string
}

func (r *recorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.sources = append(r.sources, req.Header.Get("X-Webhook-Source"))
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewMetaHandler_Dispatch(t *testing.T) {
	var got []string
	variant := func(name string) webhooks.WebhookHandler {
		return webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error {
			got = append(got, name)
			return nil
		})
	}
	h := NewMetaHandler(variant("messenger"), variant("instagram"), variant("whatsapp"))

	tests := []struct {
		payload string
		want    string
	}{
		{`{"object":"page","entry":[]}`, "messenger"},
		{`{"object":"instagram"}`, "instagram"},
		{`{"object":"whatsapp_business_account"}`, "whatsapp"},
	}
	for _, tt := range tests {
		require.NoError(t, h.HandleWebhook(context.Background(), json.RawMessage(tt.payload)))
	}
	assert.Equal(t, []string{"messenger", "instagram", "whatsapp"}, got)

	err := h.HandleWebhook(context.Background(), json.RawMessage(`{"object":"user"}`))
	assert.ErrorIs(t, err, webhooks.ErrUnknownVariant)
}

func TestNewMetaHandler_MissingVariant(t *testing.T) {
	h := NewMetaHandler(nil, webhooks.WebhookHandlerFunc(func(context.Context, json.RawMessage) error { return nil }), nil)

	err := h.HandleWebhook(context.Background(), json.RawMessage(`{"object":"page"}`))
	assert.ErrorIs(t, err, webhooks.ErrUnknownVariant)
	assert.NoError(t, h.HandleWebhook(context.Background(), json.RawMessage(`{"object":"instagram"}`)))
}

func TestRegister(t *testing.T) {
	rec := &recorder{}
	server := rec.server(t)

	registry := webhooks.NewRegistry()
	err := Register(registry, Config{
		Targets: map[string]string{
			"Stripe":    server.URL,
			"messenger": server.URL,
			"whatsapp":  server.URL,
		},
		RateLimit: 100,
		Burst:     10,
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.Source{
		domain.SourceMessenger,
		domain.SourceMeta,
		domain.SourceStripe,
		domain.SourceWhatsApp,
	}, registry.Sources())

	meta, ok := registry.Lookup(domain.SourceMeta)
	require.True(t, ok)
	require.NoError(t, meta.HandleWebhook(context.Background(), json.RawMessage(`{"object":"whatsapp_business_account"}`)))

	stripe, ok := registry.Lookup(domain.SourceStripe)
	require.True(t, ok)
	require.NoError(t, stripe.HandleWebhook(context.Background(), json.RawMessage(`{}`)))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"whatsapp", "stripe"}, rec.sources)
}

func TestRegister_NoMetaWithoutVariants(t *testing.T) {
	registry := webhooks.NewRegistry()
	require.NoError(t, Register(registry, Config{Targets: map[string]string{"email": "http://localhost:1"}}))

	_, ok := registry.Lookup(domain.SourceMeta)
	assert.False(t, ok)
}

func TestRegister_EmptyURL(t *testing.T) {
	err := Register(webhooks.NewRegistry(), Config{Targets: map[string]string{"sms": ""}})
	assert.Error(t, err)
}
