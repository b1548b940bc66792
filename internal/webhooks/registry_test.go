package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingHandler(name string, calls *[]string) WebhookHandler {
	return WebhookHandlerFunc(func(_ context.Context, _ json.RawMessage) error {
		*calls = append(*calls, name)
		return nil
	})
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	var calls []string
	registry := NewRegistry()

	registry.Register(domain.SourceStripe, recordingHandler("first", &calls))
	registry.Register(domain.SourceStripe, recordingHandler("second", &calls))

	handler, ok := registry.Lookup(domain.SourceStripe)
	require.True(t, ok)
	require.NoError(t, handler.HandleWebhook(context.Background(), json.RawMessage(`{}`)))

	assert.Equal(t, []string{"second"}, calls)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	registry := NewRegistry()

	_, ok := registry.Lookup(domain.Source("nobody"))
	assert.False(t, ok)
}

func TestRegistry_Sources(t *testing.T) {
	registry := NewRegistry()
	noop := WebhookHandlerFunc(func(context.Context, json.RawMessage) error { return nil })

	registry.Register(domain.SourceWhatsApp, noop)
	registry.Register(domain.SourceEmail, noop)
	registry.Register(domain.SourceStripe, noop)

	assert.Equal(t, []domain.Source{domain.SourceEmail, domain.SourceStripe, domain.SourceWhatsApp}, registry.Sources())
}

func TestCompositeHandler(t *testing.T) {
	var calls []string
	composite := NewCompositeHandler("object", map[string]WebhookHandler{
		"page":      recordingHandler("messenger", &calls),
		"instagram": recordingHandler("instagram", &calls),
	})

	tests := []struct {
		name      string
		payload   string
		wantCall  string
		wantErr   error
		wantInErr string
	}{
		{
			name:     "routes page to messenger",
			payload:  `{"object":"page","entry":[]}`,
			wantCall: "messenger",
		},
		{
			name:     "routes instagram",
			payload:  `{"object":"instagram"}`,
			wantCall: "instagram",
		},
		{
			name:      "unknown variant names the variant",
			payload:   `{"object":"whatsapp_business_account"}`,
			wantErr:   ErrUnknownVariant,
			wantInErr: `"whatsapp_business_account"`,
		},
		{
			name:      "missing discriminant",
			payload:   `{"entry":[]}`,
			wantErr:   ErrUnknownVariant,
			wantInErr: `object ""`,
		},
		{
			name:      "non-string discriminant",
			payload:   `{"object":42}`,
			wantInErr: "decode object discriminant",
		},
		{
			name:      "payload is not an object",
			payload:   `[1,2]`,
			wantInErr: "decode object discriminant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls = nil
			err := composite.HandleWebhook(context.Background(), json.RawMessage(tt.payload))

			if tt.wantCall != "" {
				require.NoError(t, err)
				assert.Equal(t, []string{tt.wantCall}, calls)
				return
			}

			require.Error(t, err)
			assert.Empty(t, calls)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
			assert.Contains(t, err.Error(), tt.wantInErr)
		})
	}
}

func TestCompositeHandler_PropagatesVariantError(t *testing.T) {
	failure := errors.New("downstream unavailable")
	composite := NewCompositeHandler("type", map[string]WebhookHandler{
		"a": WebhookHandlerFunc(func(context.Context, json.RawMessage) error { return failure }),
	})

	err := composite.HandleWebhook(context.Background(), json.RawMessage(`{"type":"a"}`))
	assert.ErrorIs(t, err, failure)
}
