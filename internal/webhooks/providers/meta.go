package providers

import (
	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
)

// metaObjectField is the top-level discriminant of Meta Graph webhooks.
const metaObjectField = "object"

// Meta object values.
const (
	MetaObjectPage      = "page"
	MetaObjectInstagram = "instagram"
	MetaObjectWhatsApp  = "whatsapp_business_account"
)

// NewMetaHandler dispatches Meta Graph webhooks by their object field.
// Variants without a handler are left out and fail as unknown.
func NewMetaHandler(messenger, instagram, whatsapp webhooks.WebhookHandler) *webhooks.CompositeHandler {
	variants := make(map[string]webhooks.WebhookHandler, 3)
	if messenger != nil {
		variants[MetaObjectPage] = messenger
	}
	if instagram != nil {
		variants[MetaObjectInstagram] = instagram
	}
	if whatsapp != nil {
		variants[MetaObjectWhatsApp] = whatsapp
	}
	return webhooks.NewCompositeHandler(metaObjectField, variants)
}

// metaSources are the sources a combined Meta endpoint can fan out to.
var metaSources = []domain.Source{domain.SourceMessenger, domain.SourceInstagram, domain.SourceWhatsApp}
