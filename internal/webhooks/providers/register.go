package providers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"golang.org/x/time/rate"
)

// Config holds forwarding settings for all providers.
type Config struct {
	// Targets maps a source name to the URL its payloads are forwarded to.
	Targets   map[string]string
	AuthToken string
	Timeout   time.Duration
	// RateLimit is the shared outbound request rate per second; 0 disables limiting.
	RateLimit float64
	Burst     int
}

// Register adds a forwarding handler for every configured target. When any
// of messenger, instagram or whatsapp is configured and meta is not, a
// composite meta handler is registered over them.
func Register(registry *webhooks.Registry, config Config) error {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	handlers := make(map[domain.Source]webhooks.WebhookHandler, len(config.Targets))
	for name, url := range config.Targets {
		source := domain.ParseSource(name)
		handler, err := NewForwardHandler(source, ForwardConfig{
			URL:       url,
			AuthToken: config.AuthToken,
			Timeout:   config.Timeout,
		}, limiter)
		if err != nil {
			return err
		}
		handlers[source] = handler
		registry.Register(source, handler)
	}

	if _, ok := handlers[domain.SourceMeta]; !ok && hasAny(handlers, metaSources) {
		registry.Register(domain.SourceMeta, NewMetaHandler(
			handlers[domain.SourceMessenger],
			handlers[domain.SourceInstagram],
			handlers[domain.SourceWhatsApp],
		))
	}

	slog.Info("provider handlers registered",
		"sources", fmt.Sprint(registry.Sources()),
		"rate_limit", config.RateLimit,
	)
	return nil
}

func hasAny(handlers map[domain.Source]webhooks.WebhookHandler, sources []domain.Source) bool {
	for _, s := range sources {
		if _, ok := handlers[s]; ok {
			return true
		}
	}
	return false
}
