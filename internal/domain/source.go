package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Source identifies the external provider a webhook originated from.
// Sources are operator-configurable, so unknown values are valid and
// fall back to DefaultPriority.
type Source string

// Known sources.
const (
	SourceWhatsApp    Source = "whatsapp"
	SourceTelegram    Source = "telegram"
	SourceMessenger   Source = "messenger"
	SourceInstagram   Source = "instagram"
	SourceMeta        Source = "meta"
	SourceTwilio      Source = "twilio"
	SourceSMS         Source = "sms"
	SourceStripe      Source = "stripe"
	SourceMercadoPago Source = "mercadopago"
	SourceEmail       Source = "email"
	SourceMailgun     Source = "mailgun"
	SourceSendgrid    Source = "sendgrid"
)

// Priority bounds. Lower value means more urgent.
const (
	MaxPriority     = 1
	DefaultPriority = 5
)

var sourcePriorities = map[Source]int{
	SourceWhatsApp:    1,
	SourceTelegram:    2,
	SourceMessenger:   2,
	SourceInstagram:   2,
	SourceMeta:        2,
	SourceTwilio:      3,
	SourceSMS:         3,
	SourceStripe:      3,
	SourceMercadoPago: 3,
	SourceEmail:       4,
	SourceMailgun:     4,
	SourceSendgrid:    4,
}

var sourceCaser = cases.Lower(language.Und)

// ParseSource normalizes a raw source name.
func ParseSource(raw string) Source {
	return Source(sourceCaser.String(strings.TrimSpace(raw)))
}

// IsKnown reports whether the source has an entry in the priority table.
func (s Source) IsKnown() bool {
	_, ok := sourcePriorities[s]
	return ok
}

// DefaultPriority returns the table priority for the source,
// or DefaultPriority for unknown sources.
func (s Source) DefaultPriority() int {
	if p, ok := sourcePriorities[s]; ok {
		return p
	}
	return DefaultPriority
}
