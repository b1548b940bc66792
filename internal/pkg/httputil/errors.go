package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/webhook-garden/internal/pkg/ctxlog"
)

// ErrorMapping binds a sentinel error to an HTTP status.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // empty means err.Error()
}

// HandleError writes the first mapping matching err, or logs err and
// responds 500 when none does.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, msg)
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
