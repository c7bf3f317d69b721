package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	apierrors "github.com/CedrosPay/facilitator/internal/errors"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/pkg/responders"
)

// listWebhooks returns dead-lettered settlement webhooks, oldest first.
// GET /admin/webhooks?limit=100
func (h *handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 1000 {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "limit must be between 1 and 1000", "field", "limit")
			return
		}
		limit = parsed
	}

	webhooks, err := h.dlq.ListFailedWebhooks(r.Context(), limit)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to list webhooks", "error", err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"webhooks": webhooks,
		"count":    len(webhooks),
	})
}

// retryWebhook redelivers one dead-lettered webhook immediately.
// POST /admin/webhooks/{id}/retry
func (h *handlers) retryWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := callbacks.Redeliver(r.Context(), h.dlq, id, h.webhookTimeout)
	switch {
	case err == nil:
		log := logger.FromContext(r.Context())
		log.Info().Str("webhook_id", id).Msg("admin.webhook_redelivered")
		responders.JSON(w, http.StatusOK, map[string]any{
			"delivered": true,
			"webhookId": id,
		})
	case errors.Is(err, callbacks.ErrWebhookNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookNotFound, "webhook not found")
	default:
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeNetworkError, "redelivery failed", "error", err.Error())
	}
}

// deleteWebhook drops a dead-lettered webhook without delivering it.
// DELETE /admin/webhooks/{id}
func (h *handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	webhooks, err := h.dlq.ListFailedWebhooks(r.Context(), 0)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to list webhooks", "error", err.Error())
		return
	}
	found := false
	for _, wh := range webhooks {
		if wh.ID == id {
			found = true
			break
		}
	}
	if !found {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookNotFound, "webhook not found")
		return
	}

	if err := h.dlq.DeleteFailedWebhook(r.Context(), id); err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to delete webhook", "error", err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"deleted":   true,
		"webhookId": id,
	})
}
