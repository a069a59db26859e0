package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/gateway/razorpayx"
	"evbackend.in/core/internal/metrics"
)

const maxWebhookBody = 1 << 20

// Webhook results reported back to the gateway in the response body.
const (
	resultQueued      = "queued"
	resultDuplicate   = "duplicate"
	resultProcessed   = "processed"
	resultUnsupported = "unsupported"
)

type payoutEntity struct {
	ID            string `json:"id"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

// gatewayEvent accepts both {"payload":{"payout":{...}}} and the gateway's
// {"payload":{"payout":{"entity":{...}}}} shape.
type gatewayEvent struct {
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Payload struct {
		Payout struct {
			payoutEntity
			Entity *payoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

func (e *gatewayEvent) payout() payoutEntity {
	if e.Payload.Payout.Entity != nil {
		return *e.Payload.Payout.Entity
	}
	return e.Payload.Payout.payoutEntity
}

// recordWebhook logs one verified delivery and, in the same transaction,
// queues the work it asks for. A repeated event id changes nothing.
func (s *Service) recordWebhook(ctx context.Context, evt *gatewayEvent, raw []byte) (string, error) {
	result := resultQueued
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		entry := &WebhookLog{EventID: evt.EventID, EventType: evt.Event, Payload: raw, Status: WebhookReceived}
		inserted, err := s.repo.InsertWebhookLog(ctx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			result = resultDuplicate
			return nil
		}

		po := evt.payout()
		task := GatewayEvent{LogID: entry.ID, GatewayPayoutID: po.ID, ReferenceID: po.ReferenceID, Reason: po.FailureReason}
		switch evt.Event {
		case EventPayoutProcessed:
			return s.tasks.Enqueue(ctx, TaskComplete, task)
		case EventPayoutFailed:
			return s.tasks.Enqueue(ctx, TaskFail, task)
		case EventFundAccountValidated:
			result = resultProcessed
			return s.repo.MarkWebhookLog(ctx, entry.ID, WebhookProcessed, "")
		default:
			result = resultUnsupported
			return s.repo.MarkWebhookLog(ctx, entry.ID, WebhookFailed, "unsupported event "+evt.Event)
		}
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// WebhookHandler receives payout gateway callbacks.
type WebhookHandler struct {
	secret  string
	service *Service
}

// NewWebhookHandler creates the handler. secret is the shared HMAC key.
func NewWebhookHandler(secret string, service *Service) *WebhookHandler {
	return &WebhookHandler{secret: secret, service: service}
}

// ServeHTTP answers 400 for unsigned or unreadable deliveries and 200 for
// everything it has durably recorded, whatever the business outcome.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if !razorpayx.VerifySignature(h.secret, body, r.Header.Get("X-Razorpay-Signature")) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		log.WithField("remote", r.RemoteAddr).Warn("Webhook rejected: bad signature")
		common.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	var evt gatewayEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_json").Inc()
		common.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if evt.EventID == "" {
		evt.EventID = r.Header.Get("X-Razorpay-Event-Id")
	}
	if evt.EventID == "" || evt.Event == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_json").Inc()
		common.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "event id and type are required"})
		return
	}

	entry := log.WithFields(log.Fields{"event_id": evt.EventID, "event": evt.Event})
	result, err := h.service.recordWebhook(r.Context(), &evt, body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(evt.Event, "error").Inc()
		entry.WithError(err).Error("Failed to record webhook")
		common.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "try again"})
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(evt.Event, result).Inc()
	entry.WithField("result", result).Info("Webhook received")
	common.WriteJSON(w, http.StatusOK, map[string]string{"status": result})
}

// resolve finds the payout an event refers to. The reference fallback covers
// events that arrive before Process has stored the gateway id.
func (s *Service) resolve(ctx context.Context, ev GatewayEvent) (*Payout, error) {
	p, err := s.repo.FindByTransactionID(ctx, ev.GatewayPayoutID)
	if err == nil || !errors.Is(err, common.ErrNotFound) {
		return p, err
	}
	if ev.ReferenceID != "" {
		p, err = s.repo.FindByReference(ctx, ev.ReferenceID)
		if err == nil || !errors.Is(err, common.ErrNotFound) {
			return p, err
		}
	}
	// retryable: the submitting request may still be storing the id
	return nil, fmt.Errorf("no payout for gateway id %q yet", ev.GatewayPayoutID)
}

// HandleCompleteTask runs a queued payout.processed event.
func (s *Service) HandleCompleteTask(ctx context.Context, payload []byte) error {
	return s.handleEvent(ctx, payload, func(ctx context.Context, p *Payout, ev GatewayEvent) error {
		_, err := s.Complete(ctx, p.ID, ev.GatewayPayoutID)
		return err
	})
}

// HandleFailTask runs a queued payout.failed event.
func (s *Service) HandleFailTask(ctx context.Context, payload []byte) error {
	return s.handleEvent(ctx, payload, func(ctx context.Context, p *Payout, ev GatewayEvent) error {
		_, err := s.Fail(ctx, p.ID, ev.Reason)
		return err
	})
}

func (s *Service) handleEvent(ctx context.Context, payload []byte, run func(ctx context.Context, p *Payout, ev GatewayEvent) error) error {
	var ev GatewayEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return common.Validation("bad gateway event payload: %v", err)
	}
	p, err := s.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if err := run(ctx, p, ev); err != nil {
		return err
	}
	return s.repo.MarkWebhookLog(ctx, ev.LogID, WebhookProcessed, "")
}

// MarkEventDead records a gateway event that will not be retried again.
func (s *Service) MarkEventDead(ctx context.Context, payload []byte, cause error) {
	var ev GatewayEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.LogID == 0 {
		return
	}
	entry := log.WithError(cause).WithFields(log.Fields{"log_id": ev.LogID, "gateway_payout_id": ev.GatewayPayoutID})
	entry.Error("Payout webhook event gave up")
	if err := s.repo.MarkWebhookLog(ctx, ev.LogID, WebhookFailed, cause.Error()); err != nil {
		entry.WithField("mark_error", err).Error("Failed to mark webhook log")
	}
}
