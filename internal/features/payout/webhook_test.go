package payout

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbackend.in/core/internal/gateway/razorpayx"
)

const testSecret = "whsec_test"

func deliver(t *testing.T, h http.Handler, body []byte, sig string, headers map[string]string) (int, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpayx/payout", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Razorpay-Signature", sig)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestWebhookHandler(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(testSecret, f.svc)
	body := []byte(`{"event_id":"evt_1","event":"payout.processed","payload":{"payout":{"id":"pout_1"}}}`)

	code, _ := deliver(t, h, body, "", nil)
	assert.Equal(t, http.StatusBadRequest, code, "missing signature")
	code, _ = deliver(t, h, body, razorpayx.Sign("wrong", body), nil)
	assert.Equal(t, http.StatusBadRequest, code, "bad signature")

	garbage := []byte(`{"event_id":`)
	code, _ = deliver(t, h, garbage, razorpayx.Sign(testSecret, garbage), nil)
	assert.Equal(t, http.StatusBadRequest, code, "invalid JSON")

	anonymous := []byte(`{"event":"payout.processed"}`)
	code, _ = deliver(t, h, anonymous, razorpayx.Sign(testSecret, anonymous), nil)
	assert.Equal(t, http.StatusBadRequest, code, "no event id")
	assert.Empty(t, f.tasks.Kinds())

	code, resp := deliver(t, h, body, razorpayx.Sign(testSecret, body), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resultQueued, resp["status"])

	code, resp = deliver(t, h, body, razorpayx.Sign(testSecret, body), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resultDuplicate, resp["status"])
	assert.Equal(t, []string{TaskComplete}, f.tasks.Kinds())

	task := f.tasks.Items[0].Payload.(GatewayEvent)
	assert.Equal(t, "pout_1", task.GatewayPayoutID)
}

func TestWebhookHandler_EventIDFromHeader(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(testSecret, f.svc)
	body := []byte(`{"event":"payout.failed","payload":{"payout":{"id":"pout_2","failure_reason":"IFSC invalid"}}}`)

	code, resp := deliver(t, h, body, razorpayx.Sign(testSecret, body), map[string]string{"X-Razorpay-Event-Id": "evt_h"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resultQueued, resp["status"])
	assert.Equal(t, "evt_h", f.store.log(1).EventID)
	assert.Equal(t, "IFSC invalid", f.tasks.Items[0].Payload.(GatewayEvent).Reason)
}

func TestWebhookHandler_UnsupportedEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(testSecret, f.svc)
	body := []byte(`{"event_id":"evt_9","event":"payout.reversed","payload":{}}`)

	code, resp := deliver(t, h, body, razorpayx.Sign(testSecret, body), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resultUnsupported, resp["status"])
}

func TestWebhookHandler_StorageFailureAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	f.tasks.Err = errors.New("queue down")
	h := NewWebhookHandler(testSecret, f.svc)
	body := []byte(`{"event_id":"evt_5","event":"payout.processed","payload":{"payout":{"id":"pout_5"}}}`)

	code, _ := deliver(t, h, body, razorpayx.Sign(testSecret, body), nil)
	assert.Equal(t, http.StatusInternalServerError, code)

	f.tasks.Err = nil
	code, resp := deliver(t, h, body, razorpayx.Sign(testSecret, body), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resultQueued, resp["status"])
}
