package razorpayx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbackend.in/core/internal/common"
)

var bank = BankAccount{HolderName: "Asha Rao", AccountNumber: "50100012345678", IFSC: "hdfc0001234", BankName: "HDFC"}

func newTestClient(url string, timeout time.Duration) *Client {
	return New(Config{BaseURL: url + "/", KeyID: "rzp_key", KeySecret: "rzp_secret", AccountNumber: "2323230000", Timeout: timeout})
}

func TestCreatePayout_SendsPaiseWithIdempotencyKey(t *testing.T) {
	var got payoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payouts", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_key", user)
		assert.Equal(t, "rzp_secret", pass)
		assert.Equal(t, "ref-1", r.Header.Get("X-Payout-Idempotency"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"pout_123","status":"queued"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL, time.Second).CreatePayout(context.Background(), bank, decimal.RequireFromString("950.00"), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "pout_123", id)
	assert.Equal(t, int64(95000), got.Amount)
	assert.Equal(t, "2323230000", got.AccountNumber)
	assert.Equal(t, "HDFC0001234", got.FundAccount.BankAccount.IFSC)
	assert.Equal(t, "ref-1", got.ReferenceID)
}

func TestCreatePayout_FailuresAreExternalServiceErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"rejected": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"Invalid IFSC"}}`))
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := newTestClient(srv.URL, 100*time.Millisecond).CreatePayout(context.Background(), bank, decimal.NewFromInt(10), "ref")
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrExternalService)
			assert.True(t, common.IsRetryable(err))
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"payout.processed","event_id":"evt_1"}`)
	sig := Sign("whsec", body)

	assert.True(t, VerifySignature("whsec", body, sig))
	assert.True(t, VerifySignature("whsec", body, " "+sig+" "))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("whsec", append(body, ' '), sig))
	assert.False(t, VerifySignature("whsec", body, ""))
	assert.False(t, VerifySignature("", body, sig))
}

func TestBankAccountValidate(t *testing.T) {
	assert.NoError(t, bank.Validate())
	b := bank
	b.IFSC = "HDFC"
	assert.ErrorIs(t, b.Validate(), common.ErrValidation)
}
