// Package razorpayx is a minimal RazorpayX Payouts client: create a bank
// payout and verify webhook signatures.
package razorpayx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
)

const serviceName = "razorpayx"

// BankAccount is where a payout is sent.
type BankAccount struct {
	HolderName    string `json:"account_holder_name"`
	AccountNumber string `json:"account_number"`
	IFSC          string `json:"ifsc_code"`
	BankName      string `json:"bank_name"`
}

// Validate checks the fields the gateway requires.
func (b BankAccount) Validate() error {
	switch {
	case strings.TrimSpace(b.HolderName) == "":
		return common.Validation("account holder name is required")
	case strings.TrimSpace(b.AccountNumber) == "":
		return common.Validation("account number is required")
	case len(strings.TrimSpace(b.IFSC)) != 11:
		return common.Validation("IFSC code must be 11 characters")
	}
	return nil
}

// Config holds connection settings.
type Config struct {
	BaseURL        string
	KeyID          string
	KeySecret      string
	AccountNumber  string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Client talks to the RazorpayX API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client with bounded connect and read timeouts.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConnsPerHost:   4,
			},
		},
	}
}

type payoutRequest struct {
	AccountNumber     string      `json:"account_number"`
	Amount            int64       `json:"amount"`
	Currency          string      `json:"currency"`
	Mode              string      `json:"mode"`
	Purpose           string      `json:"purpose"`
	FundAccount       fundAccount `json:"fund_account"`
	QueueIfLowBalance bool        `json:"queue_if_low_balance"`
	ReferenceID       string      `json:"reference_id"`
	Narration         string      `json:"narration"`
}

type fundAccount struct {
	AccountType string      `json:"account_type"`
	BankAccount bankAccount `json:"bank_account"`
	Contact     contact     `json:"contact"`
}

type bankAccount struct {
	Name          string `json:"name"`
	IFSC          string `json:"ifsc"`
	AccountNumber string `json:"account_number"`
}

type contact struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	ReferenceID string `json:"reference_id"`
}

type payoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreatePayout asks the gateway to send amount to bank. reference doubles as
// the idempotency key, so retrying with the same reference cannot pay twice.
// Every failure is common.ErrExternalService.
func (c *Client) CreatePayout(ctx context.Context, bank BankAccount, amount decimal.Decimal, reference string) (string, error) {
	body, err := json.Marshal(payoutRequest{
		AccountNumber: c.cfg.AccountNumber,
		Amount:        common.ToPaise(amount),
		Currency:      "INR",
		Mode:          "IMPS",
		Purpose:       "payout",
		FundAccount: fundAccount{
			AccountType: "bank_account",
			BankAccount: bankAccount{Name: bank.HolderName, IFSC: strings.ToUpper(bank.IFSC), AccountNumber: bank.AccountNumber},
			Contact:     contact{Name: bank.HolderName, Type: "customer", ReferenceID: reference},
		},
		QueueIfLowBalance: true,
		ReferenceID:       reference,
		Narration:         "Commission payout",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build payout request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payout-Idempotency", reference)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", common.ExternalService(serviceName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", common.ExternalService(serviceName, fmt.Errorf("read response: %w", err))
	}
	entry := log.WithFields(log.Fields{
		"reference": reference,
		"status":    resp.StatusCode,
		"duration":  time.Since(start).Round(time.Millisecond),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		entry.WithField("code", e.Error.Code).Warn("Payout gateway rejected request")
		return "", common.ExternalService(serviceName,
			fmt.Errorf("status %d: %s %s", resp.StatusCode, e.Error.Code, e.Error.Description))
	}

	var out payoutResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		return "", common.ExternalService(serviceName, fmt.Errorf("unexpected response: %s", truncate(raw, 200)))
	}
	entry.WithFields(log.Fields{"payout_id": out.ID, "gateway_status": out.Status}).Info("Payout submitted to gateway")
	return out.ID, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Sign returns the hex HMAC-SHA256 of body, as sent in X-Razorpay-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
