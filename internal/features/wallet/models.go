// Package wallet: models.go describes wallets and their append-only ledger.
package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the per-user cached aggregate of the ledger.
type Wallet struct {
	UserID         int64           `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TxType classifies ledger rows.
type TxType string

const (
	TxReferralBonus        TxType = "REFERRAL_BONUS"
	TxBinaryPairCommission TxType = "BINARY_PAIR_COMMISSION"
	TxDirectUserCommission TxType = "DIRECT_USER_COMMISSION"
	TxTDSDeduction         TxType = "TDS_DEDUCTION"
	TxExtraDeduction       TxType = "EXTRA_DEDUCTION"
	TxEMIDeduction         TxType = "EMI_DEDUCTION"
	TxPayout               TxType = "PAYOUT"
	TxRefund               TxType = "REFUND"
	TxDeposit              TxType = "DEPOSIT"
	TxAdjustment           TxType = "ADJUSTMENT"
)

// Valid reports whether t is a known type.
func (t TxType) Valid() bool {
	switch t {
	case TxReferralBonus, TxBinaryPairCommission, TxDirectUserCommission,
		TxTDSDeduction, TxExtraDeduction, TxEMIDeduction,
		TxPayout, TxRefund, TxDeposit, TxAdjustment:
		return true
	}
	return false
}

// countsAsEarning lists the credit types that raise total_earned.
func (t TxType) countsAsEarning() bool {
	switch t {
	case TxReferralBonus, TxBinaryPairCommission, TxDirectUserCommission:
		return true
	}
	return false
}

// Transaction is one ledger row. Amount is signed: credits positive, debits negative.
type Transaction struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Type          TxType          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reference     Reference       `json:"reference"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Entry is the input of Credit and Debit. Amount is always positive.
type Entry struct {
	UserID      int64
	Amount      decimal.Decimal
	Type        TxType
	Description string
	Reference   Reference
}

// Drift is one wallet whose cached balance disagrees with its ledger.
type Drift struct {
	UserID    int64           `json:"user_id"`
	Cached    decimal.Decimal `json:"cached"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
}
