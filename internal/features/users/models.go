// Package users manages platform accounts: signup, distributor and KYC flags,
// and the derived active-buyer status.
// models.go describes the users table.
package users

import "time"

// Role is the account's permission level.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

// KYCStatus mirrors the external KYC module's verdict.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// User is one account.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          *string   `json:"email,omitempty"`
	Mobile         string    `json:"mobile"`
	Role           Role      `json:"role"`
	IsDistributor  bool      `json:"is_distributor"`
	IsActiveBuyer  bool      `json:"is_active_buyer"`
	KYCStatus      KYCStatus `json:"kyc_status"`
	ReferredBy     *int64    `json:"referred_by,omitempty"` // weak link, the referrer may be deleted
	TelegramChatID *int64    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewUser is the signup input. Mobile is the natural key.
type NewUser struct {
	Mobile        string
	Email         string
	Username      string
	ReferredBy    *int64
	IsDistributor bool
}
