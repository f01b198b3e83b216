package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// OTP types
const (
	OTPTypeRegistration = "registration"
	OTPTypeLogin        = "login"
)

const (
	OTPLength = 6

	// Codes are valid for ten minutes from issuance.
	OTPTTL = 10 * time.Minute

	// How many live codes per (email, type) are checked during
	// verification. Bounds the bcrypt comparisons per request.
	MaxLiveOTPChecks = 5
)

var validOTPTypes = map[string]bool{
	OTPTypeRegistration: true,
	OTPTypeLogin:        true,
}

// OTPRecord is one row of the OTP ledger. The code itself is stored
// bcrypt-hashed; rows are kept after consumption for audit and are
// garbage-collected once long expired.
type OTPRecord struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	CodeHash  string     `json:"-"`
	Type      string     `json:"type"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (o *OTPRecord) IsExpired() bool {
	return time.Now().After(o.ExpiresAt)
}

func (o *OTPRecord) IsUsed() bool {
	return o.UsedAt != nil
}

func (o *OTPRecord) IsConsumable() bool {
	return !o.IsExpired() && !o.IsUsed()
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	Type  string `json:"type"`
}

type ResendOTPRequest struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

func (r *VerifyOTPRequest) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if !isValidEmail(r.Email) {
		return fmt.Errorf("%w: invalid email format", ErrValidation)
	}
	if r.Code == "" {
		return fmt.Errorf("%w: code is required", ErrValidation)
	}
	if !regexp.MustCompile(`^\d{6}$`).MatchString(r.Code) {
		return fmt.Errorf("%w: code must be 6 digits", ErrValidation)
	}
	if !validOTPTypes[r.Type] {
		return fmt.Errorf("%w: invalid verification type", ErrValidation)
	}
	return nil
}

func (r *ResendOTPRequest) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if !isValidEmail(r.Email) {
		return fmt.Errorf("%w: invalid email format", ErrValidation)
	}
	if !validOTPTypes[r.Type] {
		return fmt.Errorf("%w: invalid verification type", ErrValidation)
	}
	return nil
}

func (r *VerifyOTPRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Code = strings.TrimSpace(r.Code)
}

func (r *ResendOTPRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}
