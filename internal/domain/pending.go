package domain

// RegistrationCandidate is the full user payload staged between
// credential submission and OTP confirmation. The password is hashed
// before staging; plaintext never enters the pending store.
type RegistrationCandidate struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Role         string `json:"role"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Phone        string `json:"phone"`
}

// LoginIdentity identifies an authenticated user awaiting OTP
// confirmation.
type LoginIdentity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// PendingSession is the tagged union staged per browser session.
// Exactly one of the two fields is set.
type PendingSession struct {
	Registration *RegistrationCandidate `json:"registration,omitempty"`
	Login        *LoginIdentity         `json:"login,omitempty"`
}

// Type reports which OTP type this pending session can satisfy.
func (p *PendingSession) Type() string {
	if p.Registration != nil {
		return OTPTypeRegistration
	}
	if p.Login != nil {
		return OTPTypeLogin
	}
	return ""
}

// MatchesEmail reports whether the staged payload belongs to email.
func (p *PendingSession) MatchesEmail(email string) bool {
	switch {
	case p.Registration != nil:
		return p.Registration.Email == email
	case p.Login != nil:
		return p.Login.Email == email
	default:
		return false
	}
}
