package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/BytePhi0/edulearn/internal/domain"
)

func (h *Handlers) setPendingCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     pendingCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.config.Auth.PendingSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.Auth.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handlers) setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.config.Auth.SessionTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.Auth.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// Register validates the candidate and starts the registration OTP
// flow. No user row exists until the code is verified.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	sessionID, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.setPendingCookie(w, sessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "otp_sent",
		"email":  req.Email,
	})
}

// Login checks credentials and starts the login OTP flow. No session
// token is issued until the code is verified.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	sessionID, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.setPendingCookie(w, sessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "otp_sent",
		"email":  req.Email,
	})
}

// VerifyOTP consumes the submitted code and finalizes the staged flow.
func (h *Handlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	// A missing cookie gets the same response as an expired staging
	// entry
	sessionID := ""
	if c, err := r.Cookie(pendingCookie); err == nil {
		sessionID = c.Value
	}

	result, err := h.authService.VerifyOTP(r.Context(), sessionID, &req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	clearCookie(w, pendingCookie)
	h.setTokenCookie(w, result.Token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "verified",
		"token":      result.Token,
		"expires_in": result.ExpiresIn,
		"user":       result.User,
	})
}

// ResendOTP issues a fresh code; earlier unexpired codes stay valid.
func (h *Handlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.ResendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	if err := h.authService.ResendOTP(r.Context(), &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "otp_resent",
	})
}

// Logout clears the session cookie. The JWT itself stays valid until
// its absolute expiry; revocation is out of scope.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, tokenCookie)
	clearCookie(w, pendingCookie)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// CurrentUser returns the profile of the authenticated user.
func (h *Handlers) CurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Missing credentials", "UNAUTHORIZED")
		return
	}

	user, err := h.authService.CurrentUser(r.Context(), claims.Sub)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found", "NOT_FOUND")
		return
	}

	writeJSON(w, http.StatusOK, user.ToUserInfo())
}
