package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/BytePhi0/edulearn/internal/domain"
	"github.com/BytePhi0/edulearn/internal/mailer"
	"github.com/BytePhi0/edulearn/internal/otp"
	"github.com/BytePhi0/edulearn/internal/repository"
	"github.com/BytePhi0/edulearn/pkg/auth"
	"github.com/BytePhi0/edulearn/pkg/config"
	"github.com/BytePhi0/edulearn/pkg/events"
	"github.com/BytePhi0/edulearn/pkg/logger"
)

// AuthService drives the OTP-gated authentication flow:
// Register/Login stage credentials and issue a code, VerifyOTP consumes
// the code and finalizes the flow into a user row or a session token.
type AuthService interface {
	Register(ctx context.Context, req *domain.RegisterRequest) (sessionID string, err error)
	Login(ctx context.Context, req *domain.LoginRequest) (sessionID string, err error)
	VerifyOTP(ctx context.Context, sessionID string, req *domain.VerifyOTPRequest) (*domain.VerifiedResult, error)
	ResendOTP(ctx context.Context, req *domain.ResendOTPRequest) error
	CurrentUser(ctx context.Context, userID int64) (*domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	UpdateUser(ctx context.Context, id int64, req *domain.UpdateUserRequest) (*domain.User, error)
	DeactivateUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error)
}

type authService struct {
	userRepo    repository.UserRepository
	otpRepo     repository.OTPRepository
	pendingRepo repository.PendingRepository
	mailer      mailer.Service
	eventBus    events.EventBus
	config      *config.Config
}

func NewAuthService(
	userRepo repository.UserRepository,
	otpRepo repository.OTPRepository,
	pendingRepo repository.PendingRepository,
	mailer mailer.Service,
	eventBus events.EventBus,
	config *config.Config,
) AuthService {
	return &authService{
		userRepo:    userRepo,
		otpRepo:     otpRepo,
		pendingRepo: pendingRepo,
		mailer:      mailer,
		eventBus:    eventBus,
		config:      config,
	}
}

func (s *authService) Register(ctx context.Context, req *domain.RegisterRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	exists, err := s.userRepo.ExistsByEmailOrUsername(ctx, req.Email, req.Username)
	if err != nil {
		return "", fmt.Errorf("failed to check existing user: %w", err)
	}
	if exists {
		return "", domain.ErrDuplicateUser
	}

	// Hash before staging; plaintext never leaves this function
	passwordHash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	sessionID := uuid.NewString()
	pending := &domain.PendingSession{
		Registration: &domain.RegistrationCandidate{
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: passwordHash,
			Role:         req.Role,
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			Phone:        req.Phone,
		},
	}
	if err := s.pendingRepo.Put(ctx, sessionID, pending); err != nil {
		return "", fmt.Errorf("failed to stage registration: %w", err)
	}

	if err := s.issueOTP(ctx, req.Email, domain.OTPTypeRegistration); err != nil {
		return "", err
	}

	return sessionID, nil
}

func (s *authService) Login(ctx context.Context, req *domain.LoginRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	// Active status gates the flow here, before any OTP exists, so
	// deactivated accounts never receive codes.
	user, err := s.userRepo.FindActiveByEmail(ctx, req.Email)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return "", domain.ErrInvalidCredentials
	}

	valid, err := argon2id.ComparePasswordAndHash(req.Password, user.PasswordHash)
	if err != nil {
		return "", fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		return "", domain.ErrInvalidCredentials
	}

	sessionID := uuid.NewString()
	pending := &domain.PendingSession{
		Login: &domain.LoginIdentity{
			UserID: user.ID,
			Email:  user.Email,
		},
	}
	if err := s.pendingRepo.Put(ctx, sessionID, pending); err != nil {
		return "", fmt.Errorf("failed to stage login: %w", err)
	}

	if err := s.issueOTP(ctx, user.Email, domain.OTPTypeLogin); err != nil {
		return "", err
	}

	return sessionID, nil
}

func (s *authService) VerifyOTP(ctx context.Context, sessionID string, req *domain.VerifyOTPRequest) (*domain.VerifiedResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.consumeOTP(ctx, req.Email, req.Code, req.Type); err != nil {
		return nil, err
	}

	pending, err := s.pendingRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending session: %w", err)
	}
	if pending == nil || pending.Type() != req.Type || !pending.MatchesEmail(req.Email) {
		logger.WarnContext(ctx, "OTP consumed but pending session missing or mismatched",
			"email", req.Email, "type", req.Type)
		return nil, domain.ErrSessionExpired
	}

	switch req.Type {
	case domain.OTPTypeRegistration:
		return s.finalizeRegistration(ctx, sessionID, pending.Registration)
	case domain.OTPTypeLogin:
		return s.finalizeLogin(ctx, sessionID, pending.Login)
	default:
		return nil, domain.ErrInvalidOrExpiredOTP
	}
}

func (s *authService) ResendOTP(ctx context.Context, req *domain.ResendOTPRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	// For login codes the account must still be active, but an unknown
	// or deactivated email gets the same response as success
	if req.Type == domain.OTPTypeLogin {
		user, err := s.userRepo.FindActiveByEmail(ctx, req.Email)
		if err != nil {
			return fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			logger.InfoContext(ctx, "OTP resend for unknown or inactive account suppressed", "type", req.Type)
			return nil
		}
	}

	// Earlier codes stay live until they expire or one is consumed
	return s.issueOTP(ctx, req.Email, req.Type)
}

func (s *authService) CurrentUser(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *authService) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *authService) UpdateUser(ctx context.Context, id int64, req *domain.UpdateUserRequest) (*domain.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	user, err := s.userRepo.Update(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

func (s *authService) DeactivateUser(ctx context.Context, id int64) error {
	if err := s.userRepo.Deactivate(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("failed to deactivate user: %w", err)
	}

	if err := s.eventBus.Publish(ctx, events.UserDeactivated, events.UserDeactivatedEvent{
		UserID:        id,
		DeactivatedAt: time.Now(),
	}); err != nil {
		logger.WarnContext(ctx, "Failed to publish user deactivated event", "error", err, "user_id", id)
	}

	return nil
}

func (s *authService) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	users, err := s.userRepo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// issueOTP generates, persists and delivers a fresh code. Delivery
// failures are logged and swallowed: the caller still reports success
// so that mail provider outages do not reveal account state.
func (s *authService) issueOTP(ctx context.Context, email, otpType string) error {
	code, err := otp.GenerateCode()
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash code: %w", err)
	}

	expiresAt := time.Now().Add(s.config.Auth.OTPTTL)
	if err := s.otpRepo.Create(ctx, email, string(codeHash), otpType, expiresAt); err != nil {
		return fmt.Errorf("failed to create OTP record: %w", err)
	}

	if err := s.mailer.SendOTPEmail(email, code, otpType); err != nil {
		logger.ErrorContext(ctx, "Failed to send OTP email", "error", err, "type", otpType)
	}

	if err := s.eventBus.Publish(ctx, events.OTPIssued, events.OTPIssuedEvent{
		Email:     email,
		Type:      otpType,
		ExpiresAt: expiresAt,
	}); err != nil {
		logger.WarnContext(ctx, "Failed to publish OTP issued event", "error", err)
	}

	return nil
}

// consumeOTP matches the submitted code against the live records for
// (email, type) and marks the winner used. All failure causes collapse
// into ErrInvalidOrExpiredOTP; the logs keep the real reason.
func (s *authService) consumeOTP(ctx context.Context, email, code, otpType string) error {
	records, err := s.otpRepo.FindLive(ctx, email, otpType)
	if err != nil {
		return fmt.Errorf("failed to look up OTP records: %w", err)
	}
	if len(records) == 0 {
		logger.DebugContext(ctx, "OTP verification failed: no live records", "type", otpType)
		return domain.ErrInvalidOrExpiredOTP
	}

	for _, rec := range records {
		if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(code)) != nil {
			continue
		}

		consumed, err := s.otpRepo.Consume(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to consume OTP record: %w", err)
		}
		if !consumed {
			// Lost the race against a concurrent submission of
			// the same code
			logger.DebugContext(ctx, "OTP verification failed: record already consumed", "otp_id", rec.ID)
			return domain.ErrInvalidOrExpiredOTP
		}
		return nil
	}

	logger.DebugContext(ctx, "OTP verification failed: code mismatch", "type", otpType)
	return domain.ErrInvalidOrExpiredOTP
}

func (s *authService) finalizeRegistration(ctx context.Context, sessionID string, cand *domain.RegistrationCandidate) (*domain.VerifiedResult, error) {
	user, err := s.userRepo.Create(ctx, cand)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateUser
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.pendingRepo.Delete(ctx, sessionID); err != nil {
		logger.WarnContext(ctx, "Failed to delete pending session", "error", err)
	}

	if err := s.eventBus.Publish(ctx, events.UserRegistered, events.UserRegisteredEvent{
		UserID:       user.ID,
		Email:        user.Email,
		Username:     user.Username,
		Role:         user.Role,
		RegisteredAt: time.Now(),
	}); err != nil {
		logger.WarnContext(ctx, "Failed to publish user registered event", "error", err, "user_id", user.ID)
	}

	return s.issueSession(user)
}

func (s *authService) finalizeLogin(ctx context.Context, sessionID string, identity *domain.LoginIdentity) (*domain.VerifiedResult, error) {
	user, err := s.userRepo.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	// The account may have been deactivated between staging and
	// verification
	if user == nil || !user.IsActive {
		return nil, domain.ErrInvalidCredentials
	}

	if err := s.pendingRepo.Delete(ctx, sessionID); err != nil {
		logger.WarnContext(ctx, "Failed to delete pending session", "error", err)
	}

	if err := s.eventBus.Publish(ctx, events.UserLoggedIn, events.UserLoggedInEvent{
		UserID:     user.ID,
		Email:      user.Email,
		Role:       user.Role,
		LoggedInAt: time.Now(),
	}); err != nil {
		logger.WarnContext(ctx, "Failed to publish user logged in event", "error", err, "user_id", user.ID)
	}

	return s.issueSession(user)
}

func (s *authService) issueSession(user *domain.User) (*domain.VerifiedResult, error) {
	token, err := auth.NewSessionToken(
		user.ID,
		user.Email,
		user.Role,
		s.config.Auth.JWTSecret,
		s.config.Auth.SessionTokenTTL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session token: %w", err)
	}

	return &domain.VerifiedResult{
		Token:     token,
		ExpiresIn: int64(s.config.Auth.SessionTokenTTL.Seconds()),
		User:      user.ToUserInfo(),
	}, nil
}
