package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BytePhi0/edulearn/internal/domain"
	"github.com/BytePhi0/edulearn/pkg/auth"
	"github.com/BytePhi0/edulearn/pkg/config"
	"github.com/BytePhi0/edulearn/pkg/events"
)

// ---------- Mocks ----------

type mockUserRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*domain.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{nextID: 1, users: make(map[int64]*domain.User)}
}

func (m *mockUserRepo) Create(_ context.Context, cand *domain.RegistrationCandidate) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	now := time.Now()
	u := &domain.User{
		ID:           id,
		Username:     cand.Username,
		Email:        cand.Email,
		PasswordHash: cand.PasswordHash,
		Role:         cand.Role,
		FirstName:    cand.FirstName,
		LastName:     cand.LastName,
		Phone:        cand.Phone,
		IsVerified:   true,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[id] = u
	return u, nil
}

func (m *mockUserRepo) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) FindActiveByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && u.IsActive {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) FindByID(_ context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *mockUserRepo) ExistsByEmailOrUsername(_ context.Context, email, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email || u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserRepo) Update(_ context.Context, id int64, req *domain.UpdateUserRequest) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return nil, nil
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	if req.Phone != nil {
		u.Phone = *req.Phone
	}
	if req.Role != nil {
		u.Role = *req.Role
	}
	return u, nil
}

func (m *mockUserRepo) Deactivate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.users[id]; u != nil {
		u.IsActive = false
	}
	return nil
}

func (m *mockUserRepo) List(_ context.Context, limit, offset int) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.User
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

func (m *mockUserRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

type mockOTPRepo struct {
	mu      sync.Mutex
	nextID  int64
	records []*domain.OTPRecord
}

func newMockOTPRepo() *mockOTPRepo {
	return &mockOTPRepo{nextID: 1}
}

func (m *mockOTPRepo) Create(_ context.Context, email, codeHash, otpType string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, &domain.OTPRecord{
		ID:        m.nextID,
		Email:     email,
		CodeHash:  codeHash,
		Type:      otpType,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	})
	m.nextID++
	return nil
}

func (m *mockOTPRepo) FindLive(_ context.Context, email, otpType string) ([]domain.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.OTPRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < domain.MaxLiveOTPChecks; i-- {
		rec := m.records[i]
		if rec.Email == email && rec.Type == otpType && rec.IsConsumable() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockOTPRepo) Consume(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.ID == id {
			if !rec.IsConsumable() {
				return false, nil
			}
			now := time.Now()
			rec.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *mockOTPRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func (m *mockOTPRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockOTPRepo) expireAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		rec.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

type mockPendingRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.PendingSession
}

func newMockPendingRepo() *mockPendingRepo {
	return &mockPendingRepo{entries: make(map[string]*domain.PendingSession)}
}

func (m *mockPendingRepo) Put(_ context.Context, sessionID string, pending *domain.PendingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = pending
	return nil
}

func (m *mockPendingRepo) Get(_ context.Context, sessionID string) (*domain.PendingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[sessionID], nil
}

func (m *mockPendingRepo) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

func (m *mockPendingRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type mockMailer struct {
	mu       sync.Mutex
	lastTo   string
	lastType string
	codes    []string
	sendErr  error
}

func (m *mockMailer) SendOTPEmail(toEmail, code, otpType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTo = toEmail
	m.lastType = otpType
	m.codes = append(m.codes, code)
	return m.sendErr
}

func (m *mockMailer) lastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		return ""
	}
	return m.codes[len(m.codes)-1]
}

func (m *mockMailer) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes)
}

type nopEventBus struct{}

func (nopEventBus) Publish(context.Context, string, interface{}) error { return nil }
func (nopEventBus) Subscribe(string, func(msg *events.Message)) error  { return nil }
func (nopEventBus) QueueSubscribe(string, string, func(msg *events.Message)) error {
	return nil
}
func (nopEventBus) Close() error { return nil }

// ---------- Fixture ----------

type fixture struct {
	svc     AuthService
	users   *mockUserRepo
	otps    *mockOTPRepo
	pending *mockPendingRepo
	mail    *mockMailer
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.OTPTTL = 10 * time.Minute
	cfg.Auth.SessionTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.PendingSessionTTL = 10 * time.Minute

	f := &fixture{
		users:   newMockUserRepo(),
		otps:    newMockOTPRepo(),
		pending: newMockPendingRepo(),
		mail:    &mockMailer{},
		cfg:     cfg,
	}
	f.svc = NewAuthService(f.users, f.otps, f.pending, f.mail, nopEventBus{}, cfg)
	return f
}

func registerRequest() *domain.RegisterRequest {
	return &domain.RegisterRequest{
		Username:  "ada",
		Email:     "a@x.com",
		Password:  "Secret123",
		Role:      domain.RoleStudent,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Phone:     "+2348012345678",
	}
}

// ---------- Registration flow ----------

func TestRegister_StagesCandidateAndIssuesOTP(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	// No user row yet
	assert.Equal(t, 0, f.users.count())

	// One ledger entry, one mail, one staged payload
	assert.Equal(t, 1, f.otps.count())
	assert.Equal(t, 1, f.mail.sent())
	assert.Equal(t, "a@x.com", f.mail.lastTo)
	assert.Equal(t, domain.OTPTypeRegistration, f.mail.lastType)
	assert.Regexp(t, `^\d{6}$`, f.mail.lastCode())

	staged, err := f.pending.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, staged)
	require.NotNil(t, staged.Registration)
	assert.Equal(t, "a@x.com", staged.Registration.Email)
	// Password staged as a hash, never plaintext
	assert.NotEmpty(t, staged.Registration.PasswordHash)
	assert.NotContains(t, staged.Registration.PasswordHash, "Secret123")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	verifyRegistration(t, f, sessionID)

	req := registerRequest()
	req.Username = "someone-else"
	_, err = f.svc.Register(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrDuplicateUser)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	verifyRegistration(t, f, sessionID)

	req := registerRequest()
	req.Email = "other@x.com"
	_, err = f.svc.Register(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrDuplicateUser)
}

func TestRegister_MailFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.mail.sendErr = assert.AnError

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, 1, f.otps.count())
}

func verifyRegistration(t *testing.T, f *fixture, sessionID string) *domain.VerifiedResult {
	t.Helper()
	result, err := f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  f.mail.lastCode(),
		Type:  domain.OTPTypeRegistration,
	})
	require.NoError(t, err)
	return result
}

func TestVerifyOTP_CompletesRegistration(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)

	result := verifyRegistration(t, f, sessionID)

	// Exactly one user row, verified from the start
	require.Equal(t, 1, f.users.count())
	user, err := f.users.FindByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.IsVerified)
	assert.True(t, user.IsActive)

	// Pending session is gone
	assert.Equal(t, 0, f.pending.count())

	// Token is valid and bound to the new user
	claims, err := auth.Parse(result.Token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Sub)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, domain.RoleStudent, claims.Role)

	// Absolute 7-day expiry
	assert.InDelta(t, time.Now().Add(7*24*time.Hour).Unix(), claims.ExpiresAt.Unix(), 60)
	assert.Equal(t, int64((7 * 24 * time.Hour).Seconds()), result.ExpiresIn)
}

// ---------- OTP single-use and expiry ----------

func TestVerifyOTP_SecondUseFails(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	code := f.mail.lastCode()
	verifyRegistration(t, f, sessionID)

	_, err = f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  code,
		Type:  domain.OTPTypeRegistration,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredOTP)

	// Still exactly one user
	assert.Equal(t, 1, f.users.count())
}

func TestVerifyOTP_ExpiredCodeFails(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)

	// Correct and unused, but past its window
	f.otps.expireAll()

	_, err = f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  f.mail.lastCode(),
		Type:  domain.OTPTypeRegistration,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredOTP)
	assert.Equal(t, 0, f.users.count())
}

func TestVerifyOTP_WrongCodeFails(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)

	wrong := "000000"
	if f.mail.lastCode() == wrong {
		wrong = "000001"
	}

	_, err = f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  wrong,
		Type:  domain.OTPTypeRegistration,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredOTP)
}

func TestVerifyOTP_WrongTypeFails(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)

	_, err = f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  f.mail.lastCode(),
		Type:  domain.OTPTypeLogin,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredOTP)
}

// ---------- Pending session ----------

func TestVerifyOTP_MissingPendingSession(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)

	// Staged payload lost (browser session gone, TTL elapsed)
	require.NoError(t, f.pending.Delete(context.Background(), sessionID))

	_, err = f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  f.mail.lastCode(),
		Type:  domain.OTPTypeRegistration,
	})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, 0, f.users.count())
}

func TestVerifyOTP_MismatchedEmailInPendingSession(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)

	// Another flow's payload under the same session id must not be
	// promotable with this email's code
	require.NoError(t, f.pending.Put(context.Background(), sessionID, &domain.PendingSession{
		Registration: &domain.RegistrationCandidate{Email: "someone@else.com", Username: "x", Role: domain.RoleStudent},
	}))

	_, err = f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  f.mail.lastCode(),
		Type:  domain.OTPTypeRegistration,
	})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

// ---------- Login flow ----------

func createVerifiedUser(t *testing.T, f *fixture) *domain.User {
	t.Helper()
	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	verifyRegistration(t, f, sessionID)

	user, err := f.users.FindByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	return user
}

func TestLogin_IssuesOTPWithoutToken(t *testing.T) {
	f := newFixture(t)
	createVerifiedUser(t, f)
	mailsBefore := f.mail.sent()

	sessionID, err := f.svc.Login(context.Background(), &domain.LoginRequest{
		Email:    "a@x.com",
		Password: "Secret123",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	assert.Equal(t, mailsBefore+1, f.mail.sent())
	assert.Equal(t, domain.OTPTypeLogin, f.mail.lastType)

	staged, err := f.pending.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, staged)
	require.NotNil(t, staged.Login)
	assert.Equal(t, "a@x.com", staged.Login.Email)
}

func TestLogin_WrongPasswordAndUnknownEmailIndistinguishable(t *testing.T) {
	f := newFixture(t)
	createVerifiedUser(t, f)
	otpsBefore := f.otps.count()
	pendingBefore := f.pending.count()

	_, errWrongPass := f.svc.Login(context.Background(), &domain.LoginRequest{
		Email:    "a@x.com",
		Password: "not-the-password",
	})
	_, errNoUser := f.svc.Login(context.Background(), &domain.LoginRequest{
		Email:    "nobody@x.com",
		Password: "Secret123",
	})

	require.Error(t, errWrongPass)
	require.Error(t, errNoUser)
	assert.ErrorIs(t, errWrongPass, domain.ErrInvalidCredentials)
	assert.ErrorIs(t, errNoUser, domain.ErrInvalidCredentials)
	assert.Equal(t, errWrongPass.Error(), errNoUser.Error())

	// No OTP issued, nothing staged on failure
	assert.Equal(t, otpsBefore, f.otps.count())
	assert.Equal(t, pendingBefore, f.pending.count())
}

func TestLogin_DeactivatedAccountGetsNoOTP(t *testing.T) {
	f := newFixture(t)
	user := createVerifiedUser(t, f)
	require.NoError(t, f.users.Deactivate(context.Background(), user.ID))
	otpsBefore := f.otps.count()

	_, err := f.svc.Login(context.Background(), &domain.LoginRequest{
		Email:    "a@x.com",
		Password: "Secret123",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Equal(t, otpsBefore, f.otps.count())
}

func TestVerifyOTP_CompletesLogin(t *testing.T) {
	f := newFixture(t)
	user := createVerifiedUser(t, f)
	usersBefore := f.users.count()

	sessionID, err := f.svc.Login(context.Background(), &domain.LoginRequest{
		Email:    "a@x.com",
		Password: "Secret123",
	})
	require.NoError(t, err)

	result, err := f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  f.mail.lastCode(),
		Type:  domain.OTPTypeLogin,
	})
	require.NoError(t, err)

	// Bound to the existing user, no new row
	assert.Equal(t, usersBefore, f.users.count())
	claims, err := auth.Parse(result.Token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Sub)

	assert.Equal(t, 0, f.pending.count())
}

// ---------- Resend ----------

func TestResendOTP_OlderCodeStaysValid(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	firstCode := f.mail.lastCode()

	require.NoError(t, f.svc.ResendOTP(context.Background(), &domain.ResendOTPRequest{
		Email: "a@x.com",
		Type:  domain.OTPTypeRegistration,
	}))
	require.Equal(t, 2, f.otps.count())
	require.NotEmpty(t, f.mail.lastCode())

	// The first, not-yet-expired code still completes the flow
	result, err := f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
		Email: "a@x.com",
		Code:  firstCode,
		Type:  domain.OTPTypeRegistration,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
}

func TestResendOTP_UnknownLoginEmailSuppressed(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ResendOTP(context.Background(), &domain.ResendOTPRequest{
		Email: "nobody@x.com",
		Type:  domain.OTPTypeLogin,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.otps.count())
	assert.Equal(t, 0, f.mail.sent())
}

// ---------- Concurrency ----------

func TestVerifyOTP_ConcurrentSubmissionsExactlyOneWinner(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.svc.Register(context.Background(), registerRequest())
	require.NoError(t, err)
	code := f.mail.lastCode()

	const attempts = 2
	results := make(chan error, attempts)

	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		go func() {
			start.Wait()
			_, err := f.svc.VerifyOTP(context.Background(), sessionID, &domain.VerifyOTPRequest{
				Email: "a@x.com",
				Code:  code,
				Type:  domain.OTPTypeRegistration,
			})
			results <- err
		}()
	}
	start.Done()

	var successes, otpFailures int
	for i := 0; i < attempts; i++ {
		err := <-results
		switch {
		case err == nil:
			successes++
		default:
			// The loser must observe the consumed record, never a
			// duplicate-user or other downstream failure
			assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredOTP)
			otpFailures++
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, otpFailures)
	assert.Equal(t, 1, f.users.count())
}
