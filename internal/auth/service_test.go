package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// fakeStore is an in-memory Store with the same atomicity guarantees the
// Postgres repository provides: one mutex stands in for the per-row locks.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int
	users    map[string]*User
	byEmail  map[string]string
	refresh  map[string]*RefreshToken
	tickets  map[string]*Ticket
	logs     []LoginLog
	failLogs bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		refresh: make(map[string]*RefreshToken),
		tickets: make(map[string]*Ticket),
	}
}

func (f *fakeStore) newID() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.byEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return *f.users[id], nil
}

func (f *fakeStore) GetUserByAccessToken(_ context.Context, token string, now time.Time) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.AccessToken == token && u.TokenExpiresAt != nil && u.TokenExpiresAt.After(now) {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeStore) CreateUser(_ context.Context, newUser NewUser, session Session, verification Ticket) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byEmail[newUser.Email]; exists {
		return User{}, ErrEmailTaken
	}

	expiresAt := session.AccessExpiresAt
	user := &User{
		ID:             f.newID(),
		Email:          newUser.Email,
		PasswordHash:   newUser.PasswordHash,
		FirstName:      newUser.FirstName,
		LastName:       newUser.LastName,
		Role:           RoleCustomer,
		AccessToken:    session.AccessToken,
		TokenExpiresAt: &expiresAt,
	}
	f.users[user.ID] = user
	f.byEmail[user.Email] = user.ID

	f.insertRefreshLocked(user.ID, session)

	verification.UserID = user.ID
	f.insertTicketLocked(verification)

	return *user, nil
}

func (f *fakeStore) RecordFailedLogin(_ context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user := f.users[userID]
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= maxAttempts {
		until := now.Add(lockFor)
		user.LockedUntil = &until
		return &until, nil
	}
	return nil, nil
}

func (f *fakeStore) CompleteLogin(_ context.Context, userID string, session Session, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user := f.users[userID]
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	lastLogin := now
	user.LastLoginAt = &lastLogin
	user.LastLoginIP = session.IPAddress
	user.AccessToken = session.AccessToken
	expiresAt := session.AccessExpiresAt
	user.TokenExpiresAt = &expiresAt

	f.insertRefreshLocked(userID, session)
	return nil
}

func (f *fakeStore) RotateRefreshToken(_ context.Context, presented string, session Session, now time.Time) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	token, ok := f.refresh[presented]
	if !ok || token.Revoked || !token.ExpiresAt.After(now) {
		return User{}, ErrInvalidRefreshToken
	}

	token.Revoked = true
	revokedAt := now
	token.RevokedAt = &revokedAt

	user := f.users[token.UserID]
	user.AccessToken = session.AccessToken
	expiresAt := session.AccessExpiresAt
	user.TokenExpiresAt = &expiresAt

	f.insertRefreshLocked(user.ID, session)
	return *user, nil
}

func (f *fakeStore) EndSession(_ context.Context, userID, refreshToken string, allDevices bool, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	user := f.users[userID]
	user.AccessToken = ""
	user.TokenExpiresAt = nil

	for _, token := range f.refresh {
		if token.UserID != userID || token.Revoked {
			continue
		}
		if allDevices || token.Token == refreshToken {
			token.Revoked = true
			revokedAt := now
			token.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (f *fakeStore) CreateTicket(_ context.Context, ticket Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.insertTicketLocked(ticket)
	return nil
}

func (f *fakeStore) RedeemPasswordReset(_ context.Context, token, newPasswordHash string, now time.Time) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ticket, err := f.lockTicketLocked(token, PurposePasswordReset, now)
	if err != nil {
		return User{}, err
	}

	user := f.users[ticket.UserID]
	user.PasswordHash = newPasswordHash
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.AccessToken = ""
	user.TokenExpiresAt = nil

	for _, rt := range f.refresh {
		if rt.UserID == user.ID && !rt.Revoked {
			rt.Revoked = true
			revokedAt := now
			rt.RevokedAt = &revokedAt
		}
	}

	usedAt := now
	ticket.UsedAt = &usedAt
	return *user, nil
}

func (f *fakeStore) RedeemEmailVerification(_ context.Context, token string, now time.Time) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ticket, err := f.lockTicketLocked(token, PurposeEmailVerification, now)
	if err != nil {
		return User{}, err
	}

	user := f.users[ticket.UserID]
	verifiedAt := now
	user.EmailVerifiedAt = &verifiedAt

	usedAt := now
	ticket.UsedAt = &usedAt
	return *user, nil
}

func (f *fakeStore) InsertLoginLog(_ context.Context, entry LoginLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failLogs {
		return errors.New("login log storage unavailable")
	}
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) insertRefreshLocked(userID string, session Session) {
	f.refresh[session.RefreshToken] = &RefreshToken{
		ID:        f.newID(),
		UserID:    userID,
		Token:     session.RefreshToken,
		ExpiresAt: session.RefreshExpiresAt,
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
	}
}

func (f *fakeStore) insertTicketLocked(ticket Ticket) {
	for token, existing := range f.tickets {
		if existing.UserID == ticket.UserID && existing.Purpose == ticket.Purpose && existing.UsedAt == nil {
			delete(f.tickets, token)
		}
	}
	ticket.ID = f.newID()
	f.tickets[ticket.Token] = &ticket
}

func (f *fakeStore) lockTicketLocked(token string, purpose TicketPurpose, now time.Time) (*Ticket, error) {
	ticket, ok := f.tickets[token]
	if !ok || ticket.Purpose != purpose || ticket.UsedAt != nil || !ticket.ExpiresAt.After(now) {
		return nil, ErrInvalidTicket
	}
	return ticket, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *time.Time) {
	t.Helper()

	store := newFakeStore()
	service := NewService(store, zap.NewNop())
	service.WithTicketConfig(0, 0, bcrypt.MinCost)
	service.sleep = func(time.Duration) {}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	return service, store, &now
}

func registerTestUser(t *testing.T, service *Service) (User, TokenPair, Ticket) {
	t.Helper()

	user, tokens, verification, err := service.Register(context.Background(), RegisterInput{
		Email:     "a@b.com",
		Password:  "Abcd1234",
		FirstName: "Chloe",
		LastName:  "Bloom",
	}, "8.8.8.8", "test-agent")
	require.NoError(t, err)

	return user, tokens, verification
}

func TestRegisterThenLoginIssuesDistinctTokens(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	user, first, _ := registerTestUser(t, service)
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEmpty(t, first.RefreshToken)
	assert.Equal(t, int64(900), first.ExpiresIn)
	assert.Len(t, first.AccessToken, 64)
	assert.Len(t, first.RefreshToken, 128)

	resolved, err := service.Authenticate(ctx, "Bearer "+first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	_, second, err := service.Login(ctx, "a@b.com", "Abcd1234", "8.8.8.8", "test-agent")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = service.Authenticate(ctx, "Bearer "+first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	resolved, err = service.Authenticate(ctx, "Bearer "+second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	service, _, _ := newTestService(t)

	registerTestUser(t, service)

	_, _, _, err := service.Register(context.Background(), RegisterInput{
		Email:     "A@B.com",
		Password:  "Abcd1234",
		FirstName: "Other",
		LastName:  "Person",
	}, "8.8.8.8", "test-agent")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	service, _, _ := newTestService(t)

	_, _, err := service.Login(context.Background(), "nobody@b.com", "Abcd1234", "8.8.8.8", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	service, _, now := newTestService(t)
	ctx := context.Background()

	registerTestUser(t, service)

	for i := 1; i <= 4; i++ {
		_, _, err := service.Login(ctx, "a@b.com", "wrong-pass1X", "8.8.8.8", "test-agent")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "failure %d should stay generic", i)
	}

	_, _, err := service.Login(ctx, "a@b.com", "wrong-pass1X", "8.8.8.8", "test-agent")
	var locked LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, now.Add(15*time.Minute), locked.Until)

	// Correct password is still rejected while the lock holds, and the
	// password is not even checked on that path.
	_, _, err = service.Login(ctx, "a@b.com", "Abcd1234", "8.8.8.8", "test-agent")
	assert.ErrorAs(t, err, &locked)

	*now = now.Add(15*time.Minute + time.Second)
	_, _, err = service.Login(ctx, "a@b.com", "Abcd1234", "8.8.8.8", "test-agent")
	assert.NoError(t, err)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	service, _, now := newTestService(t)
	ctx := context.Background()

	_, tokens, _ := registerTestUser(t, service)

	*now = now.Add(15*time.Minute + time.Second)
	_, err := service.Authenticate(ctx, "Bearer "+tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsMalformedHeaders(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	for _, header := range []string{"", "Bearer", "Bearer ", "Token abc", "abc"} {
		_, err := service.Authenticate(ctx, header)
		assert.ErrorIs(t, err, ErrInvalidToken, "header %q", header)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	user, first, _ := registerTestUser(t, service)

	rotated, second, err := service.Refresh(ctx, first.RefreshToken, "8.8.8.8", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, user.ID, rotated.ID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, _, err = service.Refresh(ctx, first.RefreshToken, "8.8.8.8", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, _, err = service.Refresh(ctx, second.RefreshToken, "8.8.8.8", "test-agent")
	assert.NoError(t, err)
}

func TestRefreshInvalidatesPriorAccessToken(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	user, first, _ := registerTestUser(t, service)

	_, second, err := service.Refresh(ctx, first.RefreshToken, "8.8.8.8", "test-agent")
	require.NoError(t, err)

	_, err = service.Authenticate(ctx, "Bearer "+first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	resolved, err := service.Authenticate(ctx, "Bearer "+second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	service, _, now := newTestService(t)
	ctx := context.Background()

	_, tokens, _ := registerTestUser(t, service)

	*now = now.Add(30*24*time.Hour + time.Second)
	_, _, err := service.Refresh(ctx, tokens.RefreshToken, "8.8.8.8", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	user, first, _ := registerTestUser(t, service)
	_, second, err := service.Login(ctx, "a@b.com", "Abcd1234", "8.8.8.8", "device-b")
	require.NoError(t, err)

	require.NoError(t, service.Logout(ctx, user, "", true))

	_, err = service.Authenticate(ctx, "Bearer "+second.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = service.Refresh(ctx, first.RefreshToken, "8.8.8.8", "device-a")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, _, err = service.Refresh(ctx, second.RefreshToken, "8.8.8.8", "device-b")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestForgotPasswordUnknownEmailStaysSilent(t *testing.T) {
	service, store, _ := newTestService(t)

	slept := false
	service.sleep = func(time.Duration) { slept = true }

	ticket, err := service.ForgotPassword(context.Background(), "nobody@b.com", "8.8.8.8")
	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.True(t, slept)
	assert.Empty(t, store.tickets)
}

func TestForgotPasswordReplacesPriorTicket(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	registerTestUser(t, service)

	first, err := service.ForgotPassword(ctx, "a@b.com", "8.8.8.8")
	require.NoError(t, err)
	second, err := service.ForgotPassword(ctx, "a@b.com", "8.8.8.8")
	require.NoError(t, err)

	err = service.ResetPassword(ctx, first.Token, "NewPass123")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	err = service.ResetPassword(ctx, second.Token, "NewPass123")
	assert.NoError(t, err)
}

func TestPasswordResetEndsEverySession(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	_, first, _ := registerTestUser(t, service)
	_, second, err := service.Login(ctx, "a@b.com", "Abcd1234", "8.8.8.8", "device-b")
	require.NoError(t, err)

	ticket, err := service.ForgotPassword(ctx, "a@b.com", "8.8.8.8")
	require.NoError(t, err)

	require.NoError(t, service.ResetPassword(ctx, ticket.Token, "NewPass123"))

	_, err = service.Authenticate(ctx, "Bearer "+second.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = service.Refresh(ctx, first.RefreshToken, "8.8.8.8", "device-a")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, _, err = service.Refresh(ctx, second.RefreshToken, "8.8.8.8", "device-b")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, _, err = service.Login(ctx, "a@b.com", "Abcd1234", "8.8.8.8", "device-a")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = service.Login(ctx, "a@b.com", "NewPass123", "8.8.8.8", "device-a")
	assert.NoError(t, err)

	// The same reset token can never be redeemed twice.
	err = service.ResetPassword(ctx, ticket.Token, "OtherPass123")
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestResetTicketExpires(t *testing.T) {
	service, _, now := newTestService(t)
	ctx := context.Background()

	registerTestUser(t, service)

	ticket, err := service.ForgotPassword(ctx, "a@b.com", "8.8.8.8")
	require.NoError(t, err)

	*now = now.Add(time.Hour + time.Second)
	err = service.ResetPassword(ctx, ticket.Token, "NewPass123")
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestVerifyEmailIsSingleUse(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	user, _, verification := registerTestUser(t, service)

	verified, err := service.VerifyEmail(ctx, verification.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.ID)
	assert.NotNil(t, verified.EmailVerifiedAt)

	_, err = service.VerifyEmail(ctx, verification.Token)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestRequireRole(t *testing.T) {
	assert.NoError(t, RequireRole(User{Role: RoleAdmin}, RoleAdmin))
	assert.ErrorIs(t, RequireRole(User{Role: RoleCustomer}, RoleAdmin), ErrForbidden)
}

func TestLoginSucceedsWhenAuditLogFails(t *testing.T) {
	service, store, _ := newTestService(t)
	store.failLogs = true

	registerTestUser(t, service)

	_, _, err := service.Login(context.Background(), "a@b.com", "Abcd1234", "8.8.8.8", "test-agent")
	assert.NoError(t, err)
}
