package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 30 * 24 * time.Hour
	defaultResetTTL     = time.Hour
	defaultVerifyTTL    = 24 * time.Hour
	defaultMaxAttempts  = 5
	defaultLockWindow   = 15 * time.Minute
	defaultBcryptCost   = 12
	auditWriteTimeout   = 3 * time.Second
	accessTokenEntropy  = 32
	refreshTokenEntropy = 64
	ticketEntropy       = 32
)

// dummyPasswordHash is compared against when the email is unknown so the
// call still pays the hashing cost and login timing cannot distinguish
// unknown-email from wrong-password.
var dummyPasswordHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")

// Store is the persistence contract the service drives. Methods that span
// multiple writes (registration, login completion, rotation, redemption)
// are atomic: either every write lands or none does.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByAccessToken(ctx context.Context, token string, now time.Time) (User, error)
	CreateUser(ctx context.Context, newUser NewUser, session Session, verification Ticket) (User, error)
	RecordFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error)
	CompleteLogin(ctx context.Context, userID string, session Session, now time.Time) error
	RotateRefreshToken(ctx context.Context, presented string, session Session, now time.Time) (User, error)
	EndSession(ctx context.Context, userID, refreshToken string, allDevices bool, now time.Time) error
	CreateTicket(ctx context.Context, ticket Ticket) error
	RedeemPasswordReset(ctx context.Context, token, newPasswordHash string, now time.Time) (User, error)
	RedeemEmailVerification(ctx context.Context, token string, now time.Time) (User, error)
	InsertLoginLog(ctx context.Context, entry LoginLog) error
}

type Service struct {
	store        Store
	logger       *zap.Logger
	accessTTL    time.Duration
	refreshTTL   time.Duration
	resetTTL     time.Duration
	verifyTTL    time.Duration
	maxAttempts  int
	lockDuration time.Duration
	bcryptCost   int
	now          func() time.Time
	sleep        func(time.Duration)
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:        store,
		logger:       logger,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		resetTTL:     defaultResetTTL,
		verifyTTL:    defaultVerifyTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		bcryptCost:   defaultBcryptCost,
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, accessTTL, refreshTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

func (s *Service) WithTicketConfig(resetTTL, verifyTTL time.Duration, bcryptCost int) {
	if resetTTL > 0 {
		s.resetTTL = resetTTL
	}
	if verifyTTL > 0 {
		s.verifyTTL = verifyTTL
	}
	if bcryptCost >= bcrypt.MinCost && bcryptCost <= bcrypt.MaxCost {
		s.bcryptCost = bcryptCost
	}
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Address   string
	Phone     string
}

// Register creates the account and its first session, plus a 24h email
// verification ticket, all in one transaction.
func (s *Service) Register(ctx context.Context, input RegisterInput, clientIP, userAgent string) (User, TokenPair, Ticket, error) {
	email := normalizeEmail(input.Email)

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.bcryptCost)
	if err != nil {
		return User{}, TokenPair{}, Ticket{}, fmt.Errorf("hash password: %w", err)
	}

	session, pair, err := s.newSession(clientIP, userAgent)
	if err != nil {
		return User{}, TokenPair{}, Ticket{}, err
	}

	verifyToken, err := randomToken(ticketEntropy)
	if err != nil {
		return User{}, TokenPair{}, Ticket{}, fmt.Errorf("generate verification token: %w", err)
	}
	verification := Ticket{
		Purpose:   PurposeEmailVerification,
		Token:     verifyToken,
		ExpiresAt: s.now().UTC().Add(s.verifyTTL),
		IPAddress: clientIP,
	}

	newUser := NewUser{
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		Address:      strings.TrimSpace(input.Address),
		Phone:        strings.TrimSpace(input.Phone),
	}

	user, err := s.store.CreateUser(ctx, newUser, session, verification)
	if err != nil {
		return User{}, TokenPair{}, Ticket{}, err
	}

	s.logger.Info("user_registered", zap.String("user_id", user.ID), zap.String("ip", clientIP))

	return user, pair, verification, nil
}

// Login verifies credentials against the lockout state machine and issues a
// fresh token pair on success.
func (s *Service) Login(ctx context.Context, email, password, clientIP, userAgent string) (User, TokenPair, error) {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return User{}, TokenPair{}, ErrInvalidCredentials
	}

	now := s.now().UTC()

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn the same hashing cost as the wrong-password path.
			_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
			s.auditLogin(nil, email, clientIP, userAgent, LoginStatusFailed, "invalid credentials")
			return User{}, TokenPair{}, ErrInvalidCredentials
		}
		return User{}, TokenPair{}, err
	}

	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		s.auditLogin(&user.ID, email, clientIP, userAgent, LoginStatusBlocked, "account locked")
		return User{}, TokenPair{}, LockedError{Until: *user.LockedUntil}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		lockedUntil, regErr := s.store.RecordFailedLogin(ctx, user.ID, s.maxAttempts, s.lockDuration, now)
		if regErr != nil {
			return User{}, TokenPair{}, regErr
		}
		s.auditLogin(&user.ID, email, clientIP, userAgent, LoginStatusFailed, "invalid credentials")
		if lockedUntil != nil {
			return User{}, TokenPair{}, LockedError{Until: *lockedUntil}
		}
		return User{}, TokenPair{}, ErrInvalidCredentials
	}

	session, pair, err := s.newSession(clientIP, userAgent)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	if err := s.store.CompleteLogin(ctx, user.ID, session, now); err != nil {
		return User{}, TokenPair{}, err
	}

	s.auditLogin(&user.ID, email, clientIP, userAgent, LoginStatusSuccess, "")

	return user, pair, nil
}

// Authenticate resolves a presented Authorization header to a user. Pure
// lookup, no side effects; every failure mode collapses to ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, authorization string) (User, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return User{}, ErrInvalidToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return User{}, ErrInvalidToken
	}

	user, err := s.store.GetUserByAccessToken(ctx, token, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}

	return user, nil
}

// RequireRole checks the resolved user's role against a required one.
func RequireRole(user User, role string) error {
	if user.Role != role {
		return ErrForbidden
	}
	return nil
}

// Refresh exchanges a refresh token for a new pair. Rotation is mandatory:
// the presented token is revoked in the same transaction that issues its
// successor, so it can never be exchanged twice.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientIP, userAgent string) (User, TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return User{}, TokenPair{}, ErrInvalidRefreshToken
	}

	session, pair, err := s.newSession(clientIP, userAgent)
	if err != nil {
		return User{}, TokenPair{}, err
	}

	user, err := s.store.RotateRefreshToken(ctx, refreshToken, session, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			// Replay of a rotated token or a forgery; worth flagging.
			s.logger.Warn("suspicious_activity",
				zap.String("type", "refresh_token_rejected"),
				zap.String("ip", clientIP),
			)
			sentry.CaptureMessage("rejected refresh token from " + clientIP)
		}
		return User{}, TokenPair{}, err
	}

	return user, pair, nil
}

// Logout invalidates the user's access token and, when supplied, revokes the
// presented refresh token. allDevices revokes every outstanding refresh
// token instead.
func (s *Service) Logout(ctx context.Context, user User, refreshToken string, allDevices bool) error {
	return s.store.EndSession(ctx, user.ID, strings.TrimSpace(refreshToken), allDevices, s.now().UTC())
}

// ForgotPassword creates a password-reset ticket for a known email,
// invalidating any prior unused one. Unknown emails burn a small random
// delay and return no ticket; callers answer identically either way.
func (s *Service) ForgotPassword(ctx context.Context, email, clientIP string) (*Ticket, error) {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.sleep(100*time.Millisecond + mathrand.N(400*time.Millisecond))
			return nil, nil
		}
		return nil, err
	}

	token, err := randomToken(ticketEntropy)
	if err != nil {
		return nil, fmt.Errorf("generate reset token: %w", err)
	}

	ticket := Ticket{
		UserID:    user.ID,
		Purpose:   PurposePasswordReset,
		Token:     token,
		ExpiresAt: s.now().UTC().Add(s.resetTTL),
		IPAddress: clientIP,
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return nil, err
	}

	s.logger.Info("password_reset_requested", zap.String("user_id", user.ID), zap.String("ip", clientIP))

	return &ticket, nil
}

// ResetPassword redeems a reset ticket. In one transaction: the password
// hash is replaced, lockout counters clear, every refresh token is revoked
// and the live access token is invalidated — a successful reset ends every
// existing session.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}

	user, err := s.store.RedeemPasswordReset(ctx, strings.TrimSpace(token), string(hash), s.now().UTC())
	if err != nil {
		return err
	}

	s.logger.Info("password_reset_completed", zap.String("user_id", user.ID))

	return nil
}

// VerifyEmail redeems an email-verification ticket and marks the address
// verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (User, error) {
	return s.store.RedeemEmailVerification(ctx, strings.TrimSpace(token), s.now().UTC())
}

func (s *Service) newSession(clientIP, userAgent string) (Session, TokenPair, error) {
	access, err := randomToken(accessTokenEntropy)
	if err != nil {
		return Session{}, TokenPair{}, fmt.Errorf("generate access token: %w", err)
	}
	refresh, err := randomToken(refreshTokenEntropy)
	if err != nil {
		return Session{}, TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.now().UTC()
	session := Session{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(s.refreshTTL),
		IPAddress:        clientIP,
		UserAgent:        truncate(userAgent, 255),
	}
	pair := TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}

	return session, pair, nil
}

// auditLogin appends to the login log without ever blocking or failing the
// caller; write errors are logged and dropped.
func (s *Service) auditLogin(userID *string, email, clientIP, userAgent, status, reason string) {
	entry := LoginLog{
		UserID:        userID,
		Email:         email,
		IPAddress:     clientIP,
		UserAgent:     truncate(userAgent, 255),
		Status:        status,
		FailureReason: reason,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()

		if err := s.store.InsertLoginLog(ctx, entry); err != nil {
			s.logger.Error("login_log_write_failed", zap.Error(err))
		}
	}()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func truncate(value string, limit int) string {
	if len(value) > limit {
		return value[:limit]
	}
	return value
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
