package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository implements Store on Postgres. Operations spanning multiple
// writes run inside a single transaction with row locks on the contended
// rows (user lockout counters, refresh tokens, tickets).
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `
	id, email, password_hash, first_name, last_name, address, phone, role,
	failed_login_attempts, locked_until, token, token_expires_at,
	last_login_at, last_login_ip, email_verified_at, created_at, updated_at`

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByAccessToken(ctx context.Context, token string, now time.Time) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE token = $1 AND token_expires_at > $2
	`, token, now.UTC())

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by access token: %w", err)
	}

	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, newUser NewUser, session Session, verification Ticket) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (
			id, email, password_hash, first_name, last_name, address, phone,
			role, failed_login_attempts, token, token_expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, 0, $9, $10, $11, $11)
	`, id.String(), newUser.Email, newUser.PasswordHash, newUser.FirstName, newUser.LastName,
		newUser.Address, newUser.Phone, RoleCustomer, session.AccessToken, session.AccessExpiresAt.UTC(), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := insertRefreshToken(ctx, tx, id.String(), session); err != nil {
		return User{}, err
	}

	verification.UserID = id.String()
	if err := insertTicket(ctx, tx, verification); err != nil {
		return User{}, err
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit register tx: %w", err)
	}

	expiresAt := session.AccessExpiresAt.UTC()
	return User{
		ID:             id.String(),
		Email:          newUser.Email,
		PasswordHash:   newUser.PasswordHash,
		FirstName:      newUser.FirstName,
		LastName:       newUser.LastName,
		Address:        newUser.Address,
		Phone:          newUser.Phone,
		Role:           RoleCustomer,
		AccessToken:    session.AccessToken,
		TokenExpiresAt: &expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// RecordFailedLogin bumps the failure counter under a row lock and arms the
// lock when the threshold is crossed. The counter only resets on a
// successful login or password reset, so a repeat offender re-locks on the
// first failure after the lock lifts.
func (r *Repository) RecordFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed login tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&attempts)
	if err != nil {
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	attempts++
	var lockedUntil *time.Time
	var lockedValue any
	if attempts >= maxAttempts {
		until := now.UTC().Add(lockFor)
		lockedUntil = &until
		lockedValue = until
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, userID, attempts, lockedValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("update failed login attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed login tx: %w", err)
	}

	return lockedUntil, nil
}

func (r *Repository) CompleteLogin(ctx context.Context, userID string, session Session, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin login tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0,
			locked_until = NULL,
			last_login_at = $2,
			last_login_ip = $3,
			token = $4,
			token_expires_at = $5,
			updated_at = $2
		WHERE id = $1
	`, userID, now.UTC(), session.IPAddress, session.AccessToken, session.AccessExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("update user on login: %w", err)
	}

	if err := insertRefreshToken(ctx, tx, userID, session); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit login tx: %w", err)
	}

	return nil
}

// RotateRefreshToken consumes the presented token and issues its successor
// in one transaction. The row lock serializes concurrent rotation attempts
// on the same token; the loser sees revoked = true and is rejected.
func (r *Repository) RotateRefreshToken(ctx context.Context, presented string, session Session, now time.Time) (User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	var tokenID, userID string
	var expiresAt time.Time
	var revoked bool
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, revoked
		FROM refresh_tokens
		WHERE token = $1
		FOR UPDATE
	`, presented).Scan(&tokenID, &userID, &expiresAt, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrInvalidRefreshToken
		}
		return User{}, fmt.Errorf("read refresh token: %w", err)
	}

	if revoked || !expiresAt.UTC().After(now.UTC()) {
		return User{}, ErrInvalidRefreshToken
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE id = $1
	`, tokenID, now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("revoke refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET token = $2, token_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, userID, session.AccessToken, session.AccessExpiresAt.UTC(), now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("update access token: %w", err)
	}

	if err := insertRefreshToken(ctx, tx, userID, session); err != nil {
		return User{}, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("read rotated user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit rotation tx: %w", err)
	}

	return user, nil
}

func (r *Repository) EndSession(ctx context.Context, userID, refreshToken string, allDevices bool, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin logout tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET token = NULL, token_expires_at = NULL, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("clear access token: %w", err)
	}

	if allDevices {
		_, err = tx.ExecContext(ctx, `
			UPDATE refresh_tokens
			SET revoked = TRUE, revoked_at = $2
			WHERE user_id = $1 AND revoked = FALSE
		`, userID, now.UTC())
		if err != nil {
			return fmt.Errorf("revoke all refresh tokens: %w", err)
		}
	} else if refreshToken != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE refresh_tokens
			SET revoked = TRUE, revoked_at = $3
			WHERE token = $1 AND user_id = $2 AND revoked = FALSE
		`, refreshToken, userID, now.UTC())
		if err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit logout tx: %w", err)
	}

	return nil
}

// CreateTicket replaces any unused ticket of the same purpose, keeping at
// most one live ticket per (user, purpose).
func (r *Repository) CreateTicket(ctx context.Context, ticket Ticket) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ticket tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTicket(ctx, tx, ticket); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ticket tx: %w", err)
	}

	return nil
}

// RedeemPasswordReset marks the ticket used and applies the reset effect in
// one transaction: new hash, cleared lockout, every refresh token revoked,
// live access token invalidated.
func (r *Repository) RedeemPasswordReset(ctx context.Context, token, newPasswordHash string, now time.Time) (User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	ticketID, userID, err := lockTicket(ctx, tx, token, PurposePasswordReset, now)
	if err != nil {
		return User{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2,
			failed_login_attempts = 0,
			locked_until = NULL,
			token = NULL,
			token_expires_at = NULL,
			updated_at = $3
		WHERE id = $1
	`, userID, newPasswordHash, now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("apply password reset: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND revoked = FALSE
	`, userID, now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("revoke refresh tokens on reset: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_tickets SET used_at = $2 WHERE id = $1
	`, ticketID, now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("mark reset ticket used: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("read reset user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit reset tx: %w", err)
	}

	return user, nil
}

func (r *Repository) RedeemEmailVerification(ctx context.Context, token string, now time.Time) (User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin verification tx: %w", err)
	}
	defer tx.Rollback()

	ticketID, userID, err := lockTicket(ctx, tx, token, PurposeEmailVerification, now)
	if err != nil {
		return User{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET email_verified_at = $2, updated_at = $2 WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("mark email verified: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_tickets SET used_at = $2 WHERE id = $1
	`, ticketID, now.UTC())
	if err != nil {
		return User{}, fmt.Errorf("mark verification ticket used: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("read verified user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit verification tx: %w", err)
	}

	return user, nil
}

func (r *Repository) InsertLoginLog(ctx context.Context, entry LoginLog) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate login log id: %w", err)
	}

	var userID any
	if entry.UserID != nil {
		userID = *entry.UserID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO login_logs (id, user_id, email, ip_address, user_agent, status, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NOW())
	`, id.String(), userID, entry.Email, entry.IPAddress, entry.UserAgent, entry.Status, entry.FailureReason)
	if err != nil {
		return fmt.Errorf("insert login log: %w", err)
	}

	return nil
}

func insertRefreshToken(ctx context.Context, tx *sql.Tx, userID string, session Session) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, expires_at, revoked, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, NOW())
	`, id.String(), userID, session.RefreshToken, session.RefreshExpiresAt.UTC(), session.IPAddress, session.UserAgent)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func insertTicket(ctx context.Context, tx *sql.Tx, ticket Ticket) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM auth_tickets
		WHERE user_id = $1 AND purpose = $2 AND used_at IS NULL
	`, ticket.UserID, string(ticket.Purpose))
	if err != nil {
		return fmt.Errorf("delete prior tickets: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate ticket id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_tickets (id, user_id, purpose, token, expires_at, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW())
	`, id.String(), ticket.UserID, string(ticket.Purpose), ticket.Token, ticket.ExpiresAt.UTC(), ticket.IPAddress)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}

	return nil
}

func lockTicket(ctx context.Context, tx *sql.Tx, token string, purpose TicketPurpose, now time.Time) (string, string, error) {
	var ticketID, userID string
	var expiresAt time.Time
	var usedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, used_at
		FROM auth_tickets
		WHERE token = $1 AND purpose = $2
		FOR UPDATE
	`, token, string(purpose)).Scan(&ticketID, &userID, &expiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrInvalidTicket
		}
		return "", "", fmt.Errorf("lock ticket: %w", err)
	}

	if usedAt.Valid || !expiresAt.UTC().After(now.UTC()) {
		return "", "", ErrInvalidTicket
	}

	return ticketID, userID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var address, phone, token, lastLoginIP sql.NullString
	var lockedUntil, tokenExpiresAt, lastLoginAt, emailVerifiedAt sql.NullTime

	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.FirstName, &user.LastName,
		&address, &phone, &user.Role, &user.FailedLoginAttempts, &lockedUntil,
		&token, &tokenExpiresAt, &lastLoginAt, &lastLoginIP, &emailVerifiedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.Address = address.String
	user.Phone = phone.String
	user.AccessToken = token.String
	user.LastLoginIP = lastLoginIP.String
	user.LockedUntil = timePtr(lockedUntil)
	user.TokenExpiresAt = timePtr(tokenExpiresAt)
	user.LastLoginAt = timePtr(lastLoginAt)
	user.EmailVerifiedAt = timePtr(emailVerifiedAt)

	return user, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}
