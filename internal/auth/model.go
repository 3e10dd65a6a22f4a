package auth

import "time"

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

type User struct {
	ID                  string
	Email               string
	PasswordHash        string
	FirstName           string
	LastName            string
	Address             string
	Phone               string
	Role                string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	AccessToken         string
	TokenExpiresAt      *time.Time
	LastLoginAt         *time.Time
	LastLoginIP         string
	EmailVerifiedAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PublicUser is the response-safe projection of a user.
type PublicUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Role:          u.Role,
		EmailVerified: u.EmailVerifiedAt != nil,
	}
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// Session is the pair of freshly minted credentials persisted together: the
// access token overwriting the user row and the refresh token inserted as a
// new row.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	IPAddress        string
	UserAgent        string
}

type TicketPurpose string

const (
	PurposePasswordReset     TicketPurpose = "password_reset"
	PurposeEmailVerification TicketPurpose = "email_verification"
)

// Ticket is a single-use token for an out-of-band action. At most one unused
// ticket per (user, purpose) is live at a time.
type Ticket struct {
	ID        string
	UserID    string
	Purpose   TicketPurpose
	Token     string
	ExpiresAt time.Time
	UsedAt    *time.Time
	IPAddress string
	CreatedAt time.Time
}

const (
	LoginStatusSuccess = "success"
	LoginStatusFailed  = "failed"
	LoginStatusBlocked = "blocked"
)

// LoginLog is an append-only audit record. Writing it never blocks the auth
// flow.
type LoginLog struct {
	UserID        *string
	Email         string
	IPAddress     string
	UserAgent     string
	Status        string
	FailureReason string
}

// NewUser carries validated registration input into the store.
type NewUser struct {
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Address      string
	Phone        string
}
