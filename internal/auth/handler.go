package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
	"unicode"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"github.com/Edson4lawson/Bloom-chloe/internal/ratelimit"
)

const maxJSONBodyBytes = 1 << 20

// Wording shared by unknown-email and wrong-password rejections.
const invalidCredentialsMessage = "invalid email or password"

// Generic answer for password-reset requests so responses never reveal
// whether an email exists.
const forgotPasswordMessage = "if this email exists, a reset link has been sent"

type Handler struct {
	service  *Service
	validate *validator.Validate
	appEnv   string
}

func NewHandler(service *Service, appEnv string) *Handler {
	return &Handler{
		service:  service,
		validate: newValidator(),
		appEnv:   appEnv,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("strongpw", func(fl validator.FieldLevel) bool {
		password := fl.Field().String()
		if len(password) < 8 || len(password) > 200 {
			return false
		}
		var upper, lower, digit bool
		for _, r := range password {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		return upper && lower && digit
	})
	return v
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,strongpw"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Address   string `json:"address" validate:"omitempty,max=255"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	LogoutAll    bool   `json:"logout_all"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token                string `json:"token" validate:"required,len=64,hexadecimal"`
	Password             string `json:"password" validate:"required,strongpw"`
	PasswordConfirmation string `json:"password_confirmation" validate:"required,eqfield=Password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, tokens, verification, err := h.service.Register(r.Context(), RegisterInput{
		Email:     body.Email,
		Password:  body.Password,
		FirstName: body.FirstName,
		LastName:  body.LastName,
		Address:   body.Address,
		Phone:     body.Phone,
	}, ratelimit.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, err, "failed to register")
		return
	}

	response := map[string]any{
		"message":       "registration successful, a verification email has been sent",
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    tokens.TokenType,
		"expires_in":    tokens.ExpiresIn,
		"user":          user.Public(),
	}
	if h.appEnv != "production" {
		response["dev_email_token"] = verification.Token
	}

	writeJSON(w, http.StatusCreated, response)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, tokens, err := h.service.Login(r.Context(), body.Email, body.Password, ratelimit.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "login successful",
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    tokens.TokenType,
		"expires_in":    tokens.ExpiresIn,
		"user":          user.Public(),
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, tokens, err := h.service.Refresh(r.Context(), body.RefreshToken, ratelimit.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    tokens.TokenType,
		"expires_in":    tokens.ExpiresIn,
		"user":          user.Public(),
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid authentication token")
		return
	}

	// Body is optional here; an empty one just drops the access token.
	var body logoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := h.service.Logout(r.Context(), user, body.RefreshToken, body.LogoutAll); err != nil {
		h.writeServiceError(w, err, "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "logout successful",
		"logged_out_all": body.LogoutAll,
	})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	ticket, err := h.service.ForgotPassword(r.Context(), body.Email, ratelimit.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, err, "failed to process request")
		return
	}

	response := map[string]any{"message": forgotPasswordMessage}
	if ticket != nil && h.appEnv != "production" {
		response["dev_token"] = ticket.Token
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		h.writeServiceError(w, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "password reset successful, please log in again",
	})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if len(token) != 64 {
		writeError(w, http.StatusBadRequest, "invalid verification token")
		return
	}

	user, err := h.service.VerifyEmail(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, err, "failed to verify email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "email verified successfully",
		"email":   user.Email,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, body any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}

	return true
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "invalid request"
	}

	fe := fieldErrors[0]
	switch fe.Tag() {
	case "required":
		return "missing required fields"
	case "email":
		return "invalid email format"
	case "strongpw":
		return "password must be 8-200 characters with an uppercase letter, a lowercase letter and a digit"
	case "eqfield":
		return "passwords do not match"
	case "len", "hexadecimal":
		return "invalid token format"
	default:
		return "invalid request"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var locked LockedError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, invalidCredentialsMessage)
	case errors.As(err, &locked):
		retryAfter := int(time.Until(locked.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusLocked, "account temporarily locked, try again later")
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "this email is already in use")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "missing or invalid authentication token")
	case errors.Is(err, ErrInvalidTicket):
		writeError(w, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "insufficient permissions")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
