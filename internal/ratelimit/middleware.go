package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Policy names an endpoint and its quota. The defaults below are the
// recommended deployment values; bootstrap may override them from config.
type Policy struct {
	Endpoint    string
	MaxAttempts int
	Window      time.Duration
}

var (
	LoginPolicy          = Policy{Endpoint: "login", MaxAttempts: 5, Window: 5 * time.Minute}
	RegisterPolicy       = Policy{Endpoint: "register", MaxAttempts: 3, Window: time.Hour}
	ForgotPasswordPolicy = Policy{Endpoint: "forgot_password", MaxAttempts: 3, Window: time.Hour}
	RefreshPolicy        = Policy{Endpoint: "token_refresh", MaxAttempts: 20, Window: 5 * time.Minute}
	ResetPasswordPolicy  = Policy{Endpoint: "reset_password", MaxAttempts: 5, Window: 5 * time.Minute}
	APIPolicy            = Policy{Endpoint: "api", MaxAttempts: 100, Window: time.Minute}
)

// Middleware applies the policy before the wrapped handler runs. Quota
// headers go out on every response; a limiter storage failure fails open so
// a degraded counter store cannot take the endpoint down with it.
func (l *Limiter) Middleware(policy Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := l.Check(r.Context(), policy.Endpoint, ClientIP(r), policy.MaxAttempts, policy.Window)
		if err != nil {
			l.logger.Error("rate_limit_check_failed",
				zap.String("endpoint", policy.Endpoint),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "too many requests, please retry later",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
