package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Edson4lawson/Bloom-chloe/internal/auth"
	"github.com/Edson4lawson/Bloom-chloe/internal/ratelimit"
)

// CleanupHandler prunes stale auth data and rate-limit counters. Intended to
// be hit from a scheduler; the endpoint pretends not to exist unless a cron
// secret is configured and presented.
type CleanupHandler struct {
	repo              *auth.Repository
	counters          *ratelimit.PostgresStore
	logger            *zap.Logger
	cronSecret        string
	refreshRetention  time.Duration
	loginLogRetention time.Duration
	batchSize         int
}

func NewCleanupHandler(
	repo *auth.Repository,
	counters *ratelimit.PostgresStore,
	logger *zap.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	loginLogRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		repo:              repo,
		counters:          counters,
		logger:            logger,
		cronSecret:        strings.TrimSpace(cronSecret),
		refreshRetention:  refreshRetention,
		loginLogRetention: loginLogRetention,
		batchSize:         batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.repo.CleanupStaleAuthData(r.Context(), h.refreshRetention, h.loginLogRetention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	var deletedCounters int64
	if h.counters != nil {
		deletedCounters, err = h.counters.CleanupStale(r.Context(), time.Now().UTC().Add(-time.Hour), h.batchSize)
		if err != nil {
			h.logger.Error("rate_limit_cleanup_failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
			return
		}
	}

	h.logger.Info("auth_cleanup_completed",
		zap.Int64("deleted_refresh_tokens", result.DeletedRefreshTokens),
		zap.Int64("deleted_tickets", result.DeletedTickets),
		zap.Int64("deleted_login_logs", result.DeletedLoginLogs),
		zap.Int64("deleted_rate_limit_counters", deletedCounters),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                      "ok",
		"result":                      result,
		"deleted_rate_limit_counters": deletedCounters,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
