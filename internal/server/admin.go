package server

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"claudegate/internal/logging"
	"claudegate/internal/store"
)

type apiKeyInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	IsActive   bool       `json:"is_active"`
	RateLimit  int64      `json:"rate_limit"`
	QuotaLimit int64      `json:"quota_limit"`
	CostLimit  float64    `json:"cost_limit"`
	DailyQuota float64    `json:"daily_quota"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used"`
}

func keyInfo(key store.APIKey, includePlaintext bool) apiKeyInfo {
	info := apiKeyInfo{
		ID:         key.ID,
		Name:       key.Name,
		IsActive:   key.IsActive,
		RateLimit:  key.RateLimit,
		QuotaLimit: key.QuotaLimit,
		CostLimit:  key.CostLimit,
		DailyQuota: key.DailyQuota,
		CreatedAt:  key.CreatedAt,
		LastUsed:   key.LastUsedAt,
	}
	if includePlaintext {
		info.Key = key.KeyValue
	}
	return info
}

func (s *Server) handleCreateAPIKey(c *gin.Context) {
	var req struct {
		Name       string   `json:"name" binding:"required"`
		RateLimit  *int64   `json:"rate_limit"`
		QuotaLimit *int64   `json:"quota_limit"`
		CostLimit  *float64 `json:"cost_limit"`
		DailyQuota *float64 `json:"daily_quota"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	rateLimit := int64(s.config.DefaultRateLimit)
	if req.RateLimit != nil {
		rateLimit = *req.RateLimit
	}
	quotaLimit := int64(s.config.DefaultQuotaLimit)
	if req.QuotaLimit != nil {
		quotaLimit = *req.QuotaLimit
	}
	var costLimit, dailyQuota float64
	if req.CostLimit != nil {
		costLimit = *req.CostLimit
	}
	if req.DailyQuota != nil {
		dailyQuota = *req.DailyQuota
	}

	key, err := s.store.CreateAPIKey(c.Request.Context(), req.Name, rateLimit, quotaLimit, costLimit, dailyQuota)
	if err != nil {
		s.logger.Error("api key create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not create API key"})
		return
	}
	s.logger.Info("api key created", "key_id", key.ID, "name", key.Name)
	// The plaintext is returned exactly once.
	c.JSON(http.StatusOK, keyInfo(key, true))
}

func (s *Server) handleListAPIKeys(c *gin.Context) {
	keys, err := s.store.ListAPIKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not list API keys"})
		return
	}
	infos := make([]apiKeyInfo, 0, len(keys))
	for _, key := range keys {
		infos = append(infos, keyInfo(key, false))
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) handleUpdateAPIKey(c *gin.Context) {
	var req struct {
		Name       *string  `json:"name"`
		RateLimit  *int64   `json:"rate_limit"`
		QuotaLimit *int64   `json:"quota_limit"`
		CostLimit  *float64 `json:"cost_limit"`
		DailyQuota *float64 `json:"daily_quota"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	key, err := s.store.UpdateAPIKey(c.Request.Context(), c.Param("id"), store.APIKeyUpdate{
		Name:       req.Name,
		RateLimit:  req.RateLimit,
		QuotaLimit: req.QuotaLimit,
		CostLimit:  req.CostLimit,
		DailyQuota: req.DailyQuota,
	})
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not update API key"})
		return
	}
	c.JSON(http.StatusOK, keyInfo(key, false))
}

func (s *Server) handleDeactivateAPIKey(c *gin.Context) {
	err := s.store.DeactivateAPIKey(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not deactivate API key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key deactivated successfully"})
}

func (s *Server) handleRegenerateAPIKey(c *gin.Context) {
	key, err := s.store.RegenerateAPIKey(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not regenerate API key"})
		return
	}
	s.logger.Info("api key regenerated", "key_id", key.ID)
	c.JSON(http.StatusOK, keyInfo(key, true))
}

func (s *Server) handleAPIKeyStats(c *gin.Context) {
	ctx := c.Request.Context()
	key, err := s.store.GetAPIKey(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load API key"})
		return
	}
	stats, err := s.store.UsageStats(ctx, key.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRateLimitStatus(c *gin.Context) {
	ctx := c.Request.Context()
	key, ok := s.loadKey(c)
	if !ok {
		return
	}
	count, err := s.store.CountUsageSince(ctx, key.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rate_limit":    key.RateLimit,
		"current_usage": count,
		"remaining":     max64(0, key.RateLimit-count),
		"reset_time":    time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"is_limited":    key.RateLimit > 0,
	})
}

func (s *Server) handleCostLimitStatus(c *gin.Context) {
	ctx := c.Request.Context()
	key, ok := s.loadKey(c)
	if !ok {
		return
	}
	cost, err := s.store.SumCostSince(ctx, key.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cost_limit":     key.CostLimit,
		"current_cost":   round6(cost),
		"remaining_cost": math.Max(0, round6(key.CostLimit-cost)),
		"reset_time":     time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"is_limited":     key.CostLimit > 0,
	})
}

func (s *Server) handleDailyQuotaStatus(c *gin.Context) {
	ctx := c.Request.Context()
	key, ok := s.loadKey(c)
	if !ok {
		return
	}
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cost, err := s.store.SumCostSince(ctx, key.ID, dayStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"daily_quota":     key.DailyQuota,
		"current_usage":   round6(cost),
		"remaining_quota": math.Max(0, round6(key.DailyQuota-cost)),
		"reset_time":      dayStart.AddDate(0, 0, 1).Format(time.RFC3339),
		"is_limited":      key.DailyQuota > 0,
	})
}

func (s *Server) loadKey(c *gin.Context) (store.APIKey, bool) {
	key, err := s.store.GetAPIKey(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
		return store.APIKey{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load API key"})
		return store.APIKey{}, false
	}
	return key, true
}

func (s *Server) handleGetModelSwapConfig(c *gin.Context) {
	enabled, mapping := s.rewriter.Config()
	c.JSON(http.StatusOK, gin.H{"enabled": enabled, "mapping": mapping})
}

func (s *Server) handleUpdateModelSwapConfig(c *gin.Context) {
	var req struct {
		Enabled bool              `json:"enabled"`
		Mapping map[string]string `json:"mapping"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.rewriter.Update(req.Enabled, req.Mapping)
	s.logger.Info("model swap config updated", "enabled", req.Enabled, "rules", len(req.Mapping))
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled, "mapping": req.Mapping})
}

type backendInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"api_key"`
	IsActive  bool      `json:"is_active"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func backendView(backend store.BackendConfig) backendInfo {
	return backendInfo{
		ID:        backend.ID,
		Name:      backend.Name,
		BaseURL:   backend.BaseURL,
		APIKey:    logging.SanitizeAPIKey(backend.APIKey),
		IsActive:  backend.IsActive,
		IsDefault: backend.IsDefault,
		CreatedAt: backend.CreatedAt,
		UpdatedAt: backend.UpdatedAt,
	}
}

func (s *Server) handleCreateBackend(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		BaseURL   string `json:"base_url" binding:"required"`
		APIKey    string `json:"api_key" binding:"required"`
		IsDefault bool   `json:"is_default"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	backend, err := s.store.CreateBackend(c.Request.Context(), req.Name, req.BaseURL, req.APIKey, req.IsDefault)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not create backend"})
		return
	}
	s.logger.Info("backend created", "backend_id", backend.ID, "name", backend.Name)
	c.JSON(http.StatusOK, backendView(backend))
}

func (s *Server) handleListBackends(c *gin.Context) {
	backends, err := s.store.ListBackends(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not list backends"})
		return
	}
	views := make([]backendInfo, 0, len(backends))
	for _, backend := range backends {
		views = append(views, backendView(backend))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleUpdateBackend(c *gin.Context) {
	var req struct {
		Name      *string `json:"name"`
		BaseURL   *string `json:"base_url"`
		APIKey    *string `json:"api_key"`
		IsDefault *bool   `json:"is_default"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	backend, err := s.store.UpdateBackend(c.Request.Context(), c.Param("id"), store.BackendUpdate{
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
		IsDefault: req.IsDefault,
	})
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Backend not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not update backend"})
		return
	}
	c.JSON(http.StatusOK, backendView(backend))
}

func (s *Server) handleDeleteBackend(c *gin.Context) {
	err := s.store.DeleteBackend(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Backend not found"})
	case errors.Is(err, store.ErrDefaultBackend):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Default backend cannot be deleted"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not delete backend"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Backend deleted successfully"})
	}
}

func (s *Server) handleActivateBackend(c *gin.Context) {
	err := s.store.ActivateBackend(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Backend not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not activate backend"})
		return
	}
	s.logger.Info("backend activated", "backend_id", c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"message": "Backend activated successfully"})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
