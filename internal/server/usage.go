package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"claudegate/internal/store"
)

func (s *Server) handleUsageSummary(c *gin.Context) {
	summary, err := s.store.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleUsageStats(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("key_id")
	if !s.requireKey(c, keyID) {
		return
	}
	stats, err := s.store.UsageStats(ctx, keyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type usageRecordView struct {
	ID             string    `json:"id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	Model          string    `json:"model"`
	TokensUsed     int64     `json:"tokens_used"`
	Cost           float64   `json:"cost"`
	ProcessingTime float64   `json:"processing_time"`
	OutputTPS      float64   `json:"output_tps"`
	Timestamp      time.Time `json:"timestamp"`
	StatusCode     int       `json:"status_code"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

func (s *Server) handleUsageRecords(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("key_id")
	if !s.requireKey(c, keyID) {
		return
	}

	limit := intQuery(c, "limit", 100)
	if limit < 1 || limit > 1000 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "limit must be between 1 and 1000"})
		return
	}
	records, err := s.store.RecentUsage(ctx, keyID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load records"})
		return
	}

	views := make([]usageRecordView, 0, len(records))
	for _, record := range records {
		views = append(views, usageRecordView{
			ID:             record.ID,
			Endpoint:       record.Endpoint,
			Method:         record.Method,
			Model:          record.Model,
			TokensUsed:     record.TokensUsed,
			Cost:           record.Cost,
			ProcessingTime: record.ProcessingTime,
			OutputTPS:      record.OutputTPS,
			Timestamp:      record.Timestamp,
			StatusCode:     record.StatusCode,
			ErrorMessage:   record.ErrorMessage,
		})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleKeyChart(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("key_id")
	if !s.requireKey(c, keyID) {
		return
	}

	days := intQuery(c, "days", 30)
	if days < 1 || days > 365 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "days must be between 1 and 365"})
		return
	}
	chart, err := s.store.ChartForKey(ctx, keyID, days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load chart"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key_id": keyID, "days": days, "data": chart})
}

func (s *Server) handleOverallChart(c *gin.Context) {
	days := intQuery(c, "days", 30)
	if days < 1 || days > 365 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "days must be between 1 and 365"})
		return
	}
	chart, err := s.store.ChartOverall(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load chart"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "data": chart})
}

func (s *Server) handleAggregate(c *gin.Context) {
	date := c.Query("date")
	if _, err := s.store.AggregateDaily(c.Request.Context(), date); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("Aggregation failed: %v", err)})
		return
	}
	if date == "" {
		date = "yesterday"
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Daily usage aggregated successfully for date: %s", date)})
}

// requireKey confirms the key exists before serving its usage views. It
// writes the error response itself on failure.
func (s *Server) requireKey(c *gin.Context, keyID string) bool {
	_, err := s.store.GetAPIKey(c.Request.Context(), keyID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
		return false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not load API key"})
		return false
	}
	return true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return value
}
