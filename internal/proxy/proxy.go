// Package proxy implements the forwarding pipeline: authenticate the
// tenant, admit against its limits, forward to the active backend,
// mirror the response and meter it in the background.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"claudegate/internal/limits"
	"claudegate/internal/logging"
	"claudegate/internal/meter"
	"claudegate/internal/observability"
	"claudegate/internal/pricing"
	"claudegate/internal/rewrite"
	"claudegate/internal/store"
)

const defaultAnthropicVersion = "2023-06-01"

// Handler is the /v1 proxy endpoint.
type Handler struct {
	store    *store.Store
	limits   *limits.Engine
	rewriter *rewrite.Rewriter
	pricing  pricing.Table
	metrics  *observability.MetricsCollector
	logger   *logging.Logger
	client   *http.Client

	metering sync.WaitGroup
}

// New builds a Handler sharing one upstream HTTP client across all
// requests, capped by the configured timeout.
func New(s *store.Store, engine *limits.Engine, rewriter *rewrite.Rewriter, table pricing.Table, metrics *observability.MetricsCollector, logger *logging.Logger, upstreamTimeout time.Duration) *Handler {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	return &Handler{
		store:    s,
		limits:   engine,
		rewriter: rewriter,
		pricing:  table,
		metrics:  metrics,
		logger:   logging.OrNop(logger).WithComponent("proxy"),
		client:   &http.Client{Timeout: upstreamTimeout},
	}
}

// Register mounts the proxy route on the router.
func (h *Handler) Register(router gin.IRouter) {
	methods := []string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodDelete, http.MethodPatch,
	}
	for _, method := range methods {
		router.Handle(method, "/v1/*path", h.Handle)
	}
}

// Handle runs the pipeline for one client request.
func (h *Handler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	key, ok := h.authenticate(c)
	if !ok {
		return
	}

	rejected, err := h.limits.Admit(ctx, key)
	if err != nil {
		h.logger.ErrorContext(ctx, "admission check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Proxy error"})
		return
	}
	if rejected != nil {
		h.metrics.RecordRejection(ctx, string(rejected.Kind))
		h.reject(c, *rejected)
		return
	}

	backend, err := h.store.ActiveBackend(ctx)
	if errors.Is(err, store.ErrNoBackend) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "No backend configuration available"})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "backend lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Proxy error"})
		return
	}

	h.forward(c, key, backend)
}

// authenticate resolves the tenant key from the Authorization or
// x-api-key header. It writes the 401 response itself on failure.
func (h *Handler) authenticate(c *gin.Context) (store.APIKey, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		header = c.GetHeader("x-api-key")
	}
	if header == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "API key required"})
		return store.APIKey{}, false
	}

	plaintext := strings.TrimSpace(header)
	plaintext = strings.TrimPrefix(plaintext, "Bearer ")
	plaintext = strings.TrimPrefix(plaintext, "x-api-key ")

	key, err := h.store.GetAPIKeyByHash(c.Request.Context(), store.HashAPIKey(plaintext))
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("rejected unknown api key", "key", logging.SanitizeAPIKey(plaintext))
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid API key"})
		return store.APIKey{}, false
	}
	if err != nil {
		h.logger.Error("api key lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Proxy error"})
		return store.APIKey{}, false
	}
	return key, true
}

func (h *Handler) reject(c *gin.Context, info limits.Info) {
	reset := info.ResetTime.Format(time.RFC3339)
	switch info.Kind {
	case limits.KindRate:
		c.Header("X-RateLimit-Limit", strconv.FormatInt(int64(info.Limit), 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(info.Remaining), 10))
		c.Header("X-RateLimit-Reset", reset)
	case limits.KindCost:
		c.Header("X-CostLimit-Limit", formatAmount(info.Limit))
		c.Header("X-CostLimit-Remaining", formatAmount(info.Remaining))
		c.Header("X-CostLimit-Reset", reset)
	case limits.KindDailyQuota:
		c.Header("X-DailyQuota-Limit", formatAmount(info.Limit))
		c.Header("X-DailyQuota-Remaining", formatAmount(info.Remaining))
		c.Header("X-DailyQuota-Reset", reset)
	}
	c.Header("Retry-After", info.RetryAfter())
	c.JSON(http.StatusTooManyRequests, gin.H{"detail": info.Detail()})
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// forward sends the request upstream, mirrors the buffered response to
// the client and dispatches metering.
func (h *Handler) forward(c *gin.Context, key store.APIKey, backend store.BackendConfig) {
	ctx := c.Request.Context()

	h.metrics.IncrementActiveRequests(ctx)
	defer h.metrics.DecrementActiveRequests(ctx)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Proxy error"})
		return
	}
	if h.rewriter != nil {
		body = h.rewriter.RewriteBody(body)
	}

	endpoint := strings.TrimPrefix(c.Param("path"), "/")
	url := backend.BaseURL + "/v1/" + endpoint
	if raw := c.Request.URL.RawQuery; raw != "" {
		url += "?" + raw
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Proxy error"})
		return
	}
	for name, values := range c.Request.Header {
		switch strings.ToLower(name) {
		case "host", "authorization", "x-api-key", "content-length":
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}
	// The backend credential rides on the same header family the
	// client used.
	if c.GetHeader("Authorization") != "" {
		upstreamReq.Header.Set("Authorization", "Bearer "+backend.APIKey)
	} else {
		upstreamReq.Header.Set("x-api-key", backend.APIKey)
	}
	if upstreamReq.Header.Get("anthropic-version") == "" {
		upstreamReq.Header.Set("anthropic-version", defaultAnthropicVersion)
	}

	start := time.Now()
	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		if isTimeout(err) {
			h.logger.Warn("upstream timeout", "url", url)
			c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "Upstream request timed out"})
			return
		}
		h.logger.Error("upstream request failed", "url", url, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"detail": "Upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	respBody, firstToken, lastToken, err := h.consume(resp.Body, contentType)
	processingTime := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "Upstream request timed out"})
			return
		}
		h.logger.Error("upstream read failed", "url", url, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"detail": "Upstream request failed"})
		return
	}

	if resp.StatusCode == http.StatusOK && len(respBody) == 0 {
		h.logger.Warn("empty 200 response from upstream", "url", url)
		c.Data(http.StatusBadGateway, "application/json",
			[]byte(`{"error": {"message": "Empty response from upstream API", "type": "proxy_error"}}`))
		return
	}

	header := c.Writer.Header()
	for name, values := range resp.Header {
		switch strings.ToLower(name) {
		case "content-length", "transfer-encoding":
			continue
		}
		header[name] = values
	}
	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(respBody)

	h.metering.Add(1)
	go func() {
		defer h.metering.Done()
		h.recordUsage(key, c.Request.Method, endpoint, body, respBody, contentType,
			resp.StatusCode, processingTime, firstToken, lastToken)
	}()
}

// consume buffers the whole upstream body. For SSE responses it tracks
// the first and last token-bearing chunk times so metering can compute
// the true generation interval.
func (h *Handler) consume(r io.Reader, contentType string) (body []byte, firstToken, lastToken time.Time, err error) {
	streaming := strings.HasPrefix(contentType, "text/event-stream")
	if !streaming {
		body, err = io.ReadAll(r)
		return body, firstToken, lastToken, err
	}

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if bytes.Contains(chunk[:n], []byte("content_block_delta")) {
				if firstToken.IsZero() {
					firstToken = time.Now()
				}
				lastToken = time.Now()
			} else if bytes.Contains(chunk[:n], []byte("message_delta")) {
				lastToken = time.Now()
			}
		}
		if readErr == io.EOF {
			return buf.Bytes(), firstToken, lastToken, nil
		}
		if readErr != nil {
			return nil, firstToken, lastToken, readErr
		}
	}
}

// recordUsage meters a delivered response and appends the ledger row.
// It runs detached from the request; failures are logged only.
func (h *Handler) recordUsage(key store.APIKey, method, endpoint string, reqBody, respBody []byte, contentType string, statusCode int, processingTime time.Duration, firstToken, lastToken time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	usage := meter.Parse(respBody, contentType)
	generationTime := meter.GenerationTime(firstToken, lastToken, usage.OutputTokens, processingTime.Seconds())
	outputTPS := meter.OutputTPS(usage.OutputTokens, generationTime)
	cost := h.pricing.Cost(usage.Model, usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens)

	record, err := h.store.InsertUsage(ctx, store.UsageRecord{
		APIKeyID:            key.ID,
		Endpoint:            endpoint,
		Method:              method,
		Model:               usage.Model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		Cost:                cost,
		RequestSize:         int64(len(reqBody)),
		ResponseSize:        int64(len(respBody)),
		ProcessingTime:      processingTime.Seconds(),
		OutputTPS:           outputTPS,
		StatusCode:          statusCode,
	})
	if err != nil {
		h.logger.Error("usage record failed", "key_id", key.ID, "error", err)
		return
	}
	if err := h.store.TouchAPIKey(ctx, key.ID); err != nil {
		h.logger.Error("last-used update failed", "key_id", key.ID, "error", err)
	}

	h.metrics.RecordProxyRequest(ctx, usage.Model, statusCode, processingTime,
		usage.InputTokens, usage.OutputTokens, cost)
	h.logger.Debug("request metered",
		"key_id", key.ID, "model", usage.Model,
		"tokens", record.TokensUsed, "cost", cost, "tps", outputTPS)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
