package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Forwarder proxies agent-API calls to an upstream framework server. When
// FallbackToLocal is set, an upstream failure falls through to local
// routing instead of surfacing the error.
type Forwarder struct {
	baseURL         string
	fallbackToLocal bool
	client          *http.Client
	logger          *zap.Logger
}

// NewForwarder creates a Forwarder targeting baseURL. timeout bounds each
// upstream call (default 30s).
func NewForwarder(baseURL string, fallbackToLocal bool, timeout time.Duration, logger *zap.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		baseURL:         baseURL,
		fallbackToLocal: fallbackToLocal,
		client:          &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// Forward replays the inbound request (same method, path, query, body)
// against the upstream. It reports whether the response was written: false
// means the caller should fall through to local routing.
func (f *Forwarder) Forward(c *gin.Context, body []byte) bool {
	url := f.baseURL + c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		url += "?" + q
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		return f.fail(c, err)
	}
	req.Header.Set("Content-Type", c.ContentType())
	if auth := c.GetHeader("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.fail(c, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.fail(c, err)
	}

	anpForwardsTotal.WithLabelValues("ok").Inc()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, data)
	return true
}

// fail handles an upstream error: fall through when configured, otherwise
// return the failure to the caller.
func (f *Forwarder) fail(c *gin.Context, err error) bool {
	anpForwardsTotal.WithLabelValues("error").Inc()
	if f.fallbackToLocal {
		f.logger.Warn("upstream forward failed, falling back to local routing",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		return false
	}
	c.JSON(http.StatusBadGateway, gin.H{
		"status":  "error",
		"message": "upstream framework server failed: " + err.Error(),
	})
	return true
}
