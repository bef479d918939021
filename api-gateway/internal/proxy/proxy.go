// Package proxy forwards gateway requests to the backend services.
package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/middleware"
)

// Forwarder relays requests to a backend, stamping them with the internal
// API key so services can tell gateway traffic apart.
type Forwarder struct {
	client      *http.Client
	stream      *http.Client
	internalKey string
}

// NewForwarder bounds proxied calls by timeout. Streams have no deadline and
// stay open until either side hangs up.
func NewForwarder(internalKey string, timeout time.Duration) *Forwarder {
	return &Forwarder{
		client:      &http.Client{Timeout: timeout},
		stream:      &http.Client{},
		internalKey: internalKey,
	}
}

// To returns a handler that forwards the request path and query unchanged
// to serviceURL.
func (f *Forwarder) To(serviceURL string) gin.HandlerFunc {
	serviceURL = strings.TrimSuffix(serviceURL, "/")
	return func(c *gin.Context) {
		targetURL := serviceURL + c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			targetURL += "?" + c.Request.URL.RawQuery
		}

		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
		}

		req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, bytes.NewReader(bodyBytes))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create request"})
			return
		}
		copyHeaders(req.Header, c.Request.Header)
		if id := c.Writer.Header().Get(middleware.RequestIDHeader); id != "" {
			req.Header.Set(middleware.RequestIDHeader, id)
		}
		f.sign(req)

		resp, err := f.client.Do(req)
		if err != nil {
			logging.FromContext(c.Request.Context()).Error("error proxying request", "target", targetURL, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"message": "Service unavailable"})
			return
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"message": "Failed to read response"})
			return
		}

		for key, values := range resp.Header {
			c.Writer.Header()[key] = values
		}
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
	}
}

func (f *Forwarder) sign(req *http.Request) {
	if f.internalKey != "" {
		req.Header.Set(middleware.InternalAPIKeyHeader, f.internalKey)
	} else {
		req.Header.Del(middleware.InternalAPIKeyHeader)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
