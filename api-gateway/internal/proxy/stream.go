package proxy

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/logging"
)

// UnsupervisedStreamPath is the visual-analytics endpoint relayed by Stream.
const UnsupervisedStreamPath = "/visual-analytics/api/visual/stream/unsupervised"

// Stream relays a server-sent-event stream from baseURL+path, flushing every
// chunk to the client as soon as it arrives. The query string is passed
// through unchanged.
func (f *Forwarder) Stream(baseURL, path string) gin.HandlerFunc {
	upstreamURL := strings.TrimSuffix(baseURL, "/") + path
	return func(c *gin.Context) {
		target := upstreamURL
		if c.Request.URL.RawQuery != "" {
			target += "?" + c.Request.URL.RawQuery
		}
		logger := logging.FromContext(c.Request.Context())

		req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, target, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create request"})
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		f.sign(req)

		resp, err := f.stream.Do(req)
		if err != nil {
			logger.Error("failed to open upstream stream", "target", target, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"message": "Stream unavailable"})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := c.Writer.Write(buf[:n]); werr != nil {
					return
				}
				c.Writer.Flush()
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && c.Request.Context().Err() == nil {
					logger.Warn("upstream stream ended", "target", target, "error", err)
				}
				return
			}
		}
	}
}
