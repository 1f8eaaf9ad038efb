package eddn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one upload.
const DefaultTimeout = 8 * time.Second

// Client uploads payloads to an EDDN gateway.
type Client struct {
	URL       string
	UserAgent string
	// Gzip compresses request bodies (Content-Encoding: gzip).
	Gzip bool

	http      *http.Client
	validator *Validator
}

// NewClient returns a client posting to url with the given timeout.
func NewClient(url string, timeout time.Duration, validator *Validator) *Client {
	if url == "" {
		url = DefaultUploadURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		URL:       url,
		Gzip:      true,
		http:      &http.Client{Timeout: timeout},
		validator: validator,
	}
}

// Upload validates payload and posts it once. Any non-200 answer or
// transport error is returned; the caller must not retry.
func (c *Client) Upload(ctx context.Context, payload *Payload) error {
	if c.validator != nil {
		if err := c.validator.Validate(payload); err != nil {
			return err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode eddn payload: %w", err)
	}

	encoding := ""
	if c.Gzip {
		var compressed bytes.Buffer
		writer := gzip.NewWriter(&compressed)
		if _, err := writer.Write(body); err != nil {
			return fmt.Errorf("gzip eddn payload: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("gzip eddn payload: %w", err)
		}
		body = compressed.Bytes()
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build eddn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	logrus.Debugf("🚀 EDDN: sending %s", payload.EventType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("eddn upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		logrus.Infof("✅ EDDN: %s accepted", payload.EventType())
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(detail))
}
