package skylink

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/types"
	"github.com/skylink-telemetry/skylink/utilities/clock"
)

var (
	// ErrNoCredential means no credential could be resolved for the identity.
	ErrNoCredential = errors.New("no credential for identity")
	// ErrNoEndpoint means the private endpoint URL is not configured.
	ErrNoEndpoint = errors.New("private endpoint not configured")
)

// DefaultRateLimitWait applies to a 429 without a usable Retry-After.
const DefaultRateLimitWait = 60 * time.Second

// Delivery is the outcome of one private-endpoint attempt.
type Delivery int

const (
	Delivered Delivery = iota
	// DeliveryTransient failures are queued for retry.
	DeliveryTransient
	// DeliveryPermanent failures are dropped.
	DeliveryPermanent
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case DeliveryTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// PrivateClient posts filtered events to the private telemetry endpoint
// and applies the outcome table: status updates, failed identities and the
// 429 cooldown.
type PrivateClient struct {
	URL       string
	UserAgent string
	// RateLimitWait is used when a 429 carries no Retry-After.
	RateLimitWait time.Duration

	http   *http.Client
	failed *FailedIdentitySet
	status *StatusTracker

	// sleep is the 429 cooldown. It stalls the whole consumer on purpose
	// so retry timing matches what the server asked for.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPrivateClient returns a client posting to url.
func NewPrivateClient(url string, timeout time.Duration, failed *FailedIdentitySet, status *StatusTracker) *PrivateClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &PrivateClient{
		URL:           url,
		RateLimitWait: DefaultRateLimitWait,
		http:          &http.Client{Timeout: timeout},
		failed:        failed,
		status:        status,
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return clock.Sleep(ctx, clock.Real(), d)
	}
	return c
}

// setAuthHeaders adds the credential headers shared by event delivery and
// heartbeats.
func setAuthHeaders(req *http.Request, identity types.Identity, credential, userAgent string) {
	req.Header.Set("x-api-key", credential)
	req.Header.Set("x-identity", base64.StdEncoding.EncodeToString([]byte(identity)))
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
}

// Send delivers event as identity. The request itself is not tied to ctx
// so an in-flight call may finish during shutdown (the client timeout
// still bounds it); the 429 cooldown is cut short by ctx.
func (c *PrivateClient) Send(ctx context.Context, identity types.Identity, credential string, event *RawEvent) (Delivery, error) {
	if credential == "" {
		logrus.Warnf("cannot send %s: no credential for commander %s", event.Type(), identity)
		return DeliveryPermanent, fmt.Errorf("%w %s", ErrNoCredential, identity)
	}
	if c.URL == "" {
		logrus.Errorf("cannot send %s: private endpoint URL is not configured", event.Type())
		return DeliveryPermanent, ErrNoEndpoint
	}

	body, err := event.MarshalJSON()
	if err != nil {
		return DeliveryPermanent, fmt.Errorf("encode %s: %w", event.Type(), err)
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return DeliveryPermanent, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req, identity, credential, c.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		logrus.WithError(err).Errorf("network error while sending %s", event.Type())
		c.setStatus(StatusError, "Network error, queuing event.")
		return DeliveryTransient, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		logEventDetails(event)
		if event.Type() == "Shutdown" {
			logrus.Info("🛑 game shutdown detected, waiting for a commander")
			c.setStatus(StatusWaiting, "Game closed. Waiting for Commander...")
		} else {
			c.setStatus(StatusRunning, fmt.Sprintf("Event %s sent", event.Type()))
		}
		if c.failed != nil {
			c.failed.Remove(identity)
		}
		return Delivered, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := c.retryAfter(resp.Header.Get("Retry-After"))
		logrus.Warnf("⏳ rate limited (429), sleeping %s", wait)
		if err := c.sleep(ctx, wait); err != nil {
			logrus.Debug("rate limit cooldown interrupted")
		}
		return DeliveryTransient, fmt.Errorf("rate limited")

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logrus.Errorf("⛔ auth failed for %s (status %d)", identity, resp.StatusCode)
		if c.failed != nil {
			c.failed.Add(identity)
		}
		c.setStatus(StatusError, fmt.Sprintf("Auth Error %d for %s", resp.StatusCode, identity))
		return DeliveryPermanent, fmt.Errorf("credential rejected with %d", resp.StatusCode)

	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		logrus.Errorf("failed to send %s: %d %s", event.Type(), resp.StatusCode, bytes.TrimSpace(detail))
		c.setStatus(StatusError, "Failed to send event, queuing.")
		return DeliveryTransient, fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
}

func (c *PrivateClient) retryAfter(raw string) time.Duration {
	wait := c.RateLimitWait
	if wait <= 0 {
		wait = DefaultRateLimitWait
	}
	if raw == "" {
		return wait
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return wait
}

func (c *PrivateClient) setStatus(status Status, message string) {
	if c.status != nil {
		c.status.Set(status, message)
	}
}

func logEventDetails(event *RawEvent) {
	switch event.Type() {
	case "Location":
		docked, _ := event.Bool("Docked")
		logrus.Infof("📍 Location: %s (docked: %t)", valueOr(event.String("StarSystem"), "N/A"), docked)
	case "Loadout":
		jump, _ := event.Get("MaxJumpRange")
		jumpRange, _ := toFloat(jump)
		logrus.Infof("🚀 Loadout: %s (jump: %.2f ly)", valueOr(event.String("Ship"), "N/A"), jumpRange)
	case "Materials":
		raw, _ := event.Get("Raw")
		encoded, _ := event.Get("Encoded")
		logrus.Infof("🧪 Materials updated (raw: %d, encoded: %d)", listLen(raw), listLen(encoded))
	default:
		logrus.Infof("✅ sent %s", event.Type())
	}
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func listLen(value any) int {
	list, _ := value.([]any)
	return len(list)
}
