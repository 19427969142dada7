// Package retry re-runs broker fetches that fail with transient errors.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
)

// Config bounds a Do call. MaxRetries counts attempts after the first;
// Timeout caps the whole call including backoff sleeps.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no Config is passed and for any invalid field.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

const backoffGrowth = 1.5

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Client runs fetches with exponential backoff.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient returns a retrying client. Invalid config values fall back to
// DefaultConfig; a nil logger discards output.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Client{logger: logger, config: DefaultConfig}
	if len(config) > 0 {
		c.config = withDefaults(config[0])
	}
	return c
}

func withDefaults(in Config) Config {
	out := in
	if out.MaxRetries < 0 {
		out.MaxRetries = DefaultConfig.MaxRetries
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultConfig.Timeout
	}
	return out
}

// Config returns the effective settings.
func (c *Client) Config() Config {
	return c.config
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, fails with a non-transient error, runs out
// of attempts or the overall timeout expires. op names the call in logs and
// errors.
func (c *Client) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	attempts := c.config.MaxRetries + 1
	log := c.logger.WithField("op", op)
	wait := c.config.InitialBackoff

	var lastErr error
	for n := 1; n <= attempts; n++ {
		if err := c.stopped(ctx, callCtx, op, lastErr); err != nil {
			return err
		}

		log.Debugf("Attempt %d/%d", n, attempts)
		lastErr = fn(callCtx)
		if lastErr == nil {
			if n > 1 {
				log.Infof("Succeeded on attempt %d", n)
			}
			return nil
		}

		if err := c.stopped(ctx, callCtx, op, lastErr); err != nil {
			return err
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			lastErr = perm.err
			attempts = n
			break
		}
		if n == attempts || !IsTransient(lastErr) {
			attempts = n
			break
		}

		log.WithError(lastErr).Warnf("Attempt %d/%d failed, retrying in %v", n, attempts, wait)
		timer := time.NewTimer(wait)
		select {
		case <-callCtx.Done():
			timer.Stop()
			return c.stopped(ctx, callCtx, op, lastErr)
		case <-timer.C:
		}
		wait = c.nextBackoff(wait)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// stopped reports why callCtx is done, or nil while it is still live.
func (c *Client) stopped(parent, callCtx context.Context, op string, lastErr error) error {
	if callCtx.Err() == nil {
		return nil
	}
	if parent.Err() != nil {
		return fmt.Errorf("%s: operation canceled: %w", op, parent.Err())
	}
	if lastErr != nil {
		return fmt.Errorf("%s: timed out after %v: %w", op, c.config.Timeout, lastErr)
	}
	return fmt.Errorf("%s: timed out after %v: %w", op, c.config.Timeout, callCtx.Err())
}

// nextBackoff grows cur by backoffGrowth, caps it at MaxBackoff and adds up
// to a quarter of the result as jitter.
func (c *Client) nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return 0
	}
	next := time.Duration(float64(cur) * backoffGrowth)
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}
	if quarter := int64(next / 4); quarter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(quarter)); err == nil {
			next += time.Duration(j.Int64())
		}
	}
	return next
}

var transientMarkers = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether err is worth another attempt. Status-bearing
// errors are judged by their status, network timeouts are transient, and
// anything else falls back to matching the message.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
