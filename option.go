package paygate

import (
	"time"

	"go.uber.org/zap"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
)

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithZapLogger logs through an application's existing zap logger.
func WithZapLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger.NewZapLoggerFrom(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithTimeout bounds contract reads, gas estimation and each receipt wait.
// Wallet prompts are not bounded: the user may take as long as they need to
// confirm. Zero keeps the configured estimate and receipt timeouts.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) {
		c.timeout = t
	}
}

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithBackend uses an existing node connection instead of dialing the
// configured RPC URL. The Client does not close it.
func WithBackend(b clients.Backend) Option {
	return func(c *Client) {
		c.backend = b
	}
}
