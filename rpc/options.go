package rpc

import (
	"time"

	"github.com/guseggert/stdiorpc/process"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds every exchange whose context has no deadline.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxUnrelated is how many unrelated messages ReadForID discards before giving up.
	DefaultMaxUnrelated = 10000
)

type config struct {
	logger       *zap.Logger
	timeout      time.Duration
	maxUnrelated int
	name         string
	processOpts  []process.Option
}

type Option func(c *config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithTimeout sets the deadline applied when a context carries none.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxUnrelated caps the unrelated messages discarded while awaiting one response. Zero means no cap.
func WithMaxUnrelated(n int) Option {
	return func(c *config) {
		c.maxUnrelated = n
	}
}

// WithName names the client in its log output.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithProcessOptions passes options through to process.Start when the client spawns its own child.
func WithProcessOptions(opts ...process.Option) Option {
	return func(c *config) {
		c.processOpts = append(c.processOpts, opts...)
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		logger:       zap.NewNop(),
		timeout:      DefaultTimeout,
		maxUnrelated: DefaultMaxUnrelated,
		name:         "rpc_client",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}
