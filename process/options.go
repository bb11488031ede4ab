package process

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTerminateWait = 2 * time.Second
	DefaultKillWait      = 2 * time.Second
)

type config struct {
	log           *zap.SugaredLogger
	terminateWait time.Duration
	killWait      time.Duration
}

type Option func(c *config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l.Sugar()
	}
}

// WithTerminateWait sets how long Shutdown waits after the termination signal before killing the child.
func WithTerminateWait(d time.Duration) Option {
	return func(c *config) {
		c.terminateWait = d
	}
}

// WithKillWait sets how long Shutdown waits for the child to be reaped after a kill.
func WithKillWait(d time.Duration) Option {
	return func(c *config) {
		c.killWait = d
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		log:           zap.NewNop().Sugar(),
		terminateWait: DefaultTerminateWait,
		killWait:      DefaultKillWait,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}
