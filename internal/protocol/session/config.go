package session

import (
	"fmt"
	"math"
	"time"

	"github.com/danmuck/beepmux/internal/dispatch"
)

const (
	// DefaultWindowSize is the window both peers assume for a new channel.
	DefaultWindowSize = 4096

	DefaultGreetingTimeout = 60 * time.Second
	DefaultStartTimeout    = 60 * time.Second
	DefaultCloseTimeout    = 60 * time.Second
)

// Config defines per-session protocol and dispatch behavior.
//
// WindowUpdateThreshold is the number of consumed bytes that triggers a SEQ;
// 1 advertises on every read. StartTimeout and CloseTimeout of zero wait
// until the context ends.
type Config struct {
	WindowSize            int
	WindowUpdateThreshold int
	GreetingTimeout       time.Duration
	StartTimeout          time.Duration
	CloseTimeout          time.Duration
	Workers               int
	ServerName            string
	Features              []string
	Localize              []string
}

func DefaultConfig() Config {
	return Config{
		WindowSize:            DefaultWindowSize,
		WindowUpdateThreshold: DefaultWindowSize / 2,
		GreetingTimeout:       DefaultGreetingTimeout,
		StartTimeout:          DefaultStartTimeout,
		CloseTimeout:          DefaultCloseTimeout,
		Workers:               dispatch.DefaultWorkers,
	}
}

// WithDefaults fills unset sizes and the greeting timeout.
func (c Config) WithDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowUpdateThreshold <= 0 {
		c.WindowUpdateThreshold = c.WindowSize / 2
	}
	if c.GreetingTimeout <= 0 {
		c.GreetingTimeout = DefaultGreetingTimeout
	}
	if c.Workers <= 0 {
		c.Workers = dispatch.DefaultWorkers
	}
	return c
}

func (c Config) Validate() error {
	if c.WindowSize < DefaultWindowSize || c.WindowSize > math.MaxInt32 {
		return fmt.Errorf("%w: window size %d outside [%d, %d]", ErrInvalidConfig, c.WindowSize, DefaultWindowSize, math.MaxInt32)
	}
	if c.WindowUpdateThreshold < 1 || c.WindowUpdateThreshold > c.WindowSize {
		return fmt.Errorf("%w: window update threshold %d outside [1, %d]", ErrInvalidConfig, c.WindowUpdateThreshold, c.WindowSize)
	}
	if c.StartTimeout < 0 || c.CloseTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}
