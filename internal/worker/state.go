package worker

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for timing configurations the worker cannot
// honor.
var ErrInvalidConfig = errors.New("invalid worker config")

// WorkerLockState is the payload stored with the worker's lock record.
type WorkerLockState struct {
	LockAcquiredTime   time.Time     `json:"lockAcquiredTime"`
	MinLeaseTime       time.Duration `json:"minLeaseTime"`
	TaskRunFrequency   time.Duration `json:"taskRunFrequency"`
	MaxExtensionTTL    time.Duration `json:"maxExtensionTtl"`
	ExtensionThreshold time.Duration `json:"extensionThreshold"`
	NextStartTime      time.Time     `json:"nextStartTime"`
}

// Config holds the lease timing for a worker.
type Config struct {
	// MinLeaseTime is the duration granted by each acquire or extension.
	MinLeaseTime time.Duration
	// TaskRunFrequency is the pause between a completed run and the next.
	TaskRunFrequency time.Duration
	// MaxExtensionTTL caps how long one run may keep its lease alive.
	MaxExtensionTTL time.Duration
	// ExtensionThreshold is how long before expiry an extension is issued.
	ExtensionThreshold time.Duration
}

// Validate checks ExtensionThreshold < MinLeaseTime <= MaxExtensionTTL and
// that every duration is positive.
func (c Config) Validate() error {
	switch {
	case c.MinLeaseTime <= 0:
		return fmt.Errorf("%w: min lease time must be positive", ErrInvalidConfig)
	case c.TaskRunFrequency <= 0:
		return fmt.Errorf("%w: task run frequency must be positive", ErrInvalidConfig)
	case c.ExtensionThreshold <= 0:
		return fmt.Errorf("%w: extension threshold must be positive", ErrInvalidConfig)
	case c.ExtensionThreshold >= c.MinLeaseTime:
		return fmt.Errorf("%w: extension threshold %s must be less than min lease time %s",
			ErrInvalidConfig, c.ExtensionThreshold, c.MinLeaseTime)
	case c.MinLeaseTime > c.MaxExtensionTTL:
		return fmt.Errorf("%w: min lease time %s must not exceed max extension ttl %s",
			ErrInvalidConfig, c.MinLeaseTime, c.MaxExtensionTTL)
	}
	return nil
}

func (c Config) lockState(acquired, nextStart time.Time) WorkerLockState {
	return WorkerLockState{
		LockAcquiredTime:   acquired,
		MinLeaseTime:       c.MinLeaseTime,
		TaskRunFrequency:   c.TaskRunFrequency,
		MaxExtensionTTL:    c.MaxExtensionTTL,
		ExtensionThreshold: c.ExtensionThreshold,
		NextStartTime:      nextStart,
	}
}
