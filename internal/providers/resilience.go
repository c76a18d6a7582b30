package providers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimiter provides rate limiting for API calls
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter with minimum interval between calls.
// A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	interval := time.Duration(float64(time.Second) / requestsPerSecond)
	return &RateLimiter{
		interval: interval,
	}
}

// Wait blocks until it's safe to make the next API call
func (rl *RateLimiter) Wait() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.interval <= 0 {
		return
	}
	if rl.lastCall.IsZero() {
		rl.lastCall = time.Now()
		return
	}

	elapsed := time.Since(rl.lastCall)
	if elapsed < rl.interval {
		sleepTime := rl.interval - elapsed
		log.Debug().Dur("sleep", sleepTime).Msg("Rate limiting API call")
		time.Sleep(sleepTime)
	}
	rl.lastCall = time.Now()
}

// ValidationError represents a validation error for cloud provider requests
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validator checks requests before anything is sent to a provider.
type Validator struct {
	// MaxVolumeGB bounds a single volume request; zero means no bound.
	MaxVolumeGB int
}

// NewValidator creates a validator with the limits common to the supported providers.
func NewValidator() *Validator {
	return &Validator{MaxVolumeGB: 10240}
}

// ValidateInstance validates an instance creation request
func (v *Validator) ValidateInstance(req InstanceRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return ValidationError{Field: "name", Value: req.Name, Message: "instance name is required"}
	}
	if req.Image == "" {
		return ValidationError{Field: "image", Value: "", Message: "image is required"}
	}
	if req.MachineClass == "" {
		return ValidationError{Field: "machine_class", Value: "", Message: "machine class is required"}
	}
	if req.KeyPair == "" {
		return ValidationError{Field: "key_pair", Value: "", Message: "key pair name is required"}
	}
	return nil
}

// ValidateVolume validates a volume creation request
func (v *Validator) ValidateVolume(req VolumeRequest) error {
	if req.SizeGB <= 0 {
		return ValidationError{Field: "size", Value: fmt.Sprintf("%d", req.SizeGB), Message: "size must be positive"}
	}
	if v.MaxVolumeGB > 0 && req.SizeGB > v.MaxVolumeGB {
		return ValidationError{
			Field:   "size",
			Value:   fmt.Sprintf("%d", req.SizeGB),
			Message: fmt.Sprintf("size must not exceed %d GB", v.MaxVolumeGB),
		}
	}
	return nil
}
