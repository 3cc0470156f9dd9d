package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/switchyard/internal/backend"
	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ErrAllFallbacksExhausted is matched by every ExhaustedError.
var ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")

var (
	errCircuitOpen = errors.New("circuit open")
	errNoAdapter   = errors.New("no adapter registered")
)

// ExhaustedError is returned once every backend in the chain has been
// skipped or has failed. Last is the final underlying failure.
type ExhaustedError struct {
	Tried []models.Backend
	Last  error
}

func (e *ExhaustedError) Error() string {
	names := make([]string, len(e.Tried))
	for i, b := range e.Tried {
		names[i] = string(b)
	}
	if e.Last == nil {
		return fmt.Sprintf("%v (tried %s)", ErrAllFallbacksExhausted, strings.Join(names, ", "))
	}
	return fmt.Sprintf("%v (tried %s): %v", ErrAllFallbacksExhausted, strings.Join(names, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllFallbacksExhausted}
	}
	return []error{ErrAllFallbacksExhausted, e.Last}
}

// skipError marks a backend that was not attempted because a gate refused it.
type skipError struct {
	backend models.Backend
	reason  error
}

func (e *skipError) Error() string {
	return fmt.Sprintf("%s skipped: %v", e.backend, e.reason)
}

func (e *skipError) Unwrap() error { return e.reason }

// Classify maps a failure to a breaker failure kind using adapter hints
// first and the message text otherwise.
func Classify(err error) breaker.FailureKind {
	if be, ok := backend.AsError(err); ok {
		switch be.Kind {
		case backend.KindTimeout:
			return breaker.FailureTimeout
		case backend.KindRateLimited:
			return breaker.FailureRateLimited
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return breaker.FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return breaker.FailureTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429", "quota"):
		return breaker.FailureRateLimited
	default:
		return breaker.FailureOther
	}
}

// fallbackEligible reports whether another backend should be tried after err.
// Adapters can veto with ShouldFallback=false; malformed input never falls back.
func fallbackEligible(err error) bool {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if be, ok := backend.AsError(err); ok {
		return be.ShouldFallback || be.Kind != backend.KindOther
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
