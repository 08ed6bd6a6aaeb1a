package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	relay "github.com/eugener/palantir/internal"
)

const (
	rateLimitFallback = 30 * time.Second
	shortCooldown     = 10 * time.Second
	modelCooldown     = time.Hour
	// Credentials rejected for auth stay benched until an operator rotates
	// them; ten years is forever on this timescale.
	authInvalidCooldown = 10 * 365 * 24 * time.Hour
)

// DefaultUnavailability maps a failed upstream attempt to a cooldown verdict.
// model names the generate-op model the attempt targeted, or "" for
// operations where a per-model bench makes no sense. A verdict with an empty
// Reason means the failure says nothing about the credential and no mark
// should be applied.
//
// Providers override this via the relay.UnavailabilityDecider interface.
func DefaultUnavailability(err error, model string) relay.Unavailability {
	var pe *relay.PassthroughError
	if errors.As(err, &pe) {
		return fromStatus(pe, model)
	}
	if errors.Is(err, relay.ErrInvalidConfig) {
		return relay.Unavailability{
			Reason:    relay.ReasonAuthInvalid,
			Cooldown:  authInvalidCooldown,
			Retryable: true,
		}
	}
	// A canceled context means the caller went away, a mismatched proxy is an
	// operator error. Neither says anything about the credential.
	if errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrProxyMismatch) {
		return relay.Unavailability{}
	}
	if isTransport(err) {
		return relay.Unavailability{
			Reason:    relay.ReasonTimeout,
			Cooldown:  shortCooldown,
			Retryable: true,
		}
	}
	return relay.Unavailability{}
}

func fromStatus(pe *relay.PassthroughError, model string) relay.Unavailability {
	switch {
	case pe.Status == http.StatusTooManyRequests:
		cooldown := rateLimitFallback
		if d, ok := parseRetryAfter(pe.Header); ok {
			cooldown = d
		}
		return relay.Unavailability{
			Reason:    relay.ReasonRateLimit,
			Cooldown:  cooldown,
			Retryable: true,
		}
	case pe.Status == http.StatusUnauthorized || pe.Status == http.StatusForbidden:
		return relay.Unavailability{
			Reason:    relay.ReasonAuthInvalid,
			Cooldown:  authInvalidCooldown,
			Retryable: true,
		}
	case pe.Status == http.StatusNotFound && model != "" && sniffModelNotFound(pe.Body):
		return relay.Unavailability{
			Reason:   relay.ReasonModelDisallow,
			Cooldown: modelCooldown,
			Model:    model,
			Level:    relay.LevelTransient,
		}
	case pe.Status >= 500 && pe.Status <= 599:
		return relay.Unavailability{
			Reason:    relay.ReasonUpstream5xx,
			Cooldown:  shortCooldown,
			Retryable: true,
		}
	}
	return relay.Unavailability{}
}

// parseRetryAfter reads a Retry-After header as delay seconds or an HTTP
// date. Sub-second and past values collapse to false.
func parseRetryAfter(h http.Header) (time.Duration, bool) {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > time.Second {
			return d, true
		}
	}
	return 0, false
}

// sniffModelNotFound reports whether an error body reads like the upstream
// rejecting the model id rather than the resource path. Three dialects,
// three spellings.
func sniffModelNotFound(body []byte) bool {
	b := strings.ToLower(string(body))
	if !strings.Contains(b, "model") {
		return false
	}
	return strings.Contains(b, "not found") ||
		strings.Contains(b, "not_found") ||
		strings.Contains(b, "does not exist")
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
