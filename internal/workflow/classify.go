package workflow

import (
	"math"
	"strings"
	"time"
)

// FailureClass is what the purchase workflow does with a failed provider call.
type FailureClass int

const (
	// ClassAdminReview halts automation until an operator resumes or fails the order.
	ClassAdminReview FailureClass = iota
	// ClassRetryable schedules another purchase attempt.
	ClassRetryable
	// ClassPermanent fails the order outright.
	ClassPermanent
)

func (c FailureClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return "admin_review"
	}
}

// Classifier maps a provider error message to a FailureClass.
type Classifier func(message string) FailureClass

var (
	retryablePhrases = []string{"rate limit", "too many requests", "429"}
	adminPhrases     = []string{
		"timeout", "timed out", "deadline exceeded",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"500", "502", "503", "504",
		"connection", "insufficient funds", "insufficient balance", "insufficient credit",
	}
	permanentPhrases = []string{"unknown package", "package not found", "invalid package"}
)

// ClassifyProviderError is the default Classifier. Only rate limiting is retried, because a
// provider purchase is not idempotent. Unmatched messages go to admin review.
func ClassifyProviderError(message string) FailureClass {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, retryablePhrases):
		return ClassRetryable
	case containsAny(msg, adminPhrases):
		return ClassAdminReview
	case containsAny(msg, permanentPhrases):
		return ClassPermanent
	}
	return ClassAdminReview
}

func containsAny(s string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds automatic purchase retries.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Multiplier grows the delay per retry; 1 keeps it fixed.
	Multiplier float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, Delay: 5 * time.Minute, Multiplier: 1}
}

// Exhausted reports whether an order that already retried retryCount times may not retry again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// NextDelay is the wait before the retry following retryCount earlier retries.
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return time.Duration(float64(p.Delay) * math.Pow(multiplier, float64(retryCount)))
}

// DefaultProfileBackoff is the wait after each failed profile fetch. Its length is the attempt cap.
var DefaultProfileBackoff = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}
