package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a failure category. Retry, circuit breaking and fallback
// selection all key off the kind, never off raw error strings.
type Kind string

const (
	KindNetwork         Kind = "network_error"
	KindTimeout         Kind = "api_timeout"
	KindRateLimited     Kind = "rate_limited"
	KindAuthentication  Kind = "authentication_error"
	KindParsing         Kind = "parsing_error"
	KindImageProcessing Kind = "image_processing_error"
	KindUnavailable     Kind = "service_unavailable"
	KindUnknown         Kind = "unknown"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Info is a classified failure. It is immutable after creation and safe to
// pass across goroutines.
type Info struct {
	Kind     Kind
	Severity Severity
	Message  string
	Context  map[string]any
	Time     time.Time
}

func (i *Info) Error() string {
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// Retryable reports whether another attempt could plausibly succeed.
func (i *Info) Retryable() bool {
	return Retryable(i.Kind)
}

// Retryable reports whether failures of this kind are transient. Timeouts,
// network errors, rate limits and unavailable upstreams are worth retrying;
// bad credentials and malformed responses are not.
func Retryable(k Kind) bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// UserMessage returns a short message safe to show outside the service.
func (i *Info) UserMessage() string {
	switch i.Kind {
	case KindImageProcessing:
		return "The image could not be processed. Try a clear, well-lit photo of the receipt."
	case KindAuthentication:
		return "The recognition service is misconfigured. Contact the operator."
	case KindRateLimited:
		return "The recognition service is busy. Try again in a moment."
	case KindNetwork, KindTimeout, KindUnavailable:
		return "The recognition service is temporarily unavailable. Try again shortly."
	default:
		return "Receipt recognition failed. Try again shortly."
	}
}

// New builds an Info directly, for failures that are synthesized rather than
// classified from an underlying error, like a rejected call on an open
// circuit.
func New(kind Kind, message string, context map[string]any) *Info {
	return &Info{
		Kind:     kind,
		Severity: severityFor(kind),
		Message:  message,
		Context:  context,
		Time:     time.Now(),
	}
}

// As unwraps err to an *Info if one is anywhere in its chain.
func As(err error) (*Info, bool) {
	var info *Info
	if errors.As(err, &info) {
		return info, true
	}
	return nil, false
}

// Classify maps an error and optional call context to a typed Info. It never
// fails: anything unmatched becomes KindUnknown with medium severity. Already
// classified errors pass through with context merged in.
func Classify(err error, context map[string]any) *Info {
	if err == nil {
		return nil
	}
	if info, ok := As(err); ok {
		return info.withContext(context)
	}

	kind := kindOf(err)
	return &Info{
		Kind:     kind,
		Severity: severityFor(kind),
		Message:  err.Error(),
		Context:  context,
		Time:     time.Now(),
	}
}

func (i *Info) withContext(extra map[string]any) *Info {
	if len(extra) == 0 {
		return i
	}
	merged := make(map[string]any, len(i.Context)+len(extra))
	for k, v := range i.Context {
		merged[k] = v
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	out := *i
	out.Context = merged
	return &out
}

// kindOf matches the error message against known upstream failure shapes.
// Order matters: more specific patterns are checked before generic ones, and
// timeouts are checked before network errors because Go wraps deadline
// expiry in net errors.
func kindOf(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(msg, "429", "rate limit", "too many requests", "quota exceeded", "resource exhausted", "resource_exhausted"):
		return KindRateLimited
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "api key", "permission denied", "invalid authentication"):
		return KindAuthentication
	case containsAny(msg, "503", "502", "service unavailable", "bad gateway", "internal server error", "overloaded", "unavailable"):
		return KindUnavailable
	case containsAny(msg, "connection refused", "connection reset", "no such host", "broken pipe", "network is unreachable", "unexpected eof", "tls handshake"):
		return KindNetwork
	case containsAny(msg, "json", "unmarshal", "invalid character", "unexpected end of"):
		return KindParsing
	case containsAny(msg, "image", "decode", "unsupported format", "corrupt"):
		return KindImageProcessing
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func severityFor(kind Kind) Severity {
	switch kind {
	case KindAuthentication, KindUnavailable:
		return SeverityHigh
	case KindNetwork, KindTimeout, KindRateLimited, KindParsing:
		return SeverityMedium
	case KindImageProcessing:
		return SeverityLow
	default:
		return SeverityMedium
	}
}
