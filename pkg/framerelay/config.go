package framerelay

import (
	"net/url"
	"time"
)

// Version is reported to tracing backends as the instrumentation version.
const Version = "0.1.0"

const (
	// DefaultTimeout is how long a relay request may stay unanswered before
	// it counts as a delivery failure.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of resend attempts after the first send.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the fixed pause between a failure and the resend.
	// Retries are not exponential; callers rely on the worst-case bound
	// timeout*(maxRetries+1) + retryDelay*maxRetries.
	DefaultRetryDelay = 1 * time.Second

	// MinServerTimeout is the smallest outbound timeout a server accepts.
	MinServerTimeout = 1 * time.Second

	// DefaultTargetOrigin is the origin relay messages are posted with.
	// Trust comes from frame identity, not message inspection.
	DefaultTargetOrigin = "*"

	// MaxResponseSamples bounds the client's rolling response-time history.
	MaxResponseSamples = 100
)

// ValidateBaseURL checks that a server base URL is present and absolute.
func ValidateBaseURL(baseURL string) error {
	if baseURL == "" {
		return NewError(KindInitialization, "base URL is required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return WrapError(KindInitialization, err, "invalid base URL %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewError(KindInitialization, "invalid base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return NewError(KindInitialization, "invalid base URL %q: missing host", baseURL)
	}

	return nil
}

// ValidateServerTimeout rejects outbound timeouts below MinServerTimeout.
func ValidateServerTimeout(timeout time.Duration) error {
	if timeout < MinServerTimeout {
		return NewError(KindInitialization, "timeout %s is below the %s minimum", timeout, MinServerTimeout)
	}
	return nil
}

// OriginAllowed reports whether origin passes an allowed-origins policy.
// An empty policy allows everything, as does a "*" entry.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
