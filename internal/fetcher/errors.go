package fetcher

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

// Sentinels are attached with errors.Mark, which the standard library's
// errors.Is does not see. Check them with IsNetworkError, IsPermanent and
// IsUnsupported, or with cockroachdb errors.Is.
var (
	// ErrTransient marks provider failures worth retrying (network, 5xx, throttling).
	ErrTransient = errors.New("transient provider error")
	// ErrPermanent marks malformed or unsupported requests.
	ErrPermanent = errors.New("permanent provider error")
	// ErrUnsupported is returned when an adapter lacks the requested capability.
	ErrUnsupported = errors.New("operation not supported by adapter")
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// networkMarkers are matched case-insensitively against the error text.
var networkMarkers = []string{"connection", "timeout", "reset", "aborted", "closed"}

// IsNetworkError reports whether err looks like a network failure: marked transient,
// a net.Error or deadline, or a message containing one of the network markers.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}

// IsUnsupported reports whether err was marked as a missing capability.
func IsUnsupported(err error) bool {
	return err != nil && errors.Is(err, ErrUnsupported)
}

// TypeName returns a short, stable name for the error's concrete type, unwrapping
// cockroachdb wrappers down to the cause.
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	cause := errors.UnwrapAll(err)
	name := strings.TrimPrefix(fmt.Sprintf("%T", cause), "*")
	if name == "" {
		return "error"
	}
	return name
}
