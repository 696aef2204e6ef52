// Package outcome carries the result of a vendor call together with an
// explicit status, so callers can tell genuine vendor data apart from
// locally fabricated placeholder data.
package outcome

// Status classifies how a Result was produced.
type Status string

const (
	// StatusOK means the value came from the vendor.
	StatusOK Status = "ok"

	// StatusDegraded means the vendor call failed and Value holds a
	// placeholder produced locally. Err holds the upstream cause.
	StatusDegraded Status = "degraded"

	// StatusFailed means no value is available. Err explains why.
	StatusFailed Status = "failed"
)

// Result is the outcome of a single vendor operation.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
}

// OK wraps a genuine vendor value.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

// Degraded wraps a placeholder value produced because cause prevented a
// real vendor call.
func Degraded[T any](v T, cause error) Result[T] {
	return Result[T]{Value: v, Status: StatusDegraded, Err: cause}
}

// Failed reports an operation that produced no value.
func Failed[T any](err error) Result[T] {
	return Result[T]{Status: StatusFailed, Err: err}
}

// IsOK reports whether the value came from the vendor.
func (r Result[T]) IsOK() bool { return r.Status == StatusOK }

// IsDegraded reports whether the value is a local placeholder.
func (r Result[T]) IsDegraded() bool { return r.Status == StatusDegraded }

// IsFailed reports whether no value is available.
func (r Result[T]) IsFailed() bool { return r.Status == StatusFailed }

// Get returns the value and the error, in the usual Go order. A degraded
// result returns its placeholder value with a nil error; callers that care
// must check IsDegraded.
func (r Result[T]) Get() (T, error) {
	if r.Status == StatusFailed {
		var zero T
		return zero, r.Err
	}
	return r.Value, nil
}

// ErrorMessage returns the error text or an empty string.
func (r Result[T]) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
