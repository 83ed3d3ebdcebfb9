package history

import "errors"

var (
	// ErrInvalidRange is returned when a begin date falls after its end date.
	ErrInvalidRange = errors.New("begin date is after end date")

	// ErrQuotaExceeded signals the remote account has exhausted its
	// allowance. It aborts the entire run, not just the current sensor.
	ErrQuotaExceeded = errors.New("api quota exhausted")

	// ErrTransport marks network or HTTP failures. It aborts the
	// remaining windows of the current sensor only.
	ErrTransport = errors.New("transport failure")

	// ErrParse marks responses that could not be decoded into rows.
	ErrParse = errors.New("response could not be parsed")
)

// Outcome classifies the result of one window fetch.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeEmpty      Outcome = "empty"
	OutcomeQuota      Outcome = "quota_exceeded"
	OutcomeTransport  Outcome = "transport_error"
	OutcomeParse      Outcome = "parse_error"
	OutcomeUnexpected Outcome = "unexpected_error"
)

// ClassifyFetch maps a fetch result onto the closed outcome taxonomy
// the run driver applies its abort-vs-continue policy to.
func ClassifyFetch(batch Batch, err error) Outcome {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return OutcomeQuota
	case errors.Is(err, ErrTransport):
		return OutcomeTransport
	case errors.Is(err, ErrParse):
		return OutcomeParse
	case err != nil:
		return OutcomeUnexpected
	case len(batch.Rows) == 0:
		return OutcomeEmpty
	default:
		return OutcomeSuccess
	}
}
