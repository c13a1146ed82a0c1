package sblist

import "fmt"

// Result classifies the outcome of an update request, per spec.md §8's
// error-kind taxonomy.
type Result int

// Result values.
const (
	// ResultNoUpdate means every list was still inside its wait window, so
	// no request was made.
	ResultNoUpdate Result = iota

	// ResultNoData means the exchange succeeded but the server sent no
	// chunks or delete directives.
	ResultNoData

	// ResultSuccessful means the request completed and produced data.
	ResultSuccessful

	// ResultServerError means the update request itself failed (transport
	// error or non-200 status); the backoff controller has been engaged.
	ResultServerError

	// ResultInternalError means a response could not be parsed or applied,
	// or storage failed.
	ResultInternalError

	// ResultMacError means a response's MAC did not validate.
	ResultMacError

	// ResultMacKeyError means MAC key negotiation itself failed.
	ResultMacKeyError
)

// String implements the fmt.Stringer interface for Result.
func (r Result) String() string {
	switch r {
	case ResultNoUpdate:
		return "no_update"
	case ResultNoData:
		return "no_data"
	case ResultSuccessful:
		return "successful"
	case ResultServerError:
		return "server_error"
	case ResultInternalError:
		return "internal_error"
	case ResultMacError:
		return "mac_error"
	case ResultMacKeyError:
		return "mac_key_error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Retryable reports whether a caller should expect the backoff controller
// to have already scheduled a retry for this result, as opposed to results
// that represent a settled, non-retryable state.
func (r Result) Retryable() bool {
	switch r {
	case ResultServerError, ResultInternalError, ResultMacError:
		return true
	default:
		return false
	}
}
