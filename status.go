package busrpc

import "github.com/pkg/errors"

// Status classifies the outcome of an RPC as seen by the caller.
type Status int

const (
	STATUS_UNKNOWN Status = iota
	// The call completed and the handler returned a result.
	STATUS_OK
	// No response arrived within the configured window.
	STATUS_TIMEOUT
	// The handler threw; the message is carried verbatim from the server.
	STATUS_NOT_OK
	// The caller supplied arguments that could not be encoded.
	STATUS_CLIENT_REQUEST_ERROR
	// The peer sent something we could not decode.
	STATUS_SERVER_ERROR
)

var status_strings []string = []string{
	"STATUS_UNKNOWN",
	"STATUS_OK",
	"STATUS_TIMEOUT",
	"STATUS_NOT_OK",
	"STATUS_CLIENT_REQUEST_ERROR",
	"STATUS_SERVER_ERROR",
}

func (s Status) String() string {
	if int(s) < len(status_strings) {
		return status_strings[s]
	}
	return "STATUS_UNKNOWN"
}

// RequestError is the error type resolved calls fail with. Use the idiom
// err.(*RequestError).Status() -- or IsTimeout() -- to distinguish a timed-out
// call from one whose handler failed.
type RequestError struct {
	status  Status
	message string
}

func NewRequestError(status Status, message string) *RequestError {
	return &RequestError{status: status, message: message}
}

func (e *RequestError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.status.String()
}

func (e *RequestError) Status() Status {
	return e.status
}

// Message returns the bare message without the status prefix.
func (e *RequestError) Message() string {
	return e.message
}

// IsTimeout reports whether err is a timeout-classified RequestError.
func IsTimeout(err error) bool {
	var rqerr *RequestError
	return errors.As(err, &rqerr) && rqerr.status == STATUS_TIMEOUT
}
