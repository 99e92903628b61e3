package queue

import (
	"errors"
	"fmt"

	"duplex-rpc/message"
)

var (
	// ErrConnectionReset settles Calls that were flushed before the channel dropped.
	ErrConnectionReset = errors.New("queue: connection reset")
	// ErrDeadlineExceeded settles a Call whose CallTimeout elapsed without a Reply.
	ErrDeadlineExceeded = errors.New("queue: call deadline exceeded")
	ErrClosed           = errors.New("queue: closed")
	// ErrInvalidEnvelope is returned by ReceiveBytes/ReceivePacket for frames that
	// are not RPC packets. It is connection-level: transports drop the channel.
	ErrInvalidEnvelope = message.ErrInvalidEnvelope
)

// Reply error texts produced by the queue itself.
const (
	GenericError        = "Error"
	ErrTextFunNotMapped = "Invalid funcall: fun not mapped"
	ErrTextFunNotString = "Invalid funcall: fun is not a string"
)

// ValidationError is an error meant for the caller. Its text travels verbatim in
// the Reply; every other handler error is masked as GenericError.
type ValidationError string

func (e ValidationError) Error() string {
	return string(e)
}

// Reject builds a ValidationError.
func Reject(format string, args ...any) error {
	if len(args) == 0 {
		return ValidationError(format)
	}
	return ValidationError(fmt.Sprintf(format, args...))
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// RemoteError is how a failed Reply surfaces to the caller.
type RemoteError struct {
	ID      uint64
	Fun     string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// RemoteMessage returns the remote error text if err is a *RemoteError.
func RemoteMessage(err error) (string, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message, true
	}
	return "", false
}
