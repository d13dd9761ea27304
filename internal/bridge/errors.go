package bridge

import (
	"errors"
	"fmt"

	"github.com/codefionn/paybridge/internal/protocol"
)

// ErrInitIndeterminate means a device did not confirm initialization
var ErrInitIndeterminate = errors.New("bridge: initialize outcome indeterminate")

// InitError reports a failed or indeterminate initialize. Cause is the
// device error, if the device returned one.
type InitError struct {
	DeviceID string
	Cause    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("Failed to initialize device %s, possibly wrong port", e.DeviceID)
}

func (e *InitError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrInitIndeterminate}
	}
	return []error{ErrInitIndeterminate, e.Cause}
}

// TransactionError reports a payment that completed with a status other
// than Accepted
type TransactionError struct {
	Result protocol.ProcessResult
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("Transaction %s", e.Result.Status)
}
