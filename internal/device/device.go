// Package device declares the collaborator the bridge drives: a Driver that
// can enumerate payment terminals and open one Session per context.
//
// Implementations own the hardware protocol. Calls may block on device I/O
// and are expected to honour ctx cancellation where the hardware allows it.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/paybridge/internal/protocol"
)

// ErrSessionClosed is returned by a Session used after Close
var ErrSessionClosed = errors.New("device: session closed")

// InitOutcome is the tri-state result of Session.Initialize
type InitOutcome int

const (
	// InitIndeterminate means the device did not answer as expected; the
	// usual cause is a wrong port.
	InitIndeterminate InitOutcome = iota
	// InitInitialized means the device was initialized by this call
	InitInitialized
	// InitAlreadyInitialized means the session was already initialized on
	// the same device
	InitAlreadyInitialized
)

func (o InitOutcome) String() string {
	switch o {
	case InitInitialized:
		return "initialized"
	case InitAlreadyInitialized:
		return "already_initialized"
	default:
		return "indeterminate"
	}
}

// ErrorCallback receives errors the device raises outside of any request,
// for example a terminal reporting a paper-out or tamper code.
type ErrorCallback func(err error)

// Driver enumerates devices and opens sessions
type Driver interface {
	ListDevices(ctx context.Context) ([]protocol.DeviceDescriptor, error)
	NewSession(contextID string) (Session, error)
}

// Session is the device-side state of one context
type Session interface {
	Initialize(ctx context.Context, params protocol.InitializeParams, onError ErrorCallback) (InitOutcome, error)
	Status(ctx context.Context) (protocol.StatusSnapshot, error)
	Process(ctx context.Context, params protocol.ProcessParams) (protocol.ProcessResult, error)
	Finish(ctx context.Context, params protocol.FinishParams) error
	DisplayMessage(ctx context.Context, params protocol.DisplayMessageParams) error
	// Close releases the device. It must be safe to call more than once.
	Close(ctx context.Context) error
}

// DeviceError is an asynchronous error code raised by a device
type DeviceError struct {
	DeviceID string
	Code     int
	Message  string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device %s reported error code %d", e.DeviceID, e.Code)
	}
	return fmt.Sprintf("device %s reported error code %d: %s", e.DeviceID, e.Code, e.Message)
}
