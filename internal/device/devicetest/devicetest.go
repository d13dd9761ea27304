// Package devicetest provides a scriptable in-memory device.Driver for tests
package devicetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/codefionn/paybridge/internal/device"
	"github.com/codefionn/paybridge/internal/protocol"
)

// Driver is a fake device.Driver. Zero value is usable; exported fields may
// be set before the driver is shared.
type Driver struct {
	Devices       []protocol.DeviceDescriptor
	ListErr       error
	NewSessionErr error

	// Configure is applied to every session the driver creates
	Configure func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDriver creates a driver exposing the given device ids
func NewDriver(deviceIDs ...string) *Driver {
	d := &Driver{}
	for i, id := range deviceIDs {
		d.Devices = append(d.Devices, protocol.DeviceDescriptor{
			ID:   id,
			Name: fmt.Sprintf("Test terminal %d", i+1),
			Port: fmt.Sprintf("/dev/ttyTEST%d", i),
		})
	}
	return d
}

// ListDevices returns the configured devices
func (d *Driver) ListDevices(ctx context.Context) ([]protocol.DeviceDescriptor, error) {
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	return append([]protocol.DeviceDescriptor(nil), d.Devices...), nil
}

// NewSession creates a session for contextID
func (d *Driver) NewSession(contextID string) (device.Session, error) {
	if d.NewSessionErr != nil {
		return nil, d.NewSessionErr
	}
	s := &Session{ContextID: contextID, known: make(map[string]bool)}
	for _, dev := range d.Devices {
		s.known[dev.ID] = true
	}
	if d.Configure != nil {
		d.Configure(s)
	}

	d.mu.Lock()
	if d.sessions == nil {
		d.sessions = make(map[string]*Session)
	}
	d.sessions[contextID] = s
	d.mu.Unlock()
	return s, nil
}

// Session returns the most recent session created for contextID
func (d *Driver) Session(contextID string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[contextID]
}

// Session is a fake device.Session that records calls
type Session struct {
	ContextID string

	// Errors returned by the matching method when set
	InitErr    error
	StatusErr  error
	ProcessErr error
	FinishErr  error
	DisplayErr error
	CloseErr   error

	// ProcessStatus overrides the status of every process result
	ProcessStatus protocol.PaymentStatus
	// PanicIn makes the named method ("initialize", "process", ...) panic
	PanicIn string
	// Gate, when set, blocks Process until it is closed
	Gate chan struct{}
	// InitGate, when set, blocks the first Initialize until it is closed;
	// that call then reports an indeterminate outcome
	InitGate chan struct{}

	mu          sync.Mutex
	known       map[string]bool
	deviceID    string
	initialized bool
	closed      bool
	closeCalls  int
	initCalls   int
	calls       []string
	displayed   []string
	onError     device.ErrorCallback
}

func (s *Session) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.PanicIn == call {
		panic(fmt.Sprintf("devicetest: panic in %s", call))
	}
}

// Initialize binds the session to a device. Unknown devices yield an
// indeterminate outcome.
func (s *Session) Initialize(ctx context.Context, params protocol.InitializeParams, onError device.ErrorCallback) (device.InitOutcome, error) {
	s.mu.Lock()
	s.initCalls++
	first := s.initCalls == 1
	s.mu.Unlock()
	s.record("initialize")

	if first && s.InitGate != nil {
		select {
		case <-s.InitGate:
			return device.InitIndeterminate, nil
		case <-ctx.Done():
			return device.InitIndeterminate, ctx.Err()
		}
	}
	if s.InitErr != nil {
		return device.InitIndeterminate, s.InitErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.InitIndeterminate, device.ErrSessionClosed
	}
	if !s.known[params.DeviceID] {
		return device.InitIndeterminate, nil
	}
	s.onError = onError
	if s.initialized && s.deviceID == params.DeviceID {
		return device.InitAlreadyInitialized, nil
	}
	s.deviceID = params.DeviceID
	s.initialized = true
	return device.InitInitialized, nil
}

// Status reports the fake device state
func (s *Session) Status(ctx context.Context) (protocol.StatusSnapshot, error) {
	s.record("status")
	if s.StatusErr != nil {
		return protocol.StatusSnapshot{}, s.StatusErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "idle"
	if !s.initialized {
		state = "uninitialized"
	}
	return protocol.StatusSnapshot{
		DeviceID:    s.deviceID,
		Connected:   s.initialized,
		Initialized: s.initialized,
		State:       state,
	}, nil
}

// Process returns an Accepted result unless configured otherwise
func (s *Session) Process(ctx context.Context, params protocol.ProcessParams) (protocol.ProcessResult, error) {
	s.record("process")
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return protocol.ProcessResult{}, ctx.Err()
		}
	}
	if s.ProcessErr != nil {
		return protocol.ProcessResult{}, s.ProcessErr
	}
	status := s.ProcessStatus
	if status == "" {
		status = protocol.PaymentAccepted
	}
	return protocol.ProcessResult{
		Status:        status,
		TransactionID: "txn-" + s.ContextID,
		Amount:        params.Amount,
		Currency:      params.Currency,
	}, nil
}

// Finish records the call
func (s *Session) Finish(ctx context.Context, params protocol.FinishParams) error {
	s.record("finish")
	return s.FinishErr
}

// DisplayMessage records the message
func (s *Session) DisplayMessage(ctx context.Context, params protocol.DisplayMessageParams) error {
	s.record("display_message")
	if s.DisplayErr != nil {
		return s.DisplayErr
	}
	s.mu.Lock()
	s.displayed = append(s.displayed, params.Message)
	s.mu.Unlock()
	return nil
}

// Close marks the session closed
func (s *Session) Close(ctx context.Context) error {
	s.record("close")
	s.mu.Lock()
	s.closed = true
	s.closeCalls++
	s.mu.Unlock()
	return s.CloseErr
}

// RaiseError invokes the error callback registered by Initialize
func (s *Session) RaiseError(err error) bool {
	s.mu.Lock()
	cb := s.onError
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(err)
	return true
}

// Calls returns the methods invoked so far, in order
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Displayed returns the messages shown so far
func (s *Session) Displayed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.displayed...)
}

// Closed reports whether Close was called, and how often
func (s *Session) Closed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCalls
}
