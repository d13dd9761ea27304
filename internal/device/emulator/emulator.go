// Package emulator implements device.Driver with simulated payment
// terminals, so the bridge runs without hardware attached.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/paybridge/internal/device"
	"github.com/codefionn/paybridge/internal/logger"
	"github.com/codefionn/paybridge/internal/protocol"
)

// ErrNotInitialized is returned for payment operations on a session that
// has no initialized terminal
var ErrNotInitialized = errors.New("emulator: terminal not initialized")

// Terminal describes one emulated device
type Terminal struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Port  string `json:"port,omitempty" yaml:"port,omitempty"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Config controls the emulated terminals
type Config struct {
	Terminals []Terminal
	// DeclineOver declines every amount above it; 0 disables declines
	DeclineOver int64
	// Latency is added to every process call
	Latency time.Duration
}

// DefaultTerminals is used when Config lists no terminals
func DefaultTerminals() []Terminal {
	return []Terminal{
		{ID: "emu-1", Name: "Emulated terminal 1", Port: "/dev/ttyEMU0", Model: "paybridge-emu"},
		{ID: "emu-2", Name: "Emulated terminal 2", Port: "/dev/ttyEMU1", Model: "paybridge-emu"},
	}
}

// Driver is an emulated device.Driver
type Driver struct {
	cfg       Config
	terminals map[string]Terminal
	log       *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an emulator driver
func New(cfg Config) *Driver {
	if len(cfg.Terminals) == 0 {
		cfg.Terminals = DefaultTerminals()
	}
	d := &Driver{
		cfg:       cfg,
		terminals: make(map[string]Terminal, len(cfg.Terminals)),
		sessions:  make(map[string]*Session),
		log:       logger.Global().WithPrefix("emulator"),
	}
	for _, t := range cfg.Terminals {
		d.terminals[t.ID] = t
	}
	return d
}

// ListDevices returns the configured terminals in configuration order
func (d *Driver) ListDevices(ctx context.Context) ([]protocol.DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := make([]protocol.DeviceDescriptor, 0, len(d.cfg.Terminals))
	for _, t := range d.cfg.Terminals {
		devices = append(devices, protocol.DeviceDescriptor{
			ID:    t.ID,
			Name:  t.Name,
			Port:  t.Port,
			Model: t.Model,
		})
	}
	return devices, nil
}

// NewSession opens a session for a context
func (d *Driver) NewSession(contextID string) (device.Session, error) {
	s := &Session{driver: d, contextID: contextID, state: "uninitialized"}

	d.mu.Lock()
	d.sessions[contextID] = s
	d.mu.Unlock()

	d.log.Debug("Opened session for context %s", contextID)
	return s, nil
}

// InjectError raises an asynchronous device error on the session of
// contextID, as a real terminal would on paper-out or tamper. It returns
// false when the context has no initialized session.
func (d *Driver) InjectError(contextID string, code int, message string) bool {
	d.mu.Lock()
	s := d.sessions[contextID]
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.raise(code, message)
}

func (d *Driver) forget(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[s.contextID] == s {
		delete(d.sessions, s.contextID)
	}
}

// Session is one context's view of an emulated terminal
type Session struct {
	driver    *Driver
	contextID string

	mu          sync.Mutex
	deviceID    string
	initialized bool
	closed      bool
	state       string
	operation   string
	lastTx      *protocol.ProcessResult
	message     string
	onError     device.ErrorCallback
}

func (s *Session) Initialize(ctx context.Context, params protocol.InitializeParams, onError device.ErrorCallback) (device.InitOutcome, error) {
	if err := ctx.Err(); err != nil {
		return device.InitIndeterminate, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return device.InitIndeterminate, device.ErrSessionClosed
	}
	if _, ok := s.driver.terminals[params.DeviceID]; !ok {
		s.driver.log.Warn("Context %s: no terminal answers as %s", s.contextID, params.DeviceID)
		return device.InitIndeterminate, nil
	}

	s.onError = onError
	if s.initialized && s.deviceID == params.DeviceID {
		return device.InitAlreadyInitialized, nil
	}

	s.deviceID = params.DeviceID
	s.initialized = true
	s.state = "idle"
	s.driver.log.Info("Context %s initialized terminal %s", s.contextID, params.DeviceID)
	return device.InitInitialized, nil
}

func (s *Session) Status(ctx context.Context) (protocol.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return protocol.StatusSnapshot{}, device.ErrSessionClosed
	}
	snapshot := protocol.StatusSnapshot{
		DeviceID:         s.deviceID,
		Connected:        s.initialized,
		Initialized:      s.initialized,
		State:            s.state,
		CurrentOperation: s.operation,
		Message:          s.message,
	}
	if s.lastTx != nil {
		tx := *s.lastTx
		snapshot.LastTransaction = &tx
	}
	return snapshot, nil
}

func (s *Session) Process(ctx context.Context, params protocol.ProcessParams) (protocol.ProcessResult, error) {
	if err := s.begin("process"); err != nil {
		return protocol.ProcessResult{}, err
	}

	if latency := s.driver.cfg.Latency; latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.end("idle", nil)
			return protocol.ProcessResult{}, ctx.Err()
		}
	}

	result := protocol.ProcessResult{
		Amount:   params.Amount,
		Currency: params.Currency,
	}
	switch {
	case params.Amount == 0:
		result.Status = protocol.PaymentCancelled
		result.Message = "Cancelled at terminal"
	case s.driver.cfg.DeclineOver > 0 && params.Amount > s.driver.cfg.DeclineOver:
		result.Status = protocol.PaymentDeclined
		result.Message = fmt.Sprintf("Amount exceeds limit of %d", s.driver.cfg.DeclineOver)
	default:
		id := uuid.New()
		result.Status = protocol.PaymentAccepted
		result.TransactionID = id.String()
		result.AuthorizationCode = strings.ToUpper(id.String()[:6])
	}

	s.end("awaiting_finish", &result)
	return result, nil
}

func (s *Session) Finish(ctx context.Context, params protocol.FinishParams) error {
	if err := s.begin("finish"); err != nil {
		return err
	}
	s.end("idle", nil)
	return nil
}

func (s *Session) DisplayMessage(ctx context.Context, params protocol.DisplayMessageParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	s.message = params.Message
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.initialized = false
	s.onError = nil
	s.state = "closed"
	s.mu.Unlock()

	if !already {
		s.driver.forget(s)
		s.driver.log.Debug("Closed session for context %s", s.contextID)
	}
	return nil
}

func (s *Session) begin(operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	s.operation = operation
	s.state = "busy"
	return nil
}

func (s *Session) end(state string, result *protocol.ProcessResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operation = ""
	s.state = state
	if result != nil {
		s.lastTx = result
	}
}

func (s *Session) raise(code int, message string) bool {
	s.mu.Lock()
	cb, deviceID := s.onError, s.deviceID
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(&device.DeviceError{DeviceID: deviceID, Code: code, Message: message})
	return true
}
