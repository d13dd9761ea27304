// Package bridge turns inbound protocol messages into device operations.
//
// A Handler serves one client connection. For every message it decodes the
// request, resolves the context in the shared registry, admits the request
// through the sequencing validator and dispatches it to the context's
// device session. Every outcome, including decode failures, sequencing
// rejections, device errors and panics, is turned into exactly one response
// that is handed to the connection's Sender.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/codefionn/paybridge/internal/device"
	"github.com/codefionn/paybridge/internal/journal"
	"github.com/codefionn/paybridge/internal/logger"
	"github.com/codefionn/paybridge/internal/protocol"
	"github.com/codefionn/paybridge/internal/registry"
	"github.com/codefionn/paybridge/internal/sequencing"
)

// Sender delivers responses to the client. Send returns false when the
// connection is already closed and the response was discarded.
type Sender interface {
	Send(resp *protocol.Response) bool
}

// Observer receives handler events, typically for metrics
type Observer interface {
	RequestReceived(kind protocol.Kind)
	ResponseSent(kind protocol.ResponseKind)
	SequenceRejected(kind protocol.Kind)
	DecodeFailed()
	SendDropped()
}

type nopObserver struct{}

func (nopObserver) RequestReceived(protocol.Kind) {}
func (nopObserver) ResponseSent(protocol.ResponseKind) {}
func (nopObserver) SequenceRejected(protocol.Kind) {}
func (nopObserver) DecodeFailed() {}
func (nopObserver) SendDropped() {}

// Options holds the collaborators shared by all handlers of a process.
// Zero fields get defaults.
type Options struct {
	Validator *sequencing.Validator
	Recorder  journal.Recorder
	Observer  Observer
	Logger    *logger.Logger
}

// Handler serves the requests of one connection
type Handler struct {
	registry  *registry.Registry
	sender    Sender
	validator *sequencing.Validator
	recorder  journal.Recorder
	observer  Observer
	log       *logger.Logger
}

// New creates a handler for one connection
func New(reg *registry.Registry, sender Sender, opts Options) *Handler {
	h := &Handler{
		registry:  reg,
		sender:    sender,
		validator: opts.Validator,
		recorder:  opts.Recorder,
		observer:  opts.Observer,
		log:       opts.Logger,
	}
	if h.validator == nil {
		h.validator = sequencing.NewValidator(nil)
	}
	if h.recorder == nil {
		h.recorder = journal.Nop{}
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	if h.log == nil {
		h.log = logger.Global().WithPrefix("bridge")
	}
	return h
}

// Handle processes one inbound message and sends its response. It never
// panics.
func (h *Handler) Handle(ctx context.Context, raw []byte) {
	req, err := protocol.Decode(raw)
	if err != nil {
		h.observer.DecodeFailed()
		h.respond(h.decodeFailure(err))
		return
	}

	h.observer.RequestReceived(req.Type)
	h.respond(h.serve(ctx, req))
}

// ReportError sends an error that is not the answer to any request.
// contextID is the context that raised it, or empty for transport faults.
func (h *Handler) ReportError(contextID string, err error) {
	if contextID == "" {
		h.log.Warn("Transport error: %v", err)
	} else {
		h.log.Warn("Device error on context %s: %v", contextID, err)
	}
	h.respond(protocol.NewUnsolicitedError(contextID, err))
}

func (h *Handler) decodeFailure(err error) *protocol.Response {
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		h.log.Warn("Rejected message (context %q, type %q): %v", decodeErr.ContextID, decodeErr.RawType, decodeErr.Err)
		return protocol.NewError(decodeErr.ContextID, err.Error())
	}
	h.log.Warn("Rejected message: %v", err)
	return protocol.NewError("", err.Error())
}

// serve runs one decoded request. Handler faults, including panics, become
// error responses.
func (h *Handler) serve(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Panic handling %s request for context %s: %v\n%s", req.Type, req.ContextID, r, debug.Stack())
			resp = h.faultResponse(req, fmt.Errorf("panic: %v", r))
		}
	}()

	// Unknown commands bypass the registry and the gate.
	if req.Type == protocol.KindUnknown {
		h.log.Debug("Unknown command %q from context %s", req.RawType, req.ContextID)
		return protocol.NewResponse(req.ContextID, protocol.ResponseUnknownCommand)
	}

	if req.Type == protocol.KindCloseContext {
		h.registry.Close(ctx, req.ContextID)
		return protocol.NewResponse(req.ContextID, protocol.ResponseContextClosed)
	}

	c, err := h.registry.GetOrCreate(req.ContextID)
	if err != nil {
		h.log.Warn("Context %s: %v", req.ContextID, err)
		return protocol.NewError(req.ContextID, err.Error())
	}
	c.Touch(h)

	var guard func() error
	claimed := false
	if req.Type == protocol.KindInitialize {
		deviceID := req.Initialize.DeviceID
		guard = func() error {
			var claimErr error
			claimed, claimErr = h.registry.Claim(deviceID, c.ID())
			return claimErr
		}
	}

	if err := h.validator.Advance(c, req.Type, guard); err != nil {
		var seqErr *sequencing.SequenceError
		if errors.As(err, &seqErr) {
			h.observer.SequenceRejected(req.Type)
		}
		h.log.Info("Rejected %s request for context %s: %v", req.Type, req.ContextID, err)
		return protocol.NewError(req.ContextID, err.Error())
	}

	resp, err = h.dispatch(ctx, c, req, claimed)
	if err != nil {
		return h.errorResponse(req, err)
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, c *registry.Context, req *protocol.Request, claimed bool) (*protocol.Response, error) {
	switch req.Type {
	case protocol.KindListDevices:
		return h.listDevices(ctx, req)
	case protocol.KindInitialize:
		return h.initialize(ctx, c, req, claimed)
	case protocol.KindProcess:
		return h.process(ctx, c, req)
	case protocol.KindFinish:
		return h.finish(ctx, c, req)
	case protocol.KindDisplayMessage:
		return h.displayMessage(ctx, c, req)
	case protocol.KindStatus:
		return h.status(ctx, c, req)
	case protocol.KindCloseContext:
		h.registry.Close(ctx, c.ID())
		return protocol.NewResponse(req.ContextID, protocol.ResponseContextClosed), nil
	case protocol.KindUnknown:
		return protocol.NewResponse(req.ContextID, protocol.ResponseUnknownCommand), nil
	case protocol.KindNone:
		return nil, fmt.Errorf("%w: empty request type", protocol.ErrUnknownKind)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, req.Type)
	}
}

func (h *Handler) listDevices(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	devices, err := h.registry.Driver().ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].InUseBy = h.registry.DeviceContextName(devices[i].ID)
	}
	resp := protocol.NewResponse(req.ContextID, protocol.ResponseDevicesListed)
	resp.DeviceList = devices
	return resp, nil
}

func (h *Handler) initialize(ctx context.Context, c *registry.Context, req *protocol.Request, claimed bool) (*protocol.Response, error) {
	params := *req.Initialize
	contextID := c.ID()

	// The callback resolves the reporter when the device raises, so errors
	// reach the connection that used the context last.
	outcome, err := c.Session().Initialize(ctx, params, func(deviceErr error) {
		if !c.ReportError(deviceErr) {
			h.log.Warn("Dropped device error for context %s: %v", contextID, deviceErr)
		}
	})
	if err != nil || outcome == device.InitIndeterminate {
		if claimed {
			h.registry.Release(params.DeviceID, contextID)
		}
		h.log.Warn("Initialize of device %s for context %s failed (outcome %s): %v", params.DeviceID, contextID, outcome, err)
		return nil, &InitError{DeviceID: params.DeviceID, Cause: err}
	}

	if err := h.registry.Bind(c, params.DeviceID); err != nil {
		h.log.Warn("Context %s lost device %s during initialize: %v", contextID, params.DeviceID, err)
		return nil, err
	}

	switch outcome {
	case device.InitAlreadyInitialized:
		return protocol.NewResponse(req.ContextID, protocol.ResponseAlreadyInitialized), nil
	default:
		h.log.Info("Context %s initialized device %s", contextID, params.DeviceID)
		return protocol.NewResponse(req.ContextID, protocol.ResponseInitialized), nil
	}
}

func (h *Handler) process(ctx context.Context, c *registry.Context, req *protocol.Request) (*protocol.Response, error) {
	params := *req.Process
	entry := journal.Entry{
		ContextID: c.ID(),
		DeviceID:  c.DeviceID(),
		Operation: string(protocol.KindProcess),
		Reference: params.Reference,
		Amount:    params.Amount,
		Currency:  params.Currency,
	}

	result, err := c.Session().Process(ctx, params)
	if err != nil {
		entry.Status = string(protocol.PaymentFailed)
		entry.Error = err.Error()
		h.record(ctx, entry)
		return nil, err
	}

	entry.Status = string(result.Status)
	entry.TransactionID = result.TransactionID
	h.record(ctx, entry)

	if result.Status != protocol.PaymentAccepted {
		return nil, &TransactionError{Result: result}
	}
	resp := protocol.NewResponse(req.ContextID, protocol.ResponseProcessed)
	resp.ProcessResult = &result
	return resp, nil
}

func (h *Handler) finish(ctx context.Context, c *registry.Context, req *protocol.Request) (*protocol.Response, error) {
	var params protocol.FinishParams
	if req.Finish != nil {
		params = *req.Finish
	}
	if err := c.Session().Finish(ctx, params); err != nil {
		return nil, err
	}
	h.record(ctx, journal.Entry{
		ContextID: c.ID(),
		DeviceID:  c.DeviceID(),
		Operation: string(protocol.KindFinish),
		Reference: params.Reference,
		Status:    string(protocol.ResponseFinished),
	})
	return protocol.NewResponse(req.ContextID, protocol.ResponseFinished), nil
}

func (h *Handler) displayMessage(ctx context.Context, c *registry.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := c.Session().DisplayMessage(ctx, *req.DisplayMessage); err != nil {
		return nil, err
	}
	return protocol.NewResponse(req.ContextID, protocol.ResponseMessageDisplayed), nil
}

func (h *Handler) status(ctx context.Context, c *registry.Context, req *protocol.Request) (*protocol.Response, error) {
	snapshot, err := c.Session().Status(ctx)
	if err != nil {
		return nil, err
	}
	resp := protocol.NewResponse(req.ContextID, protocol.ResponseStatus)
	resp.Status = &snapshot
	return resp, nil
}

func (h *Handler) record(ctx context.Context, entry journal.Entry) {
	if err := h.recorder.Record(ctx, entry); err != nil {
		h.log.Warn("Journal: %v", err)
	}
}

// errorResponse maps a dispatch error to the client-facing message
func (h *Handler) errorResponse(req *protocol.Request, err error) *protocol.Response {
	var (
		initErr  *InitError
		txErr    *TransactionError
		inUseErr *registry.DeviceInUseError
	)
	switch {
	case errors.As(err, &initErr), errors.As(err, &txErr), errors.As(err, &inUseErr):
		return protocol.NewError(req.ContextID, err.Error())
	default:
		h.log.Warn("Error handling %s request for context %s: %v", req.Type, req.ContextID, err)
		return h.faultResponse(req, err)
	}
}

// faultResponse builds the generic error response. A panic while building
// it is logged and yields no response.
func (h *Handler) faultResponse(req *protocol.Request, err error) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Failed to build error response for context %s: %v", req.ContextID, r)
			resp = nil
		}
	}()
	return protocol.NewErrorf(req.ContextID, "Error handling %s request: %v", req.Type, err)
}

// respond hands resp to the sender. A panic in the sender is logged and the
// response is lost.
func (h *Handler) respond(resp *protocol.Response) {
	if resp == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Failed to send %s response for context %s: %v", resp.Type, resp.ContextID, r)
		}
	}()

	if !h.sender.Send(resp) {
		h.observer.SendDropped()
		return
	}
	h.observer.ResponseSent(resp.Type)
}
