package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PaymentStatus is the outcome reported by the device for a transaction
type PaymentStatus string

// Payment statuses
const (
	PaymentAccepted  PaymentStatus = "Accepted"
	PaymentDeclined  PaymentStatus = "Declined"
	PaymentCancelled PaymentStatus = "Cancelled"
	PaymentFailed    PaymentStatus = "Failed"
	PaymentTimeout   PaymentStatus = "Timeout"
)

// InitializeParams selects and configures the device a context binds to
type InitializeParams struct {
	DeviceID   string `json:"device_id"`
	TerminalID string `json:"terminal_id,omitempty"`
	Language   string `json:"language,omitempty"`
}

// ProcessParams describes a payment to run on the bound device.
// Amount is expressed in minor currency units.
type ProcessParams struct {
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Reference       string `json:"reference,omitempty"`
	TransactionType string `json:"transaction_type,omitempty"` // "purchase" (default) or "refund"
}

// FinishParams closes out the current transaction
type FinishParams struct {
	Reference    string `json:"reference,omitempty"`
	PrintReceipt bool   `json:"print_receipt,omitempty"`
}

// DisplayMessageParams shows a message on the device display
type DisplayMessageParams struct {
	Message    string `json:"message"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// DeviceDescriptor describes one device the driver can reach
type DeviceDescriptor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Port    string `json:"port,omitempty"`
	Model   string `json:"model,omitempty"`
	InUseBy string `json:"in_use_by,omitempty"`
}

// StatusSnapshot is the device state seen by one context
type StatusSnapshot struct {
	DeviceID         string         `json:"device_id,omitempty"`
	Connected        bool           `json:"connected"`
	Initialized      bool           `json:"initialized"`
	State            string         `json:"state"`
	CurrentOperation string         `json:"current_operation"`
	LastTransaction  *ProcessResult `json:"last_transaction,omitempty"`
	Message          string         `json:"message,omitempty"`
}

// ProcessResult is what the device reports after a payment attempt
type ProcessResult struct {
	Status            PaymentStatus `json:"status"`
	TransactionID     string        `json:"transaction_id,omitempty"`
	AuthorizationCode string        `json:"authorization_code,omitempty"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency,omitempty"`
	Message           string        `json:"message,omitempty"`
}

// Request is one inbound command. At most one payload field is set and it
// always matches Type.
type Request struct {
	ContextID string
	Type      Kind
	// RawType keeps the request_type string as sent, which differs from
	// Type only for unknown commands.
	RawType string

	Initialize     *InitializeParams
	Process        *ProcessParams
	Finish         *FinishParams
	DisplayMessage *DisplayMessageParams
}

type wireRequest struct {
	ContextID      *string               `json:"context_id"`
	RequestType    *string               `json:"request_type"`
	Initialize     *InitializeParams     `json:"initialize_params,omitempty"`
	Process        *ProcessParams        `json:"process_params,omitempty"`
	Finish         *FinishParams         `json:"finish_params,omitempty"`
	DisplayMessage *DisplayMessageParams `json:"display_message_params,omitempty"`
}

// MarshalJSON encodes the request in its wire shape
func (r Request) MarshalJSON() ([]byte, error) {
	id := r.ContextID
	typ := r.RawType
	if typ == "" {
		typ = string(r.Type)
	}
	return json.Marshal(wireRequest{
		ContextID:      &id,
		RequestType:    &typ,
		Initialize:     r.Initialize,
		Process:        r.Process,
		Finish:         r.Finish,
		DisplayMessage: r.DisplayMessage,
	})
}

// payloadNames returns the wire names of the payloads present on the request
func (r *Request) payloadNames() []string {
	var names []string
	if r.Initialize != nil {
		names = append(names, "initialize_params")
	}
	if r.Process != nil {
		names = append(names, "process_params")
	}
	if r.Finish != nil {
		names = append(names, "finish_params")
	}
	if r.DisplayMessage != nil {
		names = append(names, "display_message_params")
	}
	return names
}

// Validate checks that the payload matches the request kind
func (r *Request) Validate() error {
	if r.Type == KindUnknown {
		return nil
	}

	var expected string
	switch r.Type {
	case KindInitialize:
		expected = "initialize_params"
		if r.Initialize == nil {
			return fmt.Errorf("%w: initialize requires initialize_params", ErrInvalidPayload)
		}
		if strings.TrimSpace(r.Initialize.DeviceID) == "" {
			return fmt.Errorf("%w: initialize_params.device_id is required", ErrInvalidPayload)
		}
	case KindProcess:
		expected = "process_params"
		if r.Process == nil {
			return fmt.Errorf("%w: process requires process_params", ErrInvalidPayload)
		}
		if r.Process.Amount < 0 {
			return fmt.Errorf("%w: process_params.amount must not be negative", ErrInvalidPayload)
		}
		if strings.TrimSpace(r.Process.Currency) == "" {
			return fmt.Errorf("%w: process_params.currency is required", ErrInvalidPayload)
		}
	case KindFinish:
		expected = "finish_params"
	case KindDisplayMessage:
		expected = "display_message_params"
		if r.DisplayMessage == nil {
			return fmt.Errorf("%w: display_message requires display_message_params", ErrInvalidPayload)
		}
	case KindListDevices, KindStatus, KindCloseContext:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Type)
	}

	for _, name := range r.payloadNames() {
		if name != expected {
			return fmt.Errorf("%w: %s not allowed for %s", ErrInvalidPayload, name, r.Type)
		}
	}
	return nil
}

// Response is one outbound message. Error is non-empty iff Type is
// ResponseError.
type Response struct {
	ContextID     string
	Type          ResponseKind
	DeviceList    []DeviceDescriptor
	Status        *StatusSnapshot
	ProcessResult *ProcessResult
	Error         string
}

type wireResponse struct {
	ContextID     string              `json:"context_id"`
	ResponseType  ResponseKind        `json:"response_type"`
	DeviceList    *[]DeviceDescriptor `json:"device_list,omitempty"`
	Status        *StatusSnapshot     `json:"status,omitempty"`
	ProcessResult *ProcessResult      `json:"process_result,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// MarshalJSON encodes the response in its wire shape. A devices_listed
// response always carries device_list, even when empty.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{
		ContextID:     r.ContextID,
		ResponseType:  r.Type,
		Status:        r.Status,
		ProcessResult: r.ProcessResult,
		Error:         r.Error,
	}
	if r.Type == ResponseDevicesListed || len(r.DeviceList) > 0 {
		list := r.DeviceList
		if list == nil {
			list = []DeviceDescriptor{}
		}
		w.DeviceList = &list
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a response from its wire shape
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Response{
		ContextID:     w.ContextID,
		Type:          w.ResponseType,
		Status:        w.Status,
		ProcessResult: w.ProcessResult,
		Error:         w.Error,
	}
	if w.DeviceList != nil {
		r.DeviceList = *w.DeviceList
	}
	return nil
}

// Validate checks the error/response_type invariant
func (r *Response) Validate() error {
	isError := r.Type == ResponseError
	if isError && r.Error == "" {
		return fmt.Errorf("%w: error response without message", ErrInvalidResponse)
	}
	if !isError && r.Error != "" {
		return fmt.Errorf("%w: %s response carries an error", ErrInvalidResponse, r.Type)
	}
	return nil
}

// NewResponse creates a non-error response for a context
func NewResponse(contextID string, kind ResponseKind) *Response {
	return &Response{
		ContextID: contextID,
		Type:      kind,
	}
}

// NewError creates an error response for a context
func NewError(contextID string, message string) *Response {
	if message == "" {
		message = "unknown error"
	}
	return &Response{
		ContextID: contextID,
		Type:      ResponseError,
		Error:     message,
	}
}

// NewErrorf creates an error response with a formatted message
func NewErrorf(contextID string, format string, args ...interface{}) *Response {
	return NewError(contextID, fmt.Sprintf(format, args...))
}

// NewUnsolicitedError creates an error response not tied to any request.
// contextID names the context that raised err, or is empty for transport
// faults.
func NewUnsolicitedError(contextID string, err error) *Response {
	if err == nil {
		return NewError(contextID, "")
	}
	return NewError(contextID, err.Error())
}
