package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnknownKind     = errors.New("unknown request kind")
	ErrInvalidResponse = errors.New("invalid response")
)

// DecodeError reports a message that could not be turned into a Request.
// ContextID and RawType hold whatever could be recovered from the raw
// bytes and are empty when nothing could be.
type DecodeError struct {
	ContextID string
	RawType   string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses and validates one inbound message
func Decode(data []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, decodeFailure(data, fmt.Errorf("%w: expected a JSON object", ErrMalformed))
	}

	var w wireRequest
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, decodeFailure(data, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if w.ContextID == nil {
		return nil, decodeFailure(data, fmt.Errorf("%w: context_id", ErrMissingField))
	}
	if w.RequestType == nil || *w.RequestType == "" {
		return nil, decodeFailure(data, fmt.Errorf("%w: request_type", ErrMissingField))
	}

	req := &Request{
		ContextID:      *w.ContextID,
		Type:           ParseKind(*w.RequestType),
		RawType:        *w.RequestType,
		Initialize:     w.Initialize,
		Process:        w.Process,
		Finish:         w.Finish,
		DisplayMessage: w.DisplayMessage,
	}
	if err := req.Validate(); err != nil {
		return nil, &DecodeError{ContextID: req.ContextID, RawType: req.RawType, Err: err}
	}
	return req, nil
}

// decodeFailure builds a DecodeError, salvaging the context id and request
// type from the raw bytes when they are still readable.
func decodeFailure(data []byte, err error) *DecodeError {
	de := &DecodeError{Err: err}
	if len(data) == 0 {
		return de
	}
	if id := gjson.GetBytes(data, "context_id"); id.Type == gjson.String {
		de.ContextID = id.Str
	}
	if typ := gjson.GetBytes(data, "request_type"); typ.Type == gjson.String {
		de.RawType = typ.Str
	}
	return de
}

// Encode serialises a response for the wire
func Encode(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", ErrInvalidResponse)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// EncodeRequest serialises a request for the wire
func EncodeRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrMalformed)
	}
	return json.Marshal(req)
}

// DecodeResponse parses one outbound message, as seen by a client
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &resp, nil
}
