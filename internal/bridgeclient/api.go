package bridgeclient

import (
	"context"
	"fmt"

	"github.com/codefionn/paybridge/internal/protocol"
)

// call runs req and turns error responses into *ResponseError. A response
// of an unexpected type is an error as well.
func (c *Client) call(ctx context.Context, req *protocol.Request, want protocol.ResponseKind) (*protocol.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.ResponseError {
		return resp, &ResponseError{ContextID: resp.ContextID, Message: resp.Error}
	}
	if resp.Type != want && !(want == protocol.ResponseInitialized && resp.Type == protocol.ResponseAlreadyInitialized) {
		return resp, fmt.Errorf("expected %s response, got %s", want, resp.Type)
	}
	return resp, nil
}

// ListDevices lists the devices the bridge can reach
func (c *Client) ListDevices(ctx context.Context, contextID string) ([]protocol.DeviceDescriptor, error) {
	resp, err := c.call(ctx, &protocol.Request{ContextID: contextID, Type: protocol.KindListDevices}, protocol.ResponseDevicesListed)
	if err != nil {
		return nil, err
	}
	return resp.DeviceList, nil
}

// Initialize binds contextID to a device. The response type tells whether
// the device was already initialized for the context.
func (c *Client) Initialize(ctx context.Context, contextID string, params protocol.InitializeParams) (*protocol.Response, error) {
	return c.call(ctx, &protocol.Request{
		ContextID:  contextID,
		Type:       protocol.KindInitialize,
		Initialize: &params,
	}, protocol.ResponseInitialized)
}

// Process runs a payment. A declined or cancelled payment is returned as a
// *ResponseError.
func (c *Client) Process(ctx context.Context, contextID string, params protocol.ProcessParams) (*protocol.ProcessResult, error) {
	resp, err := c.call(ctx, &protocol.Request{
		ContextID: contextID,
		Type:      protocol.KindProcess,
		Process:   &params,
	}, protocol.ResponseProcessed)
	if err != nil {
		return nil, err
	}
	return resp.ProcessResult, nil
}

// Finish completes the current transaction
func (c *Client) Finish(ctx context.Context, contextID string, params protocol.FinishParams) error {
	_, err := c.call(ctx, &protocol.Request{
		ContextID: contextID,
		Type:      protocol.KindFinish,
		Finish:    &params,
	}, protocol.ResponseFinished)
	return err
}

// DisplayMessage shows a message on the context's device
func (c *Client) DisplayMessage(ctx context.Context, contextID string, params protocol.DisplayMessageParams) error {
	_, err := c.call(ctx, &protocol.Request{
		ContextID:      contextID,
		Type:           protocol.KindDisplayMessage,
		DisplayMessage: &params,
	}, protocol.ResponseMessageDisplayed)
	return err
}

// Status returns the device status of a context
func (c *Client) Status(ctx context.Context, contextID string) (*protocol.StatusSnapshot, error) {
	resp, err := c.call(ctx, &protocol.Request{ContextID: contextID, Type: protocol.KindStatus}, protocol.ResponseStatus)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// CloseContext closes a context on the bridge and frees its device
func (c *Client) CloseContext(ctx context.Context, contextID string) error {
	_, err := c.call(ctx, &protocol.Request{ContextID: contextID, Type: protocol.KindCloseContext}, protocol.ResponseContextClosed)
	return err
}
