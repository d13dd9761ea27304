package protocol

// Kind identifies a request type on the wire
type Kind string

// Request kinds
const (
	// KindNone is the state of a context that has not accepted any
	// sequenced request yet. It never appears on the wire.
	KindNone           Kind = ""
	KindListDevices    Kind = "list_devices"
	KindInitialize     Kind = "initialize"
	KindProcess        Kind = "process"
	KindFinish         Kind = "finish"
	KindDisplayMessage Kind = "display_message"
	KindStatus         Kind = "status"
	KindCloseContext   Kind = "close_context"
	KindUnknown        Kind = "unknown_command"
)

// ParseKind maps a wire string to a Kind. Unrecognised strings map to
// KindUnknown.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindListDevices, KindInitialize, KindProcess, KindFinish,
		KindDisplayMessage, KindStatus, KindCloseContext, KindUnknown:
		return k
	default:
		return KindUnknown
	}
}

// String returns the wire name, or "none" for KindNone
func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// ResponseKind identifies a response type on the wire
type ResponseKind string

// Response kinds
const (
	ResponseDevicesListed      ResponseKind = "devices_listed"
	ResponseInitialized        ResponseKind = "initialized"
	ResponseAlreadyInitialized ResponseKind = "already_initialized"
	ResponseProcessed          ResponseKind = "processed"
	ResponseFinished           ResponseKind = "finished"
	ResponseMessageDisplayed   ResponseKind = "message_displayed"
	ResponseStatus             ResponseKind = "status"
	ResponseContextClosed      ResponseKind = "context_closed"
	ResponseError              ResponseKind = "error"
	ResponseUnknownCommand     ResponseKind = "unknown_command"
)

