// Package protocol defines the paybridge wire schema.
//
// Clients send one JSON object per WebSocket text frame:
//
//	{"context_id":"s1","request_type":"initialize","initialize_params":{"device_id":"emu-1"}}
//
// and receive exactly one response per request, echoing the context id:
//
//	{"context_id":"s1","response_type":"initialized"}
//
// Field names are lower snake case and form a fixed contract with existing
// clients. Request kinds are a closed set (see Kind); any other
// request_type decodes to KindUnknown and is answered with unknown_command.
// Error responses always carry a human readable "error" string and no other
// response type ever does.
package protocol
