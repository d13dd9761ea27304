// Package bridgeclient provides a client library for talking to a running
// paybridge over WebSocket.
//
// Requests are matched to responses by context id: the oldest pending
// request of a context receives the next response carrying that id.
// Responses that answer no pending request, such as asynchronous device
// errors, are delivered on Unsolicited.
//
// Basic Usage
//
//	client, err := bridgeclient.NewClient("ws://localhost:8936/ws")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if _, err := client.Initialize(ctx, "lane-1", protocol.InitializeParams{DeviceID: "emu-1"}); err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := client.Process(ctx, "lane-1", protocol.ProcessParams{Amount: 1250, Currency: "EUR"})
//
// A context outlives the connection that created it. After a reconnect the
// same context id continues where it left off.
package bridgeclient
