package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/paybridge/internal/device"
	"github.com/codefionn/paybridge/internal/device/devicetest"
	"github.com/codefionn/paybridge/internal/journal"
	"github.com/codefionn/paybridge/internal/protocol"
	"github.com/codefionn/paybridge/internal/registry"
)

type recordingSender struct {
	mu        sync.Mutex
	closed    bool
	panicking bool
	responses []*protocol.Response
}

func (s *recordingSender) Send(resp *protocol.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicking {
		panic("sender exploded")
	}
	if s.closed {
		return false
	}
	s.responses = append(s.responses, resp)
	return true
}

func (s *recordingSender) all() []*protocol.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Response(nil), s.responses...)
}

func (s *recordingSender) last(t *testing.T) *protocol.Response {
	t.Helper()
	all := s.all()
	require.NotEmpty(t, all, "no response sent")
	return all[len(all)-1]
}

type countingObserver struct {
	mu       sync.Mutex
	received map[protocol.Kind]int
	sent     map[protocol.ResponseKind]int
	rejected int
	decode   int
	dropped  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		received: make(map[protocol.Kind]int),
		sent:     make(map[protocol.ResponseKind]int),
	}
}

func (o *countingObserver) RequestReceived(kind protocol.Kind) {
	o.mu.Lock()
	o.received[kind]++
	o.mu.Unlock()
}

func (o *countingObserver) ResponseSent(kind protocol.ResponseKind) {
	o.mu.Lock()
	o.sent[kind]++
	o.mu.Unlock()
}

func (o *countingObserver) SequenceRejected(protocol.Kind) {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *countingObserver) DecodeFailed() {
	o.mu.Lock()
	o.decode++
	o.mu.Unlock()
}

func (o *countingObserver) SendDropped() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *memoryRecorder) Record(_ context.Context, e journal.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	driver   *devicetest.Driver
	registry *registry.Registry
	observer *countingObserver
	recorder *memoryRecorder
}

func newFixture(deviceIDs ...string) *fixture {
	drv := devicetest.NewDriver(deviceIDs...)
	return &fixture{
		driver:   drv,
		registry: registry.New(drv),
		observer: newCountingObserver(),
		recorder: &memoryRecorder{},
	}
}

func (f *fixture) handler() (*Handler, *recordingSender) {
	sender := &recordingSender{}
	h := New(f.registry, sender, Options{Observer: f.observer, Recorder: f.recorder})
	return h, sender
}

func send(t *testing.T, h *Handler, sender *recordingSender, msg string) *protocol.Response {
	t.Helper()
	h.Handle(context.Background(), []byte(msg))
	return sender.last(t)
}

func initMsg(contextID, deviceID string) string {
	return fmt.Sprintf(`{"context_id":%q,"request_type":"initialize","initialize_params":{"device_id":%q}}`, contextID, deviceID)
}

func processMsg(contextID string, amount int64) string {
	return fmt.Sprintf(`{"context_id":%q,"request_type":"process","process_params":{"amount":%d,"currency":"EUR","reference":"ref-1"}}`, contextID, amount)
}

func currentOp(t *testing.T, reg *registry.Registry, contextID string) protocol.Kind {
	t.Helper()
	c, ok := reg.Get(contextID)
	require.True(t, ok, "context %s missing", contextID)
	return c.CurrentOperation()
}

func TestListDevices(t *testing.T) {
	f := newFixture("dev-1", "dev-2")
	h, sender := f.handler()

	resp := send(t, h, sender, `{"context_id":"s1","request_type":"list_devices"}`)
	assert.Equal(t, "s1", resp.ContextID)
	assert.Equal(t, protocol.ResponseDevicesListed, resp.Type)
	require.Len(t, resp.DeviceList, 2)
	assert.Equal(t, "dev-1", resp.DeviceList[0].ID)
	assert.Empty(t, resp.DeviceList[0].InUseBy)

	send(t, h, sender, initMsg("A", "dev-2"))
	resp = send(t, h, sender, `{"context_id":"s1","request_type":"list_devices"}`)
	assert.Equal(t, "A", resp.DeviceList[1].InUseBy)
}

func TestListDevicesDriverError(t *testing.T) {
	f := newFixture()
	f.driver.ListErr = errors.New("usb bus reset")
	h, sender := f.handler()

	resp := send(t, h, sender, `{"context_id":"s1","request_type":"list_devices"}`)
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Error handling list_devices request: usb bus reset", resp.Error)
}

func TestGatedKindsRejectedBeforeInitialize(t *testing.T) {
	for _, msg := range []string{
		processMsg("A", 100),
		`{"context_id":"A","request_type":"finish"}`,
	} {
		f := newFixture("dev-1")
		h, sender := f.handler()

		resp := send(t, h, sender, msg)
		assert.Equal(t, protocol.ResponseError, resp.Type)
		assert.Contains(t, resp.Error, "not allowed after none")
		assert.Contains(t, resp.Error, "allowed request types: initialize, list_devices")
		assert.Equal(t, protocol.KindNone, currentOp(t, f.registry, "A"))
		assert.Equal(t, 1, f.observer.rejected)
		assert.NotContains(t, f.driver.Session("A").Calls(), "process")
	}
}

func TestAlwaysAllowedBeforeInitialize(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()

	resp := send(t, h, sender, `{"context_id":"A","request_type":"status"}`)
	assert.Equal(t, protocol.ResponseStatus, resp.Type)
	require.NotNil(t, resp.Status)
	assert.False(t, resp.Status.Initialized)

	resp = send(t, h, sender, `{"context_id":"A","request_type":"display_message","display_message_params":{"message":"Welcome"}}`)
	assert.Equal(t, protocol.ResponseMessageDisplayed, resp.Type)
	assert.Equal(t, []string{"Welcome"}, f.driver.Session("A").Displayed())

	assert.Equal(t, protocol.KindNone, currentOp(t, f.registry, "A"))
}

func TestInitializeProcessFinish(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()

	resp := send(t, h, sender, initMsg("A", "dev-1"))
	assert.Equal(t, protocol.ResponseInitialized, resp.Type)
	assert.Equal(t, protocol.KindInitialize, currentOp(t, f.registry, "A"))
	assert.Equal(t, "A", f.registry.DeviceContextName("dev-1"))

	resp = send(t, h, sender, processMsg("A", 1250))
	require.Equal(t, protocol.ResponseProcessed, resp.Type, resp.Error)
	require.NotNil(t, resp.ProcessResult)
	assert.Equal(t, protocol.PaymentAccepted, resp.ProcessResult.Status)
	assert.Equal(t, int64(1250), resp.ProcessResult.Amount)

	resp = send(t, h, sender, `{"context_id":"A","request_type":"finish","finish_params":{"reference":"ref-1"}}`)
	assert.Equal(t, protocol.ResponseFinished, resp.Type)
	assert.Equal(t, protocol.KindFinish, currentOp(t, f.registry, "A"))

	// finish -> process starts the next payment on the same device
	resp = send(t, h, sender, processMsg("A", 10))
	assert.Equal(t, protocol.ResponseProcessed, resp.Type)

	require.Len(t, f.recorder.entries, 3)
	assert.Equal(t, "process", f.recorder.entries[0].Operation)
	assert.Equal(t, "dev-1", f.recorder.entries[0].DeviceID)
	assert.Equal(t, "Accepted", f.recorder.entries[0].Status)
	assert.Equal(t, "txn-A", f.recorder.entries[0].TransactionID)
	assert.Equal(t, "finish", f.recorder.entries[1].Operation)
}

func TestProcessTwiceRejected(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))
	send(t, h, sender, processMsg("A", 5))

	resp := send(t, h, sender, processMsg("A", 5))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Request process not allowed after process; allowed request types: finish, list_devices, display_message, status, unknown_command, close_context", resp.Error)
	assert.Equal(t, protocol.KindProcess, currentOp(t, f.registry, "A"))
}

func TestRepeatedInitialize(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()

	resp := send(t, h, sender, initMsg("A", "dev-1"))
	assert.Equal(t, protocol.ResponseInitialized, resp.Type)

	resp = send(t, h, sender, initMsg("A", "dev-1"))
	assert.Equal(t, protocol.ResponseAlreadyInitialized, resp.Type)
	assert.Equal(t, protocol.KindInitialize, currentOp(t, f.registry, "A"))
	assert.Equal(t, "A", f.registry.DeviceContextName("dev-1"))
}

func TestInitializeAfterProcessRejected(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))
	send(t, h, sender, processMsg("A", 5))

	resp := send(t, h, sender, initMsg("A", "dev-1"))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Contains(t, resp.Error, "Request initialize not allowed after process")
}

func TestProcessDeclined(t *testing.T) {
	f := newFixture("dev-1")
	f.driver.Configure = func(s *devicetest.Session) {
		s.ProcessStatus = protocol.PaymentDeclined
	}
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))

	resp := send(t, h, sender, processMsg("A", 99999))
	assert.Equal(t, "A", resp.ContextID)
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Transaction Declined", resp.Error)
	assert.Nil(t, resp.ProcessResult)

	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, "Declined", f.recorder.entries[0].Status)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()

	resp := send(t, h, sender, `{"context_id":"A","request_type":"reboot_terminal"}`)
	assert.Equal(t, "A", resp.ContextID)
	assert.Equal(t, protocol.ResponseUnknownCommand, resp.Type)
	assert.Empty(t, resp.Error)
	assert.Equal(t, 0, f.registry.Len(), "unknown commands never reach the registry")
	assert.Equal(t, 0, f.observer.rejected)
}

func TestSendAfterConnectionClosed(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	sender.closed = true

	assert.NotPanics(t, func() {
		h.Handle(context.Background(), []byte(`{"context_id":"s1","request_type":"list_devices"}`))
	})
	assert.Empty(t, sender.all())
	assert.Equal(t, 1, f.observer.dropped)
	assert.Equal(t, 0, len(f.observer.sent))
}

func TestSenderPanicContained(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	sender.panicking = true

	assert.NotPanics(t, func() {
		h.Handle(context.Background(), []byte(`{"context_id":"s1","request_type":"status"}`))
	})
}

func TestCloseContextTwice(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))
	session := f.driver.Session("A")

	for i := 0; i < 2; i++ {
		resp := send(t, h, sender, `{"context_id":"A","request_type":"close_context"}`)
		assert.Equal(t, protocol.ResponseContextClosed, resp.Type)
		assert.Equal(t, "A", resp.ContextID)
	}

	_, ok := f.registry.Get("A")
	assert.False(t, ok)
	_, calls := session.Closed()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "", f.registry.DeviceContextName("dev-1"))

	// A fresh context with the same id starts over
	resp := send(t, h, sender, processMsg("A", 1))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, protocol.KindNone, currentOp(t, f.registry, "A"))
}

func TestDeviceExclusivity(t *testing.T) {
	f := newFixture("dev-1")
	hA, senderA := f.handler()
	hB, senderB := f.handler()

	resp := send(t, hA, senderA, initMsg("A", "dev-1"))
	require.Equal(t, protocol.ResponseInitialized, resp.Type)

	resp = send(t, hB, senderB, initMsg("B", "dev-1"))
	assert.Equal(t, "B", resp.ContextID)
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Device already in use by context A", resp.Error)

	assert.Equal(t, protocol.KindNone, currentOp(t, f.registry, "B"))
	assert.Empty(t, f.driver.Session("B").Calls())
	assert.Equal(t, "A", f.registry.DeviceContextName("dev-1"))
	assert.Equal(t, protocol.KindInitialize, currentOp(t, f.registry, "A"))

	// Once A closes, B may take the device
	send(t, hA, senderA, `{"context_id":"A","request_type":"close_context"}`)
	resp = send(t, hB, senderB, initMsg("B", "dev-1"))
	assert.Equal(t, protocol.ResponseInitialized, resp.Type)
}

func TestFailedInitializeKeepsBindingOfLaterInitialize(t *testing.T) {
	f := newFixture("dev-1")
	gate := make(chan struct{})
	f.driver.Configure = func(s *devicetest.Session) {
		if s.ContextID == "A" {
			s.InitGate = gate
		}
	}
	hA, senderA := f.handler()
	hB, senderB := f.handler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		hA.Handle(context.Background(), []byte(initMsg("A", "dev-1")))
	}()
	require.Eventually(t, func() bool {
		s := f.driver.Session("A")
		return s != nil && len(s.Calls()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A second initialize on the same context completes while the first
	// is still talking to the device.
	resp := send(t, hA, senderA, initMsg("A", "dev-1"))
	require.Equal(t, protocol.ResponseInitialized, resp.Type)

	close(gate)
	<-done
	assert.Equal(t, protocol.ResponseError, senderA.last(t).Type)

	assert.Equal(t, "A", f.registry.DeviceContextName("dev-1"))
	c, _ := f.registry.Get("A")
	assert.Equal(t, "dev-1", c.DeviceID())

	resp = send(t, hB, senderB, initMsg("B", "dev-1"))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Device already in use by context A", resp.Error)
}

func TestInitializeIndeterminateReleasesClaim(t *testing.T) {
	f := newFixture("dev-1")
	f.driver.Devices = append(f.driver.Devices, protocol.DeviceDescriptor{ID: "ghost"})
	f.driver.Configure = func(s *devicetest.Session) {
		s.InitErr = errors.New("no answer on /dev/ttyUSB9")
	}
	h, sender := f.handler()

	resp := send(t, h, sender, initMsg("A", "ghost"))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Failed to initialize device ghost, possibly wrong port", resp.Error)
	assert.Equal(t, "", f.registry.DeviceContextName("ghost"))
	c, _ := f.registry.Get("A")
	assert.Empty(t, c.DeviceID())
}

func TestInitializeUnknownPort(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()

	resp := send(t, h, sender, initMsg("A", "dev-9"))
	assert.Equal(t, "Failed to initialize device dev-9, possibly wrong port", resp.Error)
	assert.Equal(t, "", f.registry.DeviceContextName("dev-9"))
}

func TestInitializeMovesToAnotherDevice(t *testing.T) {
	f := newFixture("dev-1", "dev-2")
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))

	resp := send(t, h, sender, initMsg("A", "dev-2"))
	assert.Equal(t, protocol.ResponseInitialized, resp.Type)
	assert.Equal(t, "", f.registry.DeviceContextName("dev-1"))
	assert.Equal(t, "A", f.registry.DeviceContextName("dev-2"))
}

func TestDeviceErrorBecomesErrorResponse(t *testing.T) {
	f := newFixture("dev-1")
	f.driver.Configure = func(s *devicetest.Session) {
		s.ProcessErr = errors.New("card removed")
	}
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))

	resp := send(t, h, sender, processMsg("A", 5))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Error handling process request: card removed", resp.Error)

	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, "Failed", f.recorder.entries[0].Status)
	assert.Equal(t, "card removed", f.recorder.entries[0].Error)
}

func TestPanicRecovered(t *testing.T) {
	f := newFixture("dev-1")
	f.driver.Configure = func(s *devicetest.Session) {
		s.PanicIn = "status"
	}
	h, sender := f.handler()

	var resp *protocol.Response
	assert.NotPanics(t, func() {
		resp = send(t, h, sender, `{"context_id":"A","request_type":"status"}`)
	})
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "Error handling status request: panic: devicetest: panic in status", resp.Error)

	// The connection keeps working
	resp = send(t, h, sender, `{"context_id":"A","request_type":"list_devices"}`)
	assert.Equal(t, protocol.ResponseDevicesListed, resp.Type)
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		contextID string
	}{
		{"not json", `hello`, ""},
		{"truncated with id", `{"context_id":"A","request_type":"process"`, "A"},
		{"missing payload", `{"context_id":"B","request_type":"initialize"}`, "B"},
		{"missing context", `{"request_type":"status"}`, ""},
	}
	t.Run("message text", func(t *testing.T) {
		f := newFixture("dev-1")
		h, sender := f.handler()
		resp := send(t, h, sender, `{"request_type":"status"}`)
		assert.Equal(t, "invalid request: missing required field: context_id", resp.Error)
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("dev-1")
			h, sender := f.handler()

			resp := send(t, h, sender, tt.msg)
			assert.Equal(t, protocol.ResponseError, resp.Type)
			assert.Equal(t, tt.contextID, resp.ContextID)
			assert.Contains(t, resp.Error, "invalid request")
			assert.NotContains(t, resp.Error, "protocol:")
			assert.Equal(t, 1, f.observer.decode)
			assert.Equal(t, 0, f.registry.Len())
		})
	}
}

func TestContextCreationFailure(t *testing.T) {
	f := newFixture("dev-1")
	f.driver.NewSessionErr = errors.New("out of handles")
	h, sender := f.handler()

	resp := send(t, h, sender, initMsg("A", "dev-1"))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Contains(t, resp.Error, "context creation failed")
	assert.Equal(t, 0, f.registry.Len())
}

func TestUnsolicitedDeviceError(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))

	raised := f.driver.Session("A").RaiseError(&device.DeviceError{DeviceID: "dev-1", Code: 17, Message: "paper out"})
	require.True(t, raised)

	resp := sender.last(t)
	assert.Equal(t, "A", resp.ContextID)
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, "device dev-1 reported error code 17: paper out", resp.Error)
}

func TestDeviceErrorFollowsReconnectedClient(t *testing.T) {
	f := newFixture("dev-1")
	h1, sender1 := f.handler()
	send(t, h1, sender1, initMsg("A", "dev-1"))

	sender1.mu.Lock()
	sender1.closed = true
	sender1.mu.Unlock()

	h2, sender2 := f.handler()
	resp := send(t, h2, sender2, `{"context_id":"A","request_type":"status"}`)
	require.Equal(t, protocol.ResponseStatus, resp.Type)
	before := len(sender2.all())

	raised := f.driver.Session("A").RaiseError(&device.DeviceError{DeviceID: "dev-1", Code: 3, Message: "paper out"})
	require.True(t, raised)

	all := sender2.all()
	require.Len(t, all, before+1)
	assert.Equal(t, "A", all[before].ContextID)
	assert.Equal(t, protocol.ResponseError, all[before].Type)
	assert.Equal(t, "device dev-1 reported error code 3: paper out", all[before].Error)
	assert.Len(t, sender1.all(), 1)
}

func TestReportTransportError(t *testing.T) {
	f := newFixture()
	h, sender := f.handler()

	h.ReportError("", errors.New("frame too large"))
	resp := sender.last(t)
	assert.Equal(t, "", resp.ContextID)
	assert.Equal(t, "frame too large", resp.Error)
}

func TestEveryRequestGetsOneEchoedResponse(t *testing.T) {
	f := newFixture("dev-1", "dev-2")
	h, sender := f.handler()

	msgs := []string{
		`{"context_id":"c1","request_type":"list_devices"}`,
		initMsg("c1", "dev-1"),
		processMsg("c2", 1),
		`{"context_id":"c3","request_type":"nope"}`,
		`{"context_id":"c1","request_type":"status"}`,
		`{"context_id":"c2","request_type":"close_context"}`,
	}
	for _, msg := range msgs {
		req, err := protocol.Decode([]byte(msg))
		require.NoError(t, err)
		before := len(sender.all())

		h.Handle(context.Background(), []byte(msg))

		all := sender.all()
		require.Len(t, all, before+1, msg)
		assert.Equal(t, req.ContextID, all[len(all)-1].ContextID, msg)
		assert.NoError(t, all[len(all)-1].Validate())
	}
}

func TestConcurrentRequestsOnOneContext(t *testing.T) {
	f := newFixture("dev-1")
	h, sender := f.handler()
	send(t, h, sender, initMsg("A", "dev-1"))

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Handle(context.Background(), []byte(processMsg("A", 1)))
		}()
	}
	wg.Wait()

	processed, rejected := 0, 0
	for _, resp := range sender.all()[1:] {
		switch resp.Type {
		case protocol.ResponseProcessed:
			processed++
		case protocol.ResponseError:
			rejected++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, n-1, rejected)
}

func TestConcurrentInitializeDifferentContexts(t *testing.T) {
	f := newFixture("dev-1")

	const n = 8
	var wg sync.WaitGroup
	senders := make([]*recordingSender, n)
	for i := 0; i < n; i++ {
		h, sender := f.handler()
		senders[i] = sender
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Handle(context.Background(), []byte(initMsg(fmt.Sprintf("ctx-%d", i), "dev-1")))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, s := range senders {
		if s.last(t).Type == protocol.ResponseInitialized {
			winners++
		} else {
			assert.Contains(t, s.last(t).Error, "Device already in use by context ctx-")
		}
	}
	assert.Equal(t, 1, winners)
}
