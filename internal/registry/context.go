package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/paybridge/internal/device"
	"github.com/codefionn/paybridge/internal/protocol"
)

// Reporter delivers errors a device raises outside of any request
type Reporter interface {
	ReportError(contextID string, err error)
}

// Context is one logical session bound to at most one device. It is owned
// by the Registry; callers borrow it for the duration of a request.
type Context struct {
	id        string
	session   device.Session
	createdAt time.Time

	// mu is the per-context critical section used by the sequencing gate
	mu sync.Mutex
	op protocol.Kind

	// bindMu nests inside the registry's device lock, never around it
	bindMu   sync.Mutex
	deviceID string

	lastActivity atomic.Int64

	repMu    sync.Mutex
	reporter Reporter
}

func newContext(id string, session device.Session) *Context {
	now := time.Now()
	c := &Context{
		id:        id,
		session:   session,
		createdAt: now,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the context identifier
func (c *Context) ID() string {
	return c.id
}

// Session returns the device session owned by the context
func (c *Context) Session() device.Session {
	return c.session
}

// WithOperation runs fn inside the context's critical section and stores
// the returned operation when fn succeeds.
func (c *Context) WithOperation(fn func(current protocol.Kind) (protocol.Kind, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fn(c.op)
	if err != nil {
		return err
	}
	c.op = next
	return nil
}

// CurrentOperation returns the last accepted sequenced request kind
func (c *Context) CurrentOperation() protocol.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op
}

// DeviceID returns the bound device, or "" when unbound
func (c *Context) DeviceID() string {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	return c.deviceID
}

func (c *Context) setDeviceID(id string) {
	c.bindMu.Lock()
	c.deviceID = id
	c.bindMu.Unlock()
}

// Touch records activity on the context. A non-nil reporter becomes the
// destination of the context's unsolicited device errors, so they follow
// the connection that used the context last.
func (c *Context) Touch(reporter Reporter) {
	c.lastActivity.Store(time.Now().UnixNano())
	if reporter != nil {
		c.repMu.Lock()
		c.reporter = reporter
		c.repMu.Unlock()
	}
}

// ReportError hands err to the reporter of the most recent request. It
// returns false when no request has touched the context yet.
func (c *Context) ReportError(err error) bool {
	c.repMu.Lock()
	reporter := c.reporter
	c.repMu.Unlock()
	if reporter == nil {
		return false
	}
	reporter.ReportError(c.id, err)
	return true
}

// Info is a point-in-time view of a context for listings
type Info struct {
	ID               string    `json:"id"`
	DeviceID         string    `json:"device_id,omitempty"`
	CurrentOperation string    `json:"current_operation"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

// Info returns a snapshot of the context
func (c *Context) Info() Info {
	return Info{
		ID:               c.id,
		DeviceID:         c.DeviceID(),
		CurrentOperation: c.CurrentOperation().String(),
		CreatedAt:        c.createdAt,
		LastActivity:     time.Unix(0, c.lastActivity.Load()),
	}
}
