// Package registry owns the table of live contexts and the device
// exclusivity index.
//
// A Registry is created once per process and injected into every session
// handler. Contexts are created on first reference and removed by Close.
// Device bindings are kept in a separate index guarded by its own lock so
// that an exclusivity check from one connection always sees bindings made
// by another connection as soon as they complete.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/codefionn/paybridge/internal/device"
	"github.com/codefionn/paybridge/internal/logger"
)

var (
	ErrContextCreation = errors.New("context creation failed")
	ErrDeviceInUse     = errors.New("device already in use")
	ErrContextClosed   = errors.New("context closed")
)

// DeviceInUseError reports a device bound to another context
type DeviceInUseError struct {
	DeviceID string
	Owner    string
}

func (e *DeviceInUseError) Error() string {
	return fmt.Sprintf("Device already in use by context %s", e.Owner)
}

func (e *DeviceInUseError) Unwrap() error {
	return ErrDeviceInUse
}

// Option configures a Registry
type Option func(*Registry)

// WithMaxContexts caps the number of live contexts; 0 means unlimited
func WithMaxContexts(n int) Option {
	return func(r *Registry) {
		r.maxContexts = n
	}
}

// WithObserver registers a callback invoked with the number of live
// contexts after every create or close
func WithObserver(fn func(active int)) Option {
	return func(r *Registry) {
		r.observe = fn
	}
}

// WithLogger sets the registry's logger
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// Registry maps context ids to live contexts
type Registry struct {
	driver      device.Driver
	maxContexts int
	observe     func(active int)
	log         *logger.Logger

	mu       sync.RWMutex
	contexts map[string]*Context

	devMu   sync.RWMutex
	devices map[string]string // device id -> owning context id
	bound   map[string]string // context id -> device bound by a completed initialize
}

// New creates a registry whose contexts open sessions on driver
func New(driver device.Driver, opts ...Option) *Registry {
	r := &Registry{
		driver:   driver,
		contexts: make(map[string]*Context),
		devices:  make(map[string]string),
		bound:    make(map[string]string),
		log:      logger.Global().WithPrefix("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns an existing context
func (r *Registry) Get(id string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[id]
	return c, ok
}

// GetOrCreate returns the context for id, creating it and its device
// session on first use. Errors wrap ErrContextCreation.
func (r *Registry) GetOrCreate(id string) (*Context, error) {
	if c, ok := r.Get(id); ok {
		return c, nil
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty context_id", ErrContextCreation)
	}

	if r.maxContexts > 0 && r.Len() >= r.maxContexts {
		return nil, fmt.Errorf("%w: limit of %d contexts reached", ErrContextCreation, r.maxContexts)
	}

	// Open the session outside the table lock; device drivers may be slow.
	session, err := r.driver.NewSession(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextCreation, err)
	}

	r.mu.Lock()
	if existing, ok := r.contexts[id]; ok {
		r.mu.Unlock()
		// Lost a creation race; keep the winner.
		if closeErr := session.Close(context.Background()); closeErr != nil {
			r.log.Warn("Failed to close surplus session for context %s: %v", id, closeErr)
		}
		return existing, nil
	}
	if r.maxContexts > 0 && len(r.contexts) >= r.maxContexts {
		r.mu.Unlock()
		_ = session.Close(context.Background())
		return nil, fmt.Errorf("%w: limit of %d contexts reached", ErrContextCreation, r.maxContexts)
	}
	c := newContext(id, session)
	r.contexts[id] = c
	active := len(r.contexts)
	r.mu.Unlock()

	r.log.Info("Created context %s (active: %d)", id, active)
	r.notify(active)
	return c, nil
}

// DeviceOwner returns the context currently bound to deviceID
func (r *Registry) DeviceOwner(deviceID string) (string, bool) {
	r.devMu.RLock()
	defer r.devMu.RUnlock()
	owner, ok := r.devices[deviceID]
	return owner, ok
}

// DeviceContextName returns the owning context id, or "" if the device is
// free
func (r *Registry) DeviceContextName(deviceID string) string {
	owner, _ := r.DeviceOwner(deviceID)
	return owner
}

// Claim binds deviceID to contextID unless another context holds it.
// claimed reports whether this call created the binding, so a caller whose
// initialization fails can undo only what it did.
func (r *Registry) Claim(deviceID, contextID string) (claimed bool, err error) {
	r.devMu.Lock()
	defer r.devMu.Unlock()

	if owner, ok := r.devices[deviceID]; ok {
		if owner != contextID {
			return false, &DeviceInUseError{DeviceID: deviceID, Owner: owner}
		}
		return false, nil
	}
	r.devices[deviceID] = contextID
	return true, nil
}

// Release undoes a claim of deviceID by contextID. A device that a
// completed initialize bound to contextID stays bound; only Bind to another
// device or Close drops it.
func (r *Registry) Release(deviceID, contextID string) {
	r.devMu.Lock()
	defer r.devMu.Unlock()
	if r.bound[contextID] == deviceID {
		return
	}
	if owner, ok := r.devices[deviceID]; ok && owner == contextID {
		delete(r.devices, deviceID)
	}
}

// Bind records deviceID as the device of c, releasing the binding of any
// device c used before. It fails with a *DeviceInUseError when another
// context took the device since c claimed it, and with ErrContextClosed
// when c was closed meanwhile.
func (r *Registry) Bind(c *Context, deviceID string) error {
	r.devMu.Lock()
	if live, ok := r.Get(c.id); !ok || live != c {
		r.devMu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextClosed, c.id)
	}
	if owner, ok := r.devices[deviceID]; ok && owner != c.id {
		r.devMu.Unlock()
		return &DeviceInUseError{DeviceID: deviceID, Owner: owner}
	}
	r.devices[deviceID] = c.id
	previous := r.bound[c.id]
	r.bound[c.id] = deviceID
	if previous != "" && previous != deviceID && r.devices[previous] == c.id {
		delete(r.devices, previous)
	}
	c.setDeviceID(deviceID)
	r.devMu.Unlock()

	if previous != "" && previous != deviceID {
		r.log.Info("Context %s moved from device %s to %s", c.id, previous, deviceID)
	}
	return nil
}

// Close tears down the context's device session and forgets the context.
// Closing an unknown id is a no-op.
func (r *Registry) Close(ctx context.Context, id string) {
	r.mu.Lock()
	c, ok := r.contexts[id]
	if ok {
		delete(r.contexts, id)
	}
	active := len(r.contexts)
	r.mu.Unlock()

	if !ok {
		r.log.Debug("Close of unknown context %s ignored", id)
		return
	}

	r.devMu.Lock()
	for dev, owner := range r.devices {
		if owner == id {
			delete(r.devices, dev)
		}
	}
	delete(r.bound, id)
	r.devMu.Unlock()

	if err := c.session.Close(ctx); err != nil {
		r.log.Warn("Failed to release device session for context %s: %v", id, err)
	}

	r.log.Info("Closed context %s (active: %d)", id, active)
	r.notify(active)
}

// CloseAll closes every context, used on process shutdown
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(ctx, id)
	}
}

// Len returns the number of live contexts
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Snapshot lists all live contexts sorted by id
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.contexts))
	for _, c := range r.contexts {
		infos = append(infos, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Driver returns the device driver contexts are opened on
func (r *Registry) Driver() device.Driver {
	return r.driver
}

func (r *Registry) notify(active int) {
	if r.observe != nil {
		r.observe(active)
	}
}
