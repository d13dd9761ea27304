// Package sequencing gates which request kinds a context may accept next.
//
// Kinds fall into two groups. Always-allowed kinds (list_devices,
// display_message, status, unknown_command, close_context) are accepted in
// every state and never change it. Every other kind is sequence-gated: it is
// accepted only if the transition table lists it as a successor of the
// context's current operation, and accepting it makes it the new current
// operation. The check and the update happen in one critical section of the
// context so two concurrent requests cannot both pass the gate.
package sequencing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/paybridge/internal/protocol"
)

// ErrInvalidTable is returned when a transition table names unknown kinds
var ErrInvalidTable = errors.New("sequencing: invalid transition table")

// alwaysAllowed is kept in the order it is reported to clients
var alwaysAllowed = []protocol.Kind{
	protocol.KindListDevices,
	protocol.KindDisplayMessage,
	protocol.KindStatus,
	protocol.KindUnknown,
	protocol.KindCloseContext,
}

// gated lists the kinds subject to the transition table
var gated = []protocol.Kind{
	protocol.KindInitialize,
	protocol.KindProcess,
	protocol.KindFinish,
}

// IsAlwaysAllowed reports whether kind bypasses the transition table
func IsAlwaysAllowed(kind protocol.Kind) bool {
	for _, k := range alwaysAllowed {
		if k == kind {
			return true
		}
	}
	return false
}

// AlwaysAllowed returns the kinds exempt from sequencing
func AlwaysAllowed() []protocol.Kind {
	return append([]protocol.Kind(nil), alwaysAllowed...)
}

// Table maps a current operation to the gated kinds permitted next
type Table map[protocol.Kind][]protocol.Kind

// DefaultTable returns the payment flow: initialize before processing,
// finish after processing, and start over from finish.
func DefaultTable() Table {
	return Table{
		protocol.KindNone:       {protocol.KindInitialize},
		protocol.KindInitialize: {protocol.KindInitialize, protocol.KindProcess},
		protocol.KindProcess:    {protocol.KindFinish},
		protocol.KindFinish:     {protocol.KindInitialize, protocol.KindProcess},
	}
}

// ParseTable builds a table from wire names, as found in configuration.
// The key "none" names the initial state.
func ParseTable(raw map[string][]string) (Table, error) {
	t := make(Table, len(raw))
	for from, nexts := range raw {
		fromKind, ok := parseState(from)
		if !ok {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTable, from)
		}
		kinds := make([]protocol.Kind, 0, len(nexts))
		for _, next := range nexts {
			k, ok := parseGated(next)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not a sequenced request kind (state %q)", ErrInvalidTable, next, from)
			}
			kinds = append(kinds, k)
		}
		t[fromKind] = kinds
	}
	if _, ok := t[protocol.KindNone]; !ok {
		return nil, fmt.Errorf("%w: no transitions from initial state \"none\"", ErrInvalidTable)
	}
	return t, nil
}

func parseState(s string) (protocol.Kind, bool) {
	if s == "none" || s == "" {
		return protocol.KindNone, true
	}
	return parseGated(s)
}

func parseGated(s string) (protocol.Kind, bool) {
	for _, k := range gated {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Allowed returns the kinds a context in state current may send: the gated
// successors in table order followed by the always-allowed kinds.
func (t Table) Allowed(current protocol.Kind) []protocol.Kind {
	next := t[current]
	out := make([]protocol.Kind, 0, len(next)+len(alwaysAllowed))
	out = append(out, next...)
	return append(out, alwaysAllowed...)
}

// Permits reports whether kind may follow current
func (t Table) Permits(current, kind protocol.Kind) bool {
	if IsAlwaysAllowed(kind) {
		return true
	}
	for _, k := range t[current] {
		if k == kind {
			return true
		}
	}
	return false
}

// Strings renders the table with wire names for logs and the admin API
func (t Table) Strings() map[string][]string {
	out := make(map[string][]string, len(t))
	for from, nexts := range t {
		names := make([]string, len(nexts))
		for i, k := range nexts {
			names[i] = string(k)
		}
		out[from.String()] = names
	}
	return out
}

// SequenceError rejects a request that is not legal in the current state
type SequenceError struct {
	Kind    protocol.Kind
	Current protocol.Kind
	Allowed []protocol.Kind
}

func (e *SequenceError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, k := range e.Allowed {
		names[i] = string(k)
	}
	return fmt.Sprintf("Request %s not allowed after %s; allowed request types: %s",
		e.Kind, e.Current, strings.Join(names, ", "))
}

// Subject is the state a Validator advances. WithOperation must call fn
// while holding the subject's lock and store the returned kind only when fn
// returns a nil error.
type Subject interface {
	WithOperation(fn func(current protocol.Kind) (protocol.Kind, error)) error
}

// Validator applies a transition table to contexts
type Validator struct {
	table Table
}

// NewValidator creates a validator; a nil table means DefaultTable
func NewValidator(table Table) *Validator {
	if table == nil {
		table = DefaultTable()
	}
	return &Validator{table: table}
}

// Table returns the validator's transition table
func (v *Validator) Table() Table {
	return v.table
}

// Advance admits kind on subject. Always-allowed kinds pass without touching
// the subject. For gated kinds the table check, the optional guard and the
// state update run in one critical section; if either the check or the
// guard fails the subject keeps its current operation. A table rejection is
// returned as *SequenceError, a guard failure is returned as is.
func (v *Validator) Advance(subject Subject, kind protocol.Kind, guard func() error) error {
	if IsAlwaysAllowed(kind) {
		return nil
	}
	return subject.WithOperation(func(current protocol.Kind) (protocol.Kind, error) {
		if !v.table.Permits(current, kind) {
			return current, &SequenceError{
				Kind:    kind,
				Current: current,
				Allowed: v.table.Allowed(current),
			}
		}
		if guard != nil {
			if err := guard(); err != nil {
				return current, err
			}
		}
		return kind, nil
	})
}
