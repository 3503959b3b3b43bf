// Package perm computes and caches effective permissions for room members,
// and derives the visibility signatures the member-list engine uses to
// deduplicate channel lists.
package perm

import (
	"errors"
	"fmt"
)

// Permission names understood by the calculator. Roles carry arbitrary
// permission strings; only these have engine-level meaning.
const (
	// PermViewChannel gates whether a channel (and its member list) is
	// visible at all. Every room member holds it implicitly unless an
	// overwrite removes it.
	PermViewChannel = "view_channel"
	// PermSendMessages gates posting into text channels and threads.
	PermSendMessages = "send_messages"
	// PermManageRoles gates role creation, deletion, and assignment.
	PermManageRoles = "manage_roles"
	// PermManageChannels gates channel and overwrite edits.
	PermManageChannels = "manage_channels"
	// PermSpeak gates transmitting audio in voice channels.
	PermSpeak = "speak"
)

// ErrNotFound reports that a target does not exist or that the caller may not
// view it. The two cases are deliberately indistinguishable so an
// unauthorized caller cannot probe for existence.
var ErrNotFound = errors.New("not found")

// ErrMissingPermissions reports that the target exists and is visible but the
// requested action is denied.
var ErrMissingPermissions = errors.New("missing permissions")

// StoreError wraps a backing-store failure as a plain value so coalesced
// concurrent lookups can all hold the same failure without re-running the
// underlying query.
type StoreError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("permission store: %s: %s", e.Op, e.Message)
}

// WrapStoreError converts an arbitrary error into a StoreError. A nil input
// returns nil.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Message: err.Error()}
}

// Permissions is the effective permission set of one user in one room or
// thread.
type Permissions map[string]struct{}

// NewPermissions builds a set from the given permission names.
func NewPermissions(names ...string) Permissions {
	set := make(Permissions, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the named permission.
func (p Permissions) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Ensure returns ErrMissingPermissions when the named permission is absent.
func (p Permissions) Ensure(name string) error {
	if !p.Has(name) {
		return fmt.Errorf("%s: %w", name, ErrMissingPermissions)
	}
	return nil
}

// EnsureView returns ErrNotFound when the view permission is absent, hiding
// the target's existence from callers who may not see it.
func (p Permissions) EnsureView() error {
	if !p.Has(PermViewChannel) {
		return ErrNotFound
	}
	return nil
}

// Clone returns an independent copy of the set.
func (p Permissions) Clone() Permissions {
	out := make(Permissions, len(p))
	for name := range p {
		out[name] = struct{}{}
	}
	return out
}
