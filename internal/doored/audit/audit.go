// Package audit defines the append-only log of door decisions and
// administrative mutations. Audit writes are best-effort: a failed
// write is logged by the implementation and never blocks a door
// decision or an admin command.
package audit

import (
	"context"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindOpen      Kind = "open"
	KindDeny      Kind = "deny"
	KindEscalate  Kind = "escalate"
	KindAuthFail  Kind = "auth_fail"
	KindSecret    Kind = "secret"
	KindLogin     Kind = "login"
	KindLoginFail Kind = "login_fail"
	KindBootstrap Kind = "bootstrap"
	KindGrant     Kind = "grant"
	KindRevoke    Kind = "revoke"
	KindKeyInit   Kind = "key_init"
	KindKeyRename Kind = "key_rename"
	KindKeyDelete Kind = "key_delete"
	KindDoorName  Kind = "door_rename"
)

// Event is one audit record. DoorID is empty for store-only admin
// mutations; Actor names the logged-in admin key for session events.
type Event struct {
	At      time.Time
	DoorID  string
	KeyID   string
	Actor   string
	Kind    Kind
	Granted bool
	Detail  string
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards all events; used when auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
