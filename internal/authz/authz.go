// Package authz decides whether an identity may act on an object key.
package authz

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the caller's role as carried by its bearer token.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// Action is an object-store operation subject to authorization.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionList   Action = "list"
)

// ErrForbidden is wrapped by every denial.
var ErrForbidden = errors.New("forbidden")

// Identity is a verified caller. It lives for one request only.
type Identity struct {
	Subject     string
	Role        Role
	ScopePrefix string // e.g. "club/42/"; empty for admins
}

// IsAdmin reports whether the identity has unrestricted access.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// ScopeForClub returns the key prefix a club's members may read.
func ScopeForClub(clubID string) string {
	if clubID == "" {
		return ""
	}
	return "club/" + clubID + "/"
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  string
}

// DeniedError carries the reason for a denial. It never names whether the
// key exists.
type DeniedError struct {
	Action Action
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("forbidden: %s: %s", e.Action, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrForbidden }

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Authorize applies the role/scope policy:
//   - write, delete: admins only
//   - read: admins, or keys under the identity's scope prefix; an empty
//     prefix covers every key
//   - list: always; results are narrowed by EffectiveListPrefix
func Authorize(id Identity, action Action, key string) Decision {
	switch action {
	case ActionWrite, ActionDelete:
		if id.IsAdmin() {
			return allow()
		}
		return deny("admin role required")
	case ActionRead:
		if id.IsAdmin() {
			return allow()
		}
		if strings.HasPrefix(key, id.ScopePrefix) {
			return allow()
		}
		return deny("key outside caller scope")
	case ActionList:
		return allow()
	default:
		return deny("unknown action")
	}
}

// Check is Authorize returning an error for denials.
func Check(id Identity, action Action, key string) error {
	d := Authorize(id, action, key)
	if d.Allowed {
		return nil
	}
	return &DeniedError{Action: action, Reason: d.Reason}
}

// EffectiveListPrefix returns the prefix a listing is filtered to. Admins get
// what they asked for. Clients are pinned to their scope, or to a per-user
// prefix when they have none.
func EffectiveListPrefix(id Identity, requested string) string {
	if id.IsAdmin() {
		return requested
	}
	if id.ScopePrefix != "" {
		return id.ScopePrefix
	}
	return "user/" + id.Subject + "/"
}
