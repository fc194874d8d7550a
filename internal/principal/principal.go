// Package principal identifies the actor behind a request.
package principal

import (
	"context"
	"slices"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Principal is the authenticated actor. For a child, ChildID is the child's
// own id. For a parent, Children lists the linked children.
type Principal struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	ChildID  string   `json:"child_id,omitempty"`
	Children []string `json:"children,omitempty"`
}

// IsAdministrator reports whether the actor administers children (parents
// and admins).
func (p Principal) IsAdministrator() bool {
	return p.Role == RoleAdmin || p.Role == RoleParent
}

func (p Principal) IsChild() bool { return p.Role == RoleChild }

// CanView reports whether the actor may read childID's data.
func (p Principal) CanView(childID string) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleParent:
		return slices.Contains(p.Children, childID)
	case RoleChild:
		return p.ChildID == childID
	}
	return false
}

// CanManage reports whether the actor may administer childID.
func (p Principal) CanManage(childID string) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleParent:
		return slices.Contains(p.Children, childID)
	}
	return false
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
