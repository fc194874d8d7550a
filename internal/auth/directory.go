package auth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
)

// AccountOpener creates the three accounts of a new child.
type AccountOpener interface {
	OpenAccounts(ctx context.Context, childID string, createdAt time.Time) (*ledger.AccountsResponse, error)
}

// Directory manages the people behind principals: parents, administrators,
// children and the links between them.
type Directory struct {
	Users    UserStore
	Accounts AccountOpener
	Now      func() time.Time
	// ShareCodeTTL bounds how long a share code can be redeemed.
	// DefaultShareCodeTTL applies when zero.
	ShareCodeTTL time.Duration
}

const DefaultShareCodeTTL = 24 * time.Hour

func (d *Directory) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

type NewUser struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Name     string         `json:"name"`
	Role     principal.Role `json:"role"`
}

// CreateUser registers a parent or administrator. Only administrators may
// call it; a nil actor is the bootstrap path.
func (d *Directory) CreateUser(ctx context.Context, in NewUser, actor *principal.Principal) (*User, error) {
	const op = "auth.CreateUser"
	if actor != nil && actor.Role != principal.RoleAdmin {
		return nil, bankerr.Forbidden(op, "only administrators create users")
	}
	if !strings.Contains(in.Email, "@") {
		return nil, bankerr.Validation(op, "a valid email is required")
	}
	if len(in.Password) < 8 {
		return nil, bankerr.Validation(op, "password must be at least 8 characters")
	}
	if in.Role != principal.RoleAdmin && in.Role != principal.RoleParent {
		return nil, bankerr.Validation(op, "role must be admin or parent")
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(in.Email),
		Name:         strings.TrimSpace(in.Name),
		Role:         in.Role,
		PasswordHash: hash,
		CreatedAt:    d.now(),
	}
	if err := d.Users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, bankerr.E(bankerr.KindConflict, op, "email %s is already registered", u.Email)
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return u, nil
}

// EnsureUser creates the user unless the email is already registered.
func (d *Directory) EnsureUser(ctx context.Context, in NewUser) error {
	if _, err := d.Users.GetUserByEmail(ctx, in.Email); err == nil {
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	_, err := d.CreateUser(ctx, in, nil)
	return err
}

type NewChild struct {
	FirstName  string `json:"first_name"`
	AccessCode string `json:"access_code"`
	ParentID   string `json:"parent_id,omitempty"`
}

// CreateChild registers a child, opens the child's accounts and links the
// child to the creating parent (or to ParentID when an administrator
// creates it).
func (d *Directory) CreateChild(ctx context.Context, in NewChild, actor principal.Principal) (*Child, error) {
	const op = "auth.CreateChild"
	if !actor.IsAdministrator() {
		return nil, bankerr.Forbidden(op, "only parents and administrators create children")
	}
	in.FirstName = strings.TrimSpace(in.FirstName)
	if in.FirstName == "" {
		return nil, bankerr.Validation(op, "first_name is required")
	}
	if len(strings.TrimSpace(in.AccessCode)) < 4 {
		return nil, bankerr.Validation(op, "access_code must be at least 4 characters")
	}
	parentID := in.ParentID
	if actor.Role == principal.RoleParent {
		parentID = actor.ID
	}

	c := &Child{
		ID:             uuid.NewString(),
		FirstName:      in.FirstName,
		AccessCodeHash: HashAccessCode(in.AccessCode),
		CreatedAt:      d.now(),
	}
	if err := d.Users.CreateChild(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, bankerr.E(bankerr.KindConflict, op, "access code is already in use")
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	if _, err := d.Accounts.OpenAccounts(ctx, c.ID, c.CreatedAt); err != nil {
		return nil, fmt.Errorf("open accounts for child %s: %w", c.ID, err)
	}
	if parentID != "" {
		if err := d.Users.LinkChild(ctx, parentID, c.ID, true); err != nil {
			return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
		}
	}
	return c, nil
}

// Children lists the children actor may view.
func (d *Directory) Children(ctx context.Context, actor principal.Principal) ([]*Child, error) {
	const op = "auth.Children"
	all, err := d.Users.ListChildren(ctx)
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	out := []*Child{}
	for _, c := range all {
		if actor.CanView(c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetChild returns a child actor may view.
func (d *Directory) GetChild(ctx context.Context, childID string, actor principal.Principal) (*Child, error) {
	const op = "auth.GetChild"
	if !actor.CanView(childID) {
		return nil, bankerr.Forbidden(op, "not allowed to view child %s", childID)
	}
	return d.child(ctx, op, childID)
}

func (d *Directory) child(ctx context.Context, op, childID string) (*Child, error) {
	c, err := d.Users.GetChild(ctx, childID)
	if err != nil {
		if errors.Is(err, ErrChildNotFound) {
			return nil, bankerr.NotFound(op, "child %s not found", childID)
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return c, nil
}

// SetAccessCode replaces a child's login code. Codes are unique across
// children.
func (d *Directory) SetAccessCode(ctx context.Context, childID, code string, actor principal.Principal) (*Child, error) {
	const op = "auth.SetAccessCode"
	if !actor.CanManage(childID) {
		return nil, bankerr.Forbidden(op, "not allowed to manage child %s", childID)
	}
	if len(strings.TrimSpace(code)) < 4 {
		return nil, bankerr.Validation(op, "access_code must be at least 4 characters")
	}
	if err := d.Users.SetChildAccessCode(ctx, childID, HashAccessCode(code)); err != nil {
		switch {
		case errors.Is(err, ErrChildNotFound):
			return nil, bankerr.NotFound(op, "child %s not found", childID)
		case errors.Is(err, ErrDuplicate):
			return nil, bankerr.E(bankerr.KindConflict, op, "access code is already in use")
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return d.child(ctx, op, childID)
}

// Parents lists the parents linked to a child, owner first. The child
// itself may list them too.
func (d *Directory) Parents(ctx context.Context, childID string, actor principal.Principal) ([]*ParentLink, error) {
	const op = "auth.Parents"
	if !actor.CanView(childID) {
		return nil, bankerr.Forbidden(op, "not allowed to view child %s", childID)
	}
	if _, err := d.child(ctx, op, childID); err != nil {
		return nil, err
	}
	links, err := d.Users.ParentsOf(ctx, childID)
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return links, nil
}

// UnlinkParent removes a parent's access to a child. The owning parent
// stays linked.
func (d *Directory) UnlinkParent(ctx context.Context, childID, parentID string, actor principal.Principal) error {
	const op = "auth.UnlinkParent"
	if !actor.CanManage(childID) {
		return bankerr.Forbidden(op, "not allowed to manage child %s", childID)
	}
	links, err := d.Users.ParentsOf(ctx, childID)
	if err != nil {
		return bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	var target *ParentLink
	for _, l := range links {
		if l.ParentID == parentID {
			target = l
		}
	}
	switch {
	case target == nil:
		return bankerr.NotFound(op, "parent %s is not linked to child %s", parentID, childID)
	case target.Owner:
		return bankerr.InvalidState(op, "the owning parent cannot be removed")
	}
	if err := d.Users.UnlinkChild(ctx, parentID, childID); err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return bankerr.NotFound(op, "parent %s is not linked to child %s", parentID, childID)
		}
		return bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return nil
}

// GenerateShareCode issues a single-use code another parent can redeem
// for access to the child. Only the owning parent or an administrator may
// issue one.
func (d *Directory) GenerateShareCode(ctx context.Context, childID string, actor principal.Principal) (*ShareCode, error) {
	const op = "auth.GenerateShareCode"
	if !actor.CanManage(childID) {
		return nil, bankerr.Forbidden(op, "not allowed to manage child %s", childID)
	}
	if _, err := d.child(ctx, op, childID); err != nil {
		return nil, err
	}
	if actor.Role == principal.RoleParent {
		owner, err := d.isOwner(ctx, childID, actor.ID)
		if err != nil {
			return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
		}
		if !owner {
			return nil, bankerr.Forbidden(op, "only the owning parent shares child %s", childID)
		}
	}
	code, err := newShareCode()
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	ttl := d.ShareCodeTTL
	if ttl <= 0 {
		ttl = DefaultShareCodeTTL
	}
	now := d.now()
	sc := &ShareCode{
		Code:      code,
		CodeHash:  HashShareCode(code),
		ChildID:   childID,
		CreatedBy: actor.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := d.Users.CreateShareCode(ctx, sc); err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return sc, nil
}

func (d *Directory) isOwner(ctx context.Context, childID, parentID string) (bool, error) {
	links, err := d.Users.ParentsOf(ctx, childID)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if l.ParentID == parentID {
			return l.Owner, nil
		}
	}
	return false, nil
}

// RedeemShareCode links the calling parent to the child the code was
// issued for and returns that child. A code works once.
func (d *Directory) RedeemShareCode(ctx context.Context, code string, actor principal.Principal) (*Child, error) {
	const op = "auth.RedeemShareCode"
	if actor.Role != principal.RoleParent {
		return nil, bankerr.Forbidden(op, "only parents redeem share codes")
	}
	hash := HashShareCode(code)
	sc, err := d.Users.ClaimShareCode(ctx, hash, actor.ID, d.now())
	if err != nil {
		if errors.Is(err, ErrShareCodeInvalid) {
			return nil, bankerr.NotFound(op, "share code is invalid or expired")
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	if err := d.Users.LinkChild(ctx, actor.ID, sc.ChildID, false); err != nil {
		if errors.Is(err, ErrChildNotFound) {
			return nil, bankerr.NotFound(op, "child %s not found", sc.ChildID)
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return d.child(ctx, op, sc.ChildID)
}

// newShareCode returns eight base32 characters from 40 random bits.
func newShareCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share code: %w", err)
	}
	return base32.StdEncoding.EncodeToString(b), nil
}

// SetFrozen freezes or unfreezes a child's login.
func (d *Directory) SetFrozen(ctx context.Context, childID string, frozen bool, actor principal.Principal) (*Child, error) {
	const op = "auth.SetFrozen"
	if !actor.CanManage(childID) {
		return nil, bankerr.Forbidden(op, "not allowed to manage child %s", childID)
	}
	if err := d.Users.SetChildFrozen(ctx, childID, frozen); err != nil {
		if errors.Is(err, ErrChildNotFound) {
			return nil, bankerr.NotFound(op, "child %s not found", childID)
		}
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	c, err := d.Users.GetChild(ctx, childID)
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	return c, nil
}

// ChildrenOf resolves a parent's linked children for each request, so a
// child created after login is visible without a new token.
func (d *Directory) ChildrenOf(ctx context.Context, parentID string) ([]string, error) {
	return d.Users.ChildrenOf(ctx, parentID)
}
