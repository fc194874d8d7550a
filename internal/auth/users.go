package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/family-bank/internal/principal"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrChildNotFound    = errors.New("child not found")
	ErrLinkNotFound     = errors.New("parent is not linked to child")
	ErrShareCodeInvalid = errors.New("share code is unknown, used or expired")
	ErrDuplicate        = errors.New("duplicate")
)

// User is a parent or administrator who logs in with email and password.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	Role         principal.Role `json:"role"`
	PasswordHash string         `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Child logs in with an access code. Only the code's digest is stored.
type Child struct {
	ID             string    `json:"id"`
	FirstName      string    `json:"first_name"`
	AccessCodeHash string    `json:"-"`
	Frozen         bool      `json:"frozen"`
	CreatedAt      time.Time `json:"created_at"`
}

// ParentLink is one parent's access to a child. The owner is the parent
// the child was created for and cannot be unlinked.
type ParentLink struct {
	ParentID string `json:"parent_id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Owner    bool   `json:"owner"`
}

// ShareCode lets one more parent link to a child. Code is only populated
// when the code is generated; the store keeps its digest.
type ShareCode struct {
	Code      string     `json:"code,omitempty"`
	CodeHash  string     `json:"-"`
	ChildID   string     `json:"child_id"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedBy    string     `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// UserStore persists users, children and parent-child links.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateChild(ctx context.Context, c *Child) error
	GetChild(ctx context.Context, id string) (*Child, error)
	GetChildByAccessCode(ctx context.Context, codeHash string) (*Child, error)
	ListChildren(ctx context.Context) ([]*Child, error)
	SetChildFrozen(ctx context.Context, id string, frozen bool) error
	// SetChildAccessCode fails with ErrDuplicate when another child uses
	// the code.
	SetChildAccessCode(ctx context.Context, id, codeHash string) error

	LinkChild(ctx context.Context, parentID, childID string, owner bool) error
	UnlinkChild(ctx context.Context, parentID, childID string) error
	ChildrenOf(ctx context.Context, parentID string) ([]string, error)
	ParentsOf(ctx context.Context, childID string) ([]*ParentLink, error)

	CreateShareCode(ctx context.Context, sc *ShareCode) error
	// ClaimShareCode marks an unused, unexpired code as used by parentID.
	// Any other code fails with ErrShareCodeInvalid.
	ClaimShareCode(ctx context.Context, codeHash, parentID string, at time.Time) (*ShareCode, error)
}

// HashAccessCode returns the lookup digest of a child's access code.
func HashAccessCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

// HashShareCode returns the lookup digest of a share code. Codes are case
// insensitive.
func HashShareCode(code string) string {
	return HashAccessCode(strings.ToUpper(strings.TrimSpace(code)))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryUserStore keeps users in process.
type MemoryUserStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	children map[string]*Child
	// parent id -> child id -> owner
	links  map[string]map[string]bool
	shares map[string]*ShareCode
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:    map[string]*User{},
		children: map[string]*Child{},
		links:    map[string]map[string]bool{},
		shares:   map[string]*ShareCode{},
	}
}

func (s *MemoryUserStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := normalizeEmail(u.Email)
	if _, ok := s.users[email]; ok {
		return ErrDuplicate
	}
	cp := *u
	cp.Email = email
	s.users[email] = &cp
	return nil
}

func (s *MemoryUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) CreateChild(ctx context.Context, c *Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[c.ID]; ok {
		return ErrDuplicate
	}
	for _, other := range s.children {
		if other.AccessCodeHash == c.AccessCodeHash {
			return ErrDuplicate
		}
	}
	cp := *c
	s.children[c.ID] = &cp
	return nil
}

func (s *MemoryUserStore) GetChild(ctx context.Context, id string) (*Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[id]
	if !ok {
		return nil, ErrChildNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryUserStore) GetChildByAccessCode(ctx context.Context, codeHash string) (*Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.children {
		if c.AccessCodeHash == codeHash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrChildNotFound
}

func (s *MemoryUserStore) ListChildren(ctx context.Context) ([]*Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Child, 0, len(s.children))
	for _, c := range s.children {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryUserStore) SetChildFrozen(ctx context.Context, id string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return ErrChildNotFound
	}
	c.Frozen = frozen
	return nil
}

func (s *MemoryUserStore) SetChildAccessCode(ctx context.Context, id, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return ErrChildNotFound
	}
	for _, other := range s.children {
		if other.ID != id && other.AccessCodeHash == codeHash {
			return ErrDuplicate
		}
	}
	c.AccessCodeHash = codeHash
	return nil
}

func (s *MemoryUserStore) LinkChild(ctx context.Context, parentID, childID string, owner bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[childID]; !ok {
		return ErrChildNotFound
	}
	set, ok := s.links[parentID]
	if !ok {
		set = map[string]bool{}
		s.links[parentID] = set
	}
	set[childID] = set[childID] || owner
	return nil
}

func (s *MemoryUserStore) UnlinkChild(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[parentID][childID]; !ok {
		return ErrLinkNotFound
	}
	delete(s.links[parentID], childID)
	return nil
}

func (s *MemoryUserStore) ChildrenOf(ctx context.Context, parentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	for id := range s.links[parentID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryUserStore) ParentsOf(ctx context.Context, childID string) ([]*ParentLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*ParentLink{}
	for _, u := range s.users {
		owner, ok := s.links[u.ID][childID]
		if !ok {
			continue
		}
		out = append(out, &ParentLink{ParentID: u.ID, Email: u.Email, Name: u.Name, Owner: owner})
	}
	sortParents(out)
	return out, nil
}

// sortParents puts the owner first, then orders by email.
func sortParents(links []*ParentLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Owner != links[j].Owner {
			return links[i].Owner
		}
		return links[i].Email < links[j].Email
	})
}

func (s *MemoryUserStore) CreateShareCode(ctx context.Context, sc *ShareCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[sc.CodeHash]; ok {
		return ErrDuplicate
	}
	cp := *sc
	cp.Code = ""
	s.shares[sc.CodeHash] = &cp
	return nil
}

func (s *MemoryUserStore) ClaimShareCode(ctx context.Context, codeHash, parentID string, at time.Time) (*ShareCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.shares[codeHash]
	if !ok || sc.UsedBy != "" || !at.Before(sc.ExpiresAt) {
		return nil, ErrShareCodeInvalid
	}
	sc.UsedBy = parentID
	usedAt := at
	sc.UsedAt = &usedAt
	cp := *sc
	return &cp, nil
}
