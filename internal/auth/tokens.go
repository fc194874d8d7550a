package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/principal"
)

// Issuer authenticates users and children and signs their access tokens.
type Issuer struct {
	Users          UserStore
	Keys           *KeySet
	Issuer         string
	AccessTokenTTL time.Duration
	Now            func() time.Time
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Role     principal.Role `json:"role"`
	ChildID  string         `json:"child_id,omitempty"`
	Children []string       `json:"children,omitempty"`
}

func (c *AccessTokenClaims) Principal() principal.Principal {
	return principal.Principal{ID: c.Subject, Role: c.Role, ChildID: c.ChildID, Children: c.Children}
}

type TokenResponse struct {
	AccessToken string              `json:"access_token"`
	TokenType   string              `json:"token_type"`
	ExpiresIn   int64               `json:"expires_in"`
	Principal   principal.Principal `json:"principal"`
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Issuer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Issuer) ttl() time.Duration {
	if s.AccessTokenTTL == 0 {
		return 15 * time.Minute
	}
	return s.AccessTokenTTL
}

// Issue signs an access token for p.
func (s *Issuer) Issue(p principal.Principal) (*TokenResponse, error) {
	now := s.now()
	exp := s.ttl()
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
			ID:        uuid.NewString(),
		},
		Role:     p.Role,
		ChildID:  p.ChildID,
		Children: p.Children,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.Keys.KeyID()

	signed, err := tok.SignedString(s.Keys.PrivateKey())
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, "auth.Issue", err)
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(exp.Seconds()),
		Principal:   p,
	}, nil
}

// Login authenticates a parent or administrator by email and password.
func (s *Issuer) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	const op = "auth.Login"
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, bankerr.Validation(op, "email and password are required")
	}
	u, err := s.Users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, bankerr.E(bankerr.KindUnauthorized, op, "invalid credentials")
	}
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	if !VerifyPassword(u.PasswordHash, password) {
		return nil, bankerr.E(bankerr.KindUnauthorized, op, "invalid credentials")
	}
	p := principal.Principal{ID: u.ID, Role: u.Role}
	if u.Role == principal.RoleParent {
		if p.Children, err = s.Users.ChildrenOf(ctx, u.ID); err != nil {
			return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
		}
	}
	return s.Issue(p)
}

// LoginChild authenticates a child by access code. Frozen children are
// refused.
func (s *Issuer) LoginChild(ctx context.Context, accessCode string) (*TokenResponse, error) {
	const op = "auth.LoginChild"
	if strings.TrimSpace(accessCode) == "" {
		return nil, bankerr.Validation(op, "access code is required")
	}
	c, err := s.Users.GetChildByAccessCode(ctx, HashAccessCode(accessCode))
	if errors.Is(err, ErrChildNotFound) {
		return nil, bankerr.E(bankerr.KindUnauthorized, op, "invalid access code")
	}
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindInternal, op, err)
	}
	if c.Frozen {
		return nil, bankerr.E(bankerr.KindUnauthorized, op, "account is frozen")
	}
	return s.Issue(principal.Principal{ID: c.ID, Role: principal.RoleChild, ChildID: c.ID})
}

func (s *Issuer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Keys.JWKS()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": string(bankerr.KindInternal)})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}
