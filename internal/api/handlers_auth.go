package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/principal"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type childLoginRequest struct {
	AccessCode string `json:"access_code"`
}

func actor(r *http.Request) principal.Principal {
	p, _ := principal.FromContext(r.Context())
	return p
}

func (s *server) mustView(w http.ResponseWriter, r *http.Request, childID string) bool {
	if !actor(r).CanView(childID) {
		s.fail(w, r, bankerr.Forbidden("api", "not allowed to view child %s", childID))
		return false
	}
	return true
}

func (s *server) mustManage(w http.ResponseWriter, r *http.Request, childID string) bool {
	if !actor(r).CanManage(childID) {
		s.fail(w, r, bankerr.Forbidden("api", "not allowed to manage child %s", childID))
		return false
	}
	return true
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.Issuer.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *server) handleChildLogin(w http.ResponseWriter, r *http.Request) {
	var req childLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.Issuer.LoginChild(r.Context(), req.AccessCode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, actor(r))
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.NewUser
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p := actor(r)
	u, err := s.Directory.CreateUser(r.Context(), req, &p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, u)
}

func (s *server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.Directory.Children(r.Context(), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, children)
}

func (s *server) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	var req auth.NewChild
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.Directory.CreateChild(r.Context(), req, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

func (s *server) handleFreeze(frozen bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.Directory.SetFrozen(r.Context(), chi.URLParam(r, "id"), frozen, actor(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, c)
	}
}

type accessCodeRequest struct {
	AccessCode string `json:"access_code"`
}

// meChild is the child behind a child token.
func (s *server) meChild(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := actor(r)
	if !p.IsChild() {
		s.fail(w, r, bankerr.Forbidden("api", "not a child token"))
		return "", false
	}
	return p.ChildID, true
}

func (s *server) handleMyChild(w http.ResponseWriter, r *http.Request) {
	childID, ok := s.meChild(w, r)
	if !ok {
		return
	}
	c, err := s.Directory.GetChild(r.Context(), childID, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

func (s *server) handleGetChild(w http.ResponseWriter, r *http.Request) {
	c, err := s.Directory.GetChild(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

func (s *server) writeParents(w http.ResponseWriter, r *http.Request, childID string) {
	links, err := s.Directory.Parents(r.Context(), childID, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, links)
}

func (s *server) handleMyParents(w http.ResponseWriter, r *http.Request) {
	if childID, ok := s.meChild(w, r); ok {
		s.writeParents(w, r, childID)
	}
}

func (s *server) handleListParents(w http.ResponseWriter, r *http.Request) {
	s.writeParents(w, r, chi.URLParam(r, "id"))
}

func (s *server) handleUnlinkParent(w http.ResponseWriter, r *http.Request) {
	err := s.Directory.UnlinkParent(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "parent_id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSetAccessCode(w http.ResponseWriter, r *http.Request) {
	var req accessCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.Directory.SetAccessCode(r.Context(), chi.URLParam(r, "id"), req.AccessCode, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

func (s *server) handleShareCode(w http.ResponseWriter, r *http.Request) {
	sc, err := s.Directory.GenerateShareCode(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sc)
}

func (s *server) handleRedeemShareCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.Directory.RedeemShareCode(r.Context(), chi.URLParam(r, "code"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}
