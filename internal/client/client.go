// Package client is the typed HTTP transport for the family bank API.
// Server error bodies come back as classified bankerr errors, so callers
// branch on errors.Is exactly as they would in process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/security"
)

// CredentialSource supplies the bearer credential for each call.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client talks to one family bank server.
type Client struct {
	baseURL     string
	http        *http.Client
	credentials CredentialSource
	userAgent   string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

func New(baseURL string, creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		credentials: creds,
		userAgent:   "familybank-client",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithCredentials returns a copy of c that authenticates with creds.
func (c *Client) WithCredentials(creds CredentialSource) *Client {
	cp := *c
	cp.credentials = creds
	return &cp
}

// StatusError is the decoded error body of a failed call.
type StatusError struct {
	Status        int
	Code          string
	Message       string
	CorrelationID string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("%d %s (correlation id %s)", e.Status, msg, e.CorrelationID)
	}
	return fmt.Sprintf("%d %s", e.Status, msg)
}

var knownKinds = map[string]bankerr.Kind{}

func init() {
	for _, k := range []bankerr.Kind{
		bankerr.KindValidation, bankerr.KindForbiddenAccount, bankerr.KindForbidden,
		bankerr.KindInvalidState, bankerr.KindUnauthorized, bankerr.KindNotFound,
		bankerr.KindInsufficientFunds, bankerr.KindConflict, bankerr.KindPartialFailure,
		bankerr.KindInternal,
	} {
		knownKinds[string(k)] = k
	}
}

// kindFor classifies a failed response by its error code, falling back to
// the status for codes the server's taxonomy does not define.
func kindFor(status int, code string) bankerr.Kind {
	if k, ok := knownKinds[code]; ok {
		return k
	}
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return bankerr.KindValidation
	case http.StatusUnauthorized:
		return bankerr.KindUnauthorized
	case http.StatusForbidden:
		return bankerr.KindForbidden
	case http.StatusNotFound:
		return bankerr.KindNotFound
	case http.StatusConflict:
		return bankerr.KindInvalidState
	}
	return bankerr.KindInternal
}

func decodeError(resp *http.Response) error {
	se := &StatusError{Status: resp.StatusCode, CorrelationID: resp.Header.Get(security.CorrelationIDHeader)}
	var body security.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil {
		se.Code = body.Error
		se.Message = body.Message
		if body.CorrelationID != "" {
			se.CorrelationID = body.CorrelationID
		}
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	op := resp.Request.Method + " " + resp.Request.URL.Path
	kind := kindFor(resp.StatusCode, se.Code)
	if kind == bankerr.KindPartialFailure {
		pf := &bankerr.PartialFailureError{Op: op, Succeeded: body.Succeeded, Failed: make(map[string]error, len(body.Failed))}
		for name, msg := range body.Failed {
			pf.Failed[name] = errors.New(msg)
		}
		return pf
	}
	return bankerr.Wrap(kind, op, se)
}

// do sends one JSON request. A missing credential fails with Unauthorized
// before anything is sent; public calls pass anonymous.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, anonymous bool) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !anonymous {
		if c.credentials == nil {
			return bankerr.E(bankerr.KindUnauthorized, method+" "+path, "no credential")
		}
		tok, err := c.credentials.Token(ctx)
		if err != nil {
			return bankerr.Wrap(bankerr.KindUnauthorized, method+" "+path, err)
		}
		if tok == "" {
			return bankerr.E(bankerr.KindUnauthorized, method+" "+path, "no credential")
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// 207 carries the error body of a partially applied action.
	if resp.StatusCode >= 300 || resp.StatusCode == http.StatusMultiStatus {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out, false)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out, false)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out, false)
}

func seg(id string) string { return url.PathEscape(id) }
