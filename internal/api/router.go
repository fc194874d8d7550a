package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/internal/recurring"
	"github.com/example/family-bank/internal/security"
	"github.com/example/family-bank/internal/withdrawals"
	"github.com/example/family-bank/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// RecurringReader lists a child's scheduled charges.
type RecurringReader interface {
	ListByChild(ctx context.Context, childID string) ([]*recurring.Charge, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	Issuer       *auth.Issuer
	JWTValidator *auth.JWTValidator
	Directory    *auth.Directory

	Ledger      *ledger.Service
	Instruments *instruments.Service
	Withdrawals *withdrawals.Service
	Recurring   RecurringReader

	Auditor        Auditor
	RateLimiter    *security.RedisTokenBucket
	IPAllowlist    []*net.IPNet
	TrustedProxies []*net.IPNet
	MaxBodyBytes   int64
}

var (
	loginV             = security.MustJSONSchemaValidator(loginSchema)
	childLoginV        = security.MustJSONSchemaValidator(childLoginSchema)
	createUserV        = security.MustJSONSchemaValidator(createUserSchema)
	createChildV       = security.MustJSONSchemaValidator(createChildSchema)
	accessCodeV        = security.MustJSONSchemaValidator(accessCodeSchema)
	recordTxV          = security.MustJSONSchemaValidator(recordTransactionSchema)
	amendTxV           = security.MustJSONSchemaValidator(amendTransactionSchema)
	interestRateV      = security.MustJSONSchemaValidator(interestRateSchema)
	penaltyRateV       = security.MustJSONSchemaValidator(penaltyRateSchema)
	cdPenaltyRateV     = security.MustJSONSchemaValidator(cdPenaltyRateSchema)
	loanRequestV       = security.MustJSONSchemaValidator(loanRequestSchema)
	loanApproveV       = security.MustJSONSchemaValidator(loanApproveSchema)
	amountV            = security.MustJSONSchemaValidator(amountSchema)
	loanRateV          = security.MustJSONSchemaValidator(loanRateSchema)
	cdOfferV           = security.MustJSONSchemaValidator(cdOfferSchema)
	withdrawalRequestV = security.MustJSONSchemaValidator(withdrawalRequestSchema)
)

type server struct {
	Dependencies
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(s.Logger, w, r, err)
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &server{Dependencies: deps}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	managers := auth.RequireRoles(onAuthError, principal.RoleAdmin, principal.RoleParent)
	admins := auth.RequireRoles(onAuthError, principal.RoleAdmin)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist, deps.TrustedProxies))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByPrincipalOrIP(deps.TrustedProxies)))
		}
		r.With(loginV.Middleware).Post("/auth/login", s.handleLogin)
		r.With(childLoginV.Middleware).Post("/children/login", s.handleChildLogin)
		r.Get("/auth/jwks.json", s.Issuer.JWKSHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, deps.Directory, onAuthError))
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByPrincipalOrIP(deps.TrustedProxies)))
		}
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor))
		}

		r.Get("/auth/me", s.handleMe)
		r.With(admins, createUserV.Middleware).Post("/users", s.handleCreateUser)

		r.Route("/children", func(r chi.Router) {
			r.Get("/", s.handleListChildren)
			r.With(managers, createChildV.Middleware).Post("/", s.handleCreateChild)
			r.Get("/me", s.handleMyChild)
			r.Get("/me/parents", s.handleMyParents)
			r.With(managers).Post("/sharecode/{code}", s.handleRedeemShareCode)
			r.Get("/{id}", s.handleGetChild)
			r.Get("/{id}/accounts", s.handleGetAccounts)
			r.With(managers).Post("/{id}/sharecode", s.handleShareCode)
			r.With(managers).Get("/{id}/parents", s.handleListParents)
			r.With(managers).Delete("/{id}/parents/{parent_id}", s.handleUnlinkParent)
			r.With(managers, accessCodeV.Middleware).Put("/{id}/access-code", s.handleSetAccessCode)
			r.With(admins).Get("/{id}/ledger-check", s.handleLedgerCheck)
			r.With(managers).Post("/{id}/freeze", s.handleFreeze(true))
			r.With(managers).Post("/{id}/unfreeze", s.handleFreeze(false))
			r.With(managers, interestRateV.Middleware).Put("/{id}/interest-rate", s.handleSetInterestRate)
			r.With(managers, penaltyRateV.Middleware).Put("/{id}/penalty-interest-rate", s.handleSetPenaltyRate)
			r.With(managers, cdPenaltyRateV.Middleware).Put("/{id}/cd-penalty-rate", s.handleSetCDPenaltyRate)
		})

		r.Get("/accounts/{id}/rate-history", s.handleRateHistory)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/child/{id}", s.handleListTransactions)
			r.With(managers, recordTxV.Middleware).Post("/", s.handleRecordTransaction)
			r.With(managers, amendTxV.Middleware).Put("/{id}", s.handleAmendTransaction)
			r.With(managers).Delete("/{id}", s.handleDeleteTransaction)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", s.handleListLoans)
			r.With(loanRequestV.Middleware).Post("/", s.handleRequestLoan)
			r.Get("/{id}", s.handleGetLoan)
			r.Get("/{id}/transitions", s.handleTransitions(instruments.KindLoan))
			r.With(managers, loanApproveV.Middleware).Post("/{id}/approve", s.handleApproveLoan)
			r.With(managers).Post("/{id}/deny", s.handleLoanAction(s.Instruments.DenyLoan))
			r.With(managers).Post("/{id}/disburse", s.handleLoanAction(s.Instruments.DisburseLoan))
			r.With(managers, amountV.Middleware).Post("/{id}/payment", s.handleLoanPayment)
			r.With(managers, loanRateV.Middleware).Post("/{id}/interest", s.handleLoanRate)
			r.With(managers).Post("/{id}/close", s.handleLoanAction(s.Instruments.CloseLoan))
		})

		r.Route("/cds", func(r chi.Router) {
			r.Get("/", s.handleListCDs)
			r.With(managers, cdOfferV.Middleware).Post("/", s.handleOfferCD)
			r.With(admins).Post("/mature-due", s.handleMatureDue)
			r.Get("/{id}", s.handleGetCD)
			r.Get("/{id}/transitions", s.handleTransitions(instruments.KindCD))
			r.Post("/{id}/accept", s.handleCDAction(s.Instruments.AcceptCD, false))
			r.Post("/{id}/reject", s.handleCDAction(s.Instruments.RejectCD, false))
			r.Post("/{id}/redeem-early", s.handleCDAction(s.Instruments.RedeemCDEarly, false))
			r.With(managers).Post("/{id}/mature", s.handleCDAction(s.Instruments.MatureCD, true))
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Get("/", s.handleListWithdrawals)
			r.Get("/mine", s.handleMyWithdrawals)
			r.With(withdrawalRequestV.Middleware).Post("/", s.handleRequestWithdrawal)
			r.Post("/{id}/approve", s.handleApproveWithdrawal)
			r.Post("/{id}/deny", s.handleDenyWithdrawal)
			r.Post("/{id}/cancel", s.handleCancelWithdrawal)
		})

		r.Get("/recurring-charges/child/{id}", s.handleRecurringCharges)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteError(w, r, http.StatusNotFound, "not_found", "route not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r, nil
}
