package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/quickbooks"
	"invoicehub/backend/internal/service"
	"invoicehub/backend/internal/store"
)

// Ledger is the OAuth and status surface of the external ledger.
type Ledger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, accountID string, code string, companyID string) (*domain.ExternalSession, error)
	Status(ctx context.Context, accountID string) (domain.SessionStatus, error)
}

type API struct {
	service       *service.Service
	ledger        Ledger
	auth          *AuthManager
	allowedOrigin string
	log           zerolog.Logger
}

// New builds the HTTP surface. ledger may be nil when QuickBooks is not
// configured.
func New(svc *service.Service, ledger Ledger, auth *AuthManager, allowedOrigin string, log zerolog.Logger) *API {
	return &API{
		service:       svc,
		ledger:        ledger,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		log:           log,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/invoices", a.requireAuth(a.handleInvoices))
	mux.HandleFunc("/api/v1/invoices/", a.requireAuth(a.handleInvoiceActions))

	mux.HandleFunc("/api/v1/quickbooks/connect", a.requireAuth(a.handleQuickBooksConnect))
	mux.HandleFunc("/api/v1/quickbooks/callback", a.handleQuickBooksCallback)
	mux.HandleFunc("/api/v1/quickbooks/status", a.requireAuth(a.handleQuickBooksStatus))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		accountID, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(withAccount(r.Context(), accountID)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())

	switch r.Method {
	case http.MethodGet:
		filter := domain.InvoiceFilter{
			InvoiceType: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type"))),
			Status:      strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))),
		}
		invoices, err := a.service.List(r.Context(), accountID, filter)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		if len(invoices) > limit {
			invoices = invoices[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
	case http.MethodPost:
		var req domain.InvoiceRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.Create(r.Context(), accountID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleInvoiceActions(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/invoices/"), "/")
	if tail == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("invoice id required"))
		return
	}

	if tail == "sync-pending" {
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		summary, err := a.service.SyncPending(r.Context(), accountID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	invoiceID, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		a.handleInvoice(w, r, accountID, invoiceID)
	case "status":
		if r.Method != http.MethodPatch {
			a.writeMethodNotAllowed(w)
			return
		}
		var req domain.StatusUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		inv, err := a.service.UpdateStatus(r.Context(), accountID, invoiceID, req.Status)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	case "sync":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		result, err := a.service.SyncInvoice(r.Context(), accountID, invoiceID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown invoice action"))
	}
}

func (a *API) handleInvoice(w http.ResponseWriter, r *http.Request, accountID string, invoiceID string) {
	switch r.Method {
	case http.MethodGet:
		result, err := a.service.Get(r.Context(), accountID, invoiceID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodPut:
		var req domain.InvoiceRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.Update(r.Context(), accountID, invoiceID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodDelete:
		if err := a.service.Delete(r.Context(), accountID, invoiceID); err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "invoice deleted"})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleQuickBooksConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if a.ledger == nil {
		a.writeServiceError(w, service.ErrLedgerDisabled)
		return
	}
	state, err := a.auth.SignState(accountFrom(r.Context()))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authUrl": a.ledger.AuthCodeURL(state)})
}

// handleQuickBooksCallback is reached by browser redirect without a bearer
// token; the signed state identifies the account.
func (a *API) handleQuickBooksCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if a.ledger == nil {
		a.writeServiceError(w, service.ErrLedgerDisabled)
		return
	}

	query := r.URL.Query()
	if denied := strings.TrimSpace(query.Get("error")); denied != "" {
		a.writeError(w, http.StatusBadRequest, errors.New("authorization denied: "+denied))
		return
	}
	code := strings.TrimSpace(query.Get("code"))
	realmID := strings.TrimSpace(query.Get("realmId"))
	if code == "" || realmID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("code and realmId are required"))
		return
	}
	accountID, err := a.auth.ParseState(query.Get("state"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := a.ledger.Exchange(r.Context(), accountID, code, realmID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "quickbooks connected",
		"companyId": session.CompanyID,
		"expiresAt": session.ExpiresAt,
	})
}

func (a *API) handleQuickBooksStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if a.ledger == nil {
		writeJSON(w, http.StatusOK, domain.SessionStatus{})
		return
	}
	status, err := a.ledger.Status(r.Context(), accountFrom(r.Context()))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(startedAt)).
			Msg("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps pipeline and ledger errors onto status codes and
// the {message, errors} envelope.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *service.ValidationError
		stockErr      *store.OutOfStockError
		authErr       *quickbooks.AuthError
		apiErr        *quickbooks.APIError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "validation failed",
			"errors":  validationErr.Fields,
		})
	case errors.As(err, &stockErr):
		products := make([]map[string]string, 0, len(stockErr.Products))
		for _, p := range stockErr.Products {
			products = append(products, map[string]string{"productId": p.ID, "name": p.Name})
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": stockErr.Error(),
			"errors":  products,
		})
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	case errors.Is(err, service.ErrLedgerDisabled),
		errors.Is(err, quickbooks.ErrNoSession),
		errors.Is(err, quickbooks.ErrZeroAmount),
		errors.Is(err, quickbooks.ErrCounterpartyType),
		errors.As(err, &authErr):
		a.writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &apiErr):
		a.log.Error().Err(err).Msg("external ledger call failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message":  "external ledger request failed",
			"code":     apiErr.Code,
			"detail":   apiErr.Detail,
			"accounts": apiErr.Accounts,
		})
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic so storage and driver details never leak.
	msg := err.Error()
	if status >= 500 {
		a.log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"message": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
