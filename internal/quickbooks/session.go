package quickbooks

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/secret"
	"invoicehub/backend/internal/store"
)

type SessionStore interface {
	GetExternalSession(ctx context.Context, accountID string) (*domain.ExternalSession, error)
	SaveExternalSession(ctx context.Context, session domain.ExternalSession) (*domain.ExternalSession, error)
	CompareAndSwapExternalSession(ctx context.Context, session domain.ExternalSession, expectedVersion int64) (*domain.ExternalSession, error)
}

// Sessions owns the OAuth lifecycle of every account's connection. Tokens
// are sealed before they reach the store. Concurrent refreshes for one
// account collapse into a single token request.
type Sessions struct {
	store      SessionStore
	sealer     *secret.Sealer
	oauth      *oauth2.Config
	httpClient *http.Client
	group      singleflight.Group
	now        func() time.Time
	log        zerolog.Logger
}

func NewSessions(cfg Config, sessionStore SessionStore, sealer *secret.Sealer, log zerolog.Logger) *Sessions {
	cfg = cfg.withDefaults()
	return &Sessions{
		store:  sessionStore,
		sealer: sealer,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{AccountingScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// AuthCodeURL is where the user grants access. state is echoed back to the
// callback unchanged.
func (s *Sessions) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and stores them as the
// account's session, replacing any previous one.
func (s *Sessions) Exchange(ctx context.Context, accountID string, code string, companyID string) (*domain.ExternalSession, error) {
	code = strings.TrimSpace(code)
	companyID = strings.TrimSpace(companyID)
	if code == "" || companyID == "" {
		return nil, &AuthError{Op: "exchange", Err: errors.New("authorization code and realm id are required")}
	}

	token, err := s.oauth.Exchange(s.withClient(ctx), code)
	if err != nil {
		return nil, &AuthError{Op: "exchange", Err: err}
	}

	session := domain.ExternalSession{
		AccountID:    accountID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    s.expiryOf(token),
		CompanyID:    companyID,
	}
	sealed, err := s.seal(session)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.SaveExternalSession(ctx, sealed)
	if err != nil {
		return nil, err
	}
	session.Version = saved.Version
	session.UpdatedAt = saved.UpdatedAt

	s.log.Info().Str("account_id", accountID).Str("company_id", companyID).Msg("quickbooks connected")
	return &session, nil
}

// Lookup returns the stored session without refreshing it.
func (s *Sessions) Lookup(ctx context.Context, accountID string) (*domain.ExternalSession, error) {
	stored, err := s.store.GetExternalSession(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return s.open(*stored)
}

// Fresh returns a session whose access token outlives the refresh leeway,
// refreshing and persisting a new token pair first when needed.
func (s *Sessions) Fresh(ctx context.Context, accountID string) (*domain.ExternalSession, error) {
	session, err := s.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !s.needsRefresh(session) {
		return session, nil
	}

	// The flight outlives whichever caller started it; the HTTP client
	// timeout bounds it instead.
	flightCtx := context.WithoutCancel(ctx)
	flight := s.group.DoChan(accountID, func() (any, error) {
		return s.refresh(flightCtx, accountID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.log.Debug().Str("account_id", accountID).Msg("joined in-flight token refresh")
		}
		refreshed := *res.Val.(*domain.ExternalSession)
		return &refreshed, nil
	}
}

func (s *Sessions) refresh(ctx context.Context, accountID string) (*domain.ExternalSession, error) {
	// A flight that finished just before this one may already have stored
	// a fresh pair.
	current, err := s.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !s.needsRefresh(current) {
		return current, nil
	}

	// A past expiry forces the token source to hit the refresh grant.
	src := s.oauth.TokenSource(s.withClient(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	token, err := src.Token()
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: err}
	}

	next := *current
	next.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		next.RefreshToken = token.RefreshToken
	}
	next.ExpiresAt = s.expiryOf(token)

	sealed, err := s.seal(next)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.CompareAndSwapExternalSession(ctx, sealed, current.Version)
	if errors.Is(err, store.ErrConflict) {
		// Another process refreshed first; its pair is the valid one now.
		s.log.Info().Str("account_id", accountID).Msg("token refresh lost race, using stored session")
		return s.Lookup(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}
	next.Version = saved.Version
	next.UpdatedAt = saved.UpdatedAt

	s.log.Info().Str("account_id", accountID).Time("expires_at", next.ExpiresAt).Msg("quickbooks token refreshed")
	return &next, nil
}

func (s *Sessions) needsRefresh(session *domain.ExternalSession) bool {
	return session.ExpiresAt.Sub(s.now()) < refreshLeeway
}

func (s *Sessions) expiryOf(token *oauth2.Token) time.Time {
	if token.Expiry.IsZero() {
		return s.now().Add(defaultTokenLifetime)
	}
	return token.Expiry.UTC()
}

func (s *Sessions) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func (s *Sessions) seal(session domain.ExternalSession) (domain.ExternalSession, error) {
	if s.sealer == nil {
		return session, nil
	}
	var err error
	if session.AccessToken, err = s.sealer.Seal(session.AccessToken, session.AccountID); err != nil {
		return session, err
	}
	if session.RefreshToken, err = s.sealer.Seal(session.RefreshToken, session.AccountID); err != nil {
		return session, err
	}
	return session, nil
}

func (s *Sessions) open(session domain.ExternalSession) (*domain.ExternalSession, error) {
	if s.sealer == nil {
		return &session, nil
	}
	var err error
	if session.AccessToken, err = s.sealer.Open(session.AccessToken, session.AccountID); err != nil {
		return nil, &AuthError{Op: "load session", Err: err}
	}
	if session.RefreshToken, err = s.sealer.Open(session.RefreshToken, session.AccountID); err != nil {
		return nil, &AuthError{Op: "load session", Err: err}
	}
	return &session, nil
}
