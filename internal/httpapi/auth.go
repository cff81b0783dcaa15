package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer   = "invoicehub"
	apiAudience   = "invoicehub-api"
	stateAudience = "invoicehub-oauth-state"
	stateTTL      = 10 * time.Minute
)

// AuthManager verifies bearer tokens and signs the OAuth state parameter.
// Both are HS256 JWTs carrying the account id; the audience keeps one from
// being accepted as the other.
type AuthManager struct {
	secret []byte
	now    func() time.Time
}

type accountClaims struct {
	jwtlib.RegisteredClaims
	AccountID string `json:"account_id"`
}

func NewAuthManager(secret string) *AuthManager {
	return &AuthManager{
		secret: []byte(secret),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken mints a bearer token for accountID. Sessions are issued
// elsewhere in production; this serves operators and tests.
func (a *AuthManager) IssueToken(accountID string, ttl time.Duration) (string, error) {
	return a.sign(accountID, apiAudience, ttl)
}

func (a *AuthManager) ParseToken(tokenStr string) (string, error) {
	accountID, err := a.parse(tokenStr, apiAudience)
	if err != nil {
		return "", errors.New("invalid or expired token")
	}
	return accountID, nil
}

func (a *AuthManager) SignState(accountID string) (string, error) {
	return a.sign(accountID, stateAudience, stateTTL)
}

func (a *AuthManager) ParseState(state string) (string, error) {
	accountID, err := a.parse(state, stateAudience)
	if err != nil {
		return "", errors.New("invalid or expired oauth state")
	}
	return accountID, nil
}

func (a *AuthManager) sign(accountID string, audience string, ttl time.Duration) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", errors.New("account id required")
	}
	now := a.now()
	claims := accountClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   accountID,
			Audience:  jwtlib.ClaimStrings{audience},
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		AccountID: accountID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) parse(tokenStr string, audience string) (string, error) {
	claims := &accountClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithAudience(audience),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.AccountID) == "" {
		return "", errors.New("token carries no account")
	}
	return claims.AccountID, nil
}

type accountContextKey struct{}

func withAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountContextKey{}, accountID)
}

func accountFrom(ctx context.Context) string {
	accountID, _ := ctx.Value(accountContextKey{}).(string)
	return accountID
}
