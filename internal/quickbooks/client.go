package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"invoicehub/backend/internal/domain"
)

const maxResponseBody = 4 << 20

type client struct {
	baseURL  string
	http     *http.Client
	accounts AccountMapping
	log      zerolog.Logger
}

func newClient(cfg Config, log zerolog.Logger) *client {
	return &client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		accounts: cfg.Accounts,
		log:      log,
	}
}

// do sends one authenticated request to /v3/company/{realm}/{endpoint} and
// decodes the entity stored under key in the response body into out.
func (c *client) do(ctx context.Context, session *domain.ExternalSession, op string, method string, endpoint string, query url.Values, payload any, key string, out any) error {
	target := fmt.Sprintf("%s/v3/company/%s/%s", c.baseURL, url.PathEscape(session.CompanyID), endpoint)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startedAt := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Detail: err.Error(), Accounts: c.accounts}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return &APIError{Op: op, Status: res.StatusCode, Detail: err.Error(), Accounts: c.accounts}
	}
	c.log.Debug().
		Str("op", op).
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", res.StatusCode).
		Dur("latency", time.Since(startedAt)).
		Msg("quickbooks call")

	if code, detail, ok := parseFault(raw); ok {
		return &APIError{Op: op, Status: res.StatusCode, Code: code, Detail: detail, Accounts: c.accounts}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{Op: op, Status: res.StatusCode, Detail: http.StatusText(res.StatusCode), Accounts: c.accounts}
	}
	if out == nil {
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &APIError{Op: op, Status: res.StatusCode, Detail: "invalid json response", Accounts: c.accounts}
	}
	entity, ok := envelope[key]
	if !ok {
		return &APIError{Op: op, Status: res.StatusCode, Detail: fmt.Sprintf("response has no %s", key), Accounts: c.accounts}
	}
	if err := json.Unmarshal(entity, out); err != nil {
		return &APIError{Op: op, Status: res.StatusCode, Detail: fmt.Sprintf("decode %s: %v", key, err), Accounts: c.accounts}
	}
	return nil
}

func (c *client) query(ctx context.Context, session *domain.ExternalSession, op string, statement string, out any) error {
	return c.do(ctx, session, op, http.MethodGet, "query", url.Values{"query": {statement}}, nil, "QueryResponse", out)
}

func (c *client) companyInfo(ctx context.Context, session *domain.ExternalSession) (companyInfo, error) {
	var info companyInfo
	err := c.do(ctx, session, "read company info", http.MethodGet, "companyinfo/"+url.PathEscape(session.CompanyID), nil, nil, "CompanyInfo", &info)
	return info, err
}

type companyInfo struct {
	ID          string `json:"Id"`
	CompanyName string `json:"CompanyName"`
}

// Ref points at another QuickBooks entity by id.
type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type Counterparty struct {
	ID          string `json:"Id,omitempty"`
	SyncToken   string `json:"SyncToken,omitempty"`
	DisplayName string `json:"DisplayName"`
	CompanyName string `json:"CompanyName,omitempty"`
}
