package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/logger"
	"invoicehub/backend/internal/secret"
	"invoicehub/backend/internal/store"
	"invoicehub/backend/internal/store/memory"
)

const (
	testAccount = memory.SeedAccountID
	testRealm   = "9130350"
)

// fakeQuickBooks serves the token endpoint and the accounting API for one
// realm.
type fakeQuickBooks struct {
	t        *testing.T
	server   *httptest.Server
	mu       sync.Mutex
	refresh  atomic.Int32
	granting atomic.Int32
	delay    time.Duration
	accepted map[string]bool

	customers []Counterparty
	created   []Counterparty
	journals  []JournalEntry
	queries   []string
	failPost  []byte
}

func newFakeQuickBooks(t *testing.T) *fakeQuickBooks {
	t.Helper()
	f := &fakeQuickBooks{t: t, accepted: map[string]bool{"at-0": true}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeQuickBooks) config() Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/callback",
		AuthURL:      f.server.URL + "/authorize",
		TokenURL:     f.server.URL + "/token",
		BaseURL:      f.server.URL,
		HTTPTimeout:  5 * time.Second,
	}
}

func (f *fakeQuickBooks) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		f.serveToken(w, r)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !f.accepted[token] {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"fault":{"type":"AUTHENTICATION","error":[{"message":"message=AuthenticationFailed","detail":"Token expired","code":"3200"}]}}`))
		return
	}

	prefix := "/v3/company/" + testRealm + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	endpoint := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case r.Method == http.MethodGet && endpoint == "query":
		statement := r.URL.Query().Get("query")
		f.queries = append(f.queries, statement)
		entity := "Customer"
		if strings.Contains(statement, "FROM Vendor") {
			entity = "Vendor"
		}
		writeTestJSON(w, map[string]any{"QueryResponse": map[string]any{entity: f.customers}})
	case r.Method == http.MethodPost && (endpoint == "customer" || endpoint == "vendor"):
		var c Counterparty
		_ = json.NewDecoder(r.Body).Decode(&c)
		c.ID = fmt.Sprintf("%d", 100+len(f.created))
		f.created = append(f.created, c)
		writeTestJSON(w, map[string]any{strings.ToUpper(endpoint[:1]) + endpoint[1:]: c})
	case r.Method == http.MethodGet && strings.HasPrefix(endpoint, "journalentry/"):
		id := strings.TrimPrefix(endpoint, "journalentry/")
		writeTestJSON(w, map[string]any{"JournalEntry": JournalEntry{ID: id, SyncToken: "4"}})
	case r.Method == http.MethodPost && endpoint == "journalentry":
		if f.failPost != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(f.failPost)
			return
		}
		var entry JournalEntry
		_ = json.NewDecoder(r.Body).Decode(&entry)
		f.journals = append(f.journals, entry)
		if entry.ID == "" {
			entry.ID = fmt.Sprintf("%d", 900+len(f.journals))
		}
		writeTestJSON(w, map[string]any{"JournalEntry": entry})
	case r.Method == http.MethodGet && endpoint == "companyinfo/"+testRealm:
		writeTestJSON(w, map[string]any{"CompanyInfo": companyInfo{ID: "1", CompanyName: "Sandbox Company"}})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeQuickBooks) serveToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "client-id" || pass != "client-secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.granting.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	var access, refresh string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			writeTestJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		access, refresh = "at-0", "rt-0"
	case "refresh_token":
		n := f.refresh.Add(1)
		access, refresh = fmt.Sprintf("at-%d", n), fmt.Sprintf("rt-%d", n)
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.accepted[access] = true
	f.mu.Unlock()
	writeTestJSON(w, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
	})
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func seedSession(t *testing.T, st SessionStore, expiresIn time.Duration) {
	t.Helper()
	_, err := st.SaveExternalSession(context.Background(), domain.ExternalSession{
		AccountID:    testAccount,
		AccessToken:  "at-0",
		RefreshToken: "rt-0",
		ExpiresAt:    time.Now().UTC().Add(expiresIn),
		CompanyID:    testRealm,
	})
	require.NoError(t, err)
}

func newTestConnector(t *testing.T, fake *fakeQuickBooks, st Store) *Connector {
	t.Helper()
	cfg := fake.config()
	sessions := NewSessions(cfg, st, nil, logger.Nop())
	return NewConnector(cfg, st, sessions, logger.Nop())
}

func receivable() domain.Invoice {
	return domain.Invoice{
		ID:            "inv-1",
		AccountID:     testAccount,
		InvoiceNumber: "INV-001",
		CustomerID:    "cust-toko-jaya",
		InvoiceType:   domain.InvoiceTypeReceivable,
		IssueDate:     time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Subtotal:      decimal.NewFromInt(930000),
		Freight:       decimal.NewFromInt(50000),
		Discount:      decimal.NewFromInt(30000),
		Total:         decimal.NewFromInt(950000),
	}
}

func TestAuthCodeURLCarriesClientAndState(t *testing.T) {
	fake := newFakeQuickBooks(t)
	sessions := NewSessions(fake.config(), memory.New(), nil, logger.Nop())

	raw := sessions.AuthCodeURL("signed-state")
	assert.True(t, strings.HasPrefix(raw, fake.server.URL+"/authorize?"))
	assert.Contains(t, raw, "client_id=client-id")
	assert.Contains(t, raw, "state=signed-state")
	assert.Contains(t, raw, "scope=com.intuit.quickbooks.accounting")
}

func TestExchangeStoresSealedSession(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.New()
	sealer, err := secret.NewSealer(strings.Repeat("k", 32))
	require.NoError(t, err)
	sessions := NewSessions(fake.config(), st, sealer, logger.Nop())

	session, err := sessions.Exchange(context.Background(), testAccount, "good-code", testRealm)
	require.NoError(t, err)
	assert.Equal(t, "at-0", session.AccessToken)
	assert.Equal(t, testRealm, session.CompanyID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)

	stored, err := st.GetExternalSession(context.Background(), testAccount)
	require.NoError(t, err)
	assert.NotEqual(t, "at-0", stored.AccessToken)
	assert.NotEqual(t, "rt-0", stored.RefreshToken)

	loaded, err := sessions.Lookup(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "rt-0", loaded.RefreshToken)
}

func TestExchangeRejectsBadCode(t *testing.T) {
	fake := newFakeQuickBooks(t)
	sessions := NewSessions(fake.config(), memory.New(), nil, logger.Nop())

	_, err := sessions.Exchange(context.Background(), testAccount, "bad-code", testRealm)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	_, err = sessions.Exchange(context.Background(), testAccount, "good-code", "")
	require.ErrorAs(t, err, &authErr)
}

func TestLookupWithoutSession(t *testing.T) {
	fake := newFakeQuickBooks(t)
	sessions := NewSessions(fake.config(), memory.New(), nil, logger.Nop())

	_, err := sessions.Fresh(context.Background(), testAccount)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestFreshKeepsValidToken(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.New()
	seedSession(t, st, time.Hour)
	sessions := NewSessions(fake.config(), st, nil, logger.Nop())

	session, err := sessions.Fresh(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "at-0", session.AccessToken)
	assert.Zero(t, fake.refresh.Load())
}

func TestConcurrentRefreshHitsTokenEndpointOnce(t *testing.T) {
	fake := newFakeQuickBooks(t)
	fake.delay = 50 * time.Millisecond
	st := memory.New()
	seedSession(t, st, time.Minute)
	sessions := NewSessions(fake.config(), st, nil, logger.Nop())

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := sessions.Fresh(context.Background(), testAccount)
			errs[i] = err
			if session != nil {
				tokens[i] = session.AccessToken
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-1", tokens[i])
	}
	assert.EqualValues(t, 1, fake.refresh.Load())

	stored, err := st.GetExternalSession(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", stored.RefreshToken)
	assert.EqualValues(t, 2, stored.Version)
}

func TestRefreshSurvivesCancelledFirstCaller(t *testing.T) {
	fake := newFakeQuickBooks(t)
	fake.delay = 200 * time.Millisecond
	st := memory.New()
	seedSession(t, st, time.Minute)
	sessions := NewSessions(fake.config(), st, nil, logger.Nop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := sessions.Fresh(firstCtx, testAccount)
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		return fake.granting.Load() == 1
	}, time.Second, 5*time.Millisecond)

	second := make(chan *domain.ExternalSession, 1)
	secondErr := make(chan error, 1)
	go func() {
		session, err := sessions.Fresh(context.Background(), testAccount)
		second <- session
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	session := <-second
	require.NoError(t, <-secondErr)
	assert.Equal(t, "at-1", session.AccessToken)
	assert.EqualValues(t, 1, fake.refresh.Load())

	stored, err := st.GetExternalSession(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", stored.RefreshToken)
}

// racingStore lets another writer refresh the session right before the
// first compare-and-swap.
type racingStore struct {
	*memory.Store
	once sync.Once
}

func (r *racingStore) CompareAndSwapExternalSession(ctx context.Context, session domain.ExternalSession, expectedVersion int64) (*domain.ExternalSession, error) {
	r.once.Do(func() {
		winner := session
		winner.AccessToken = "at-winner"
		winner.RefreshToken = "rt-winner"
		winner.ExpiresAt = time.Now().UTC().Add(time.Hour)
		_, _ = r.Store.SaveExternalSession(ctx, winner)
	})
	return r.Store.CompareAndSwapExternalSession(ctx, session, expectedVersion)
}

func TestRefreshConflictUsesWinningSession(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := &racingStore{Store: memory.New()}
	seedSession(t, st, time.Minute)
	sessions := NewSessions(fake.config(), st, nil, logger.Nop())

	session, err := sessions.Fresh(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "at-winner", session.AccessToken)

	stored, err := st.GetExternalSession(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "rt-winner", stored.RefreshToken)
}

func TestSyncInvoiceCreatesThenUpdates(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.NewSeeded()
	seedSession(t, st, time.Hour)
	conn := newTestConnector(t, fake, st)
	ctx := context.Background()

	inv := receivable()
	first, err := conn.SyncInvoice(ctx, testAccount, inv, nil)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "901", first.ExternalLedgerID)

	inv.ExternalLedgerID = first.ExternalLedgerID
	second, err := conn.SyncInvoice(ctx, testAccount, inv, nil)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, "901", second.ExternalLedgerID)

	require.Len(t, fake.journals, 2)
	assert.Empty(t, fake.journals[0].ID)
	assert.Equal(t, "901", fake.journals[1].ID)
	assert.Equal(t, "4", fake.journals[1].SyncToken)

	// The counterparty was created once and cached locally.
	require.Len(t, fake.created, 1)
	assert.Len(t, fake.queries, 1)
	customer, err := st.GetCustomer(ctx, testAccount, "cust-toko-jaya")
	require.NoError(t, err)
	assert.Equal(t, "100", customer.ExternalID)
}

func TestSyncInvoiceFindsExistingVendorByName(t *testing.T) {
	fake := newFakeQuickBooks(t)
	fake.customers = []Counterparty{
		{ID: "7", DisplayName: "PT Sumber Makmur Abadi"},
		{ID: "8", DisplayName: "PT Sumber Makmur"},
	}
	st := memory.NewSeeded()
	seedSession(t, st, time.Hour)
	conn := newTestConnector(t, fake, st)

	inv := domain.Invoice{
		ID:            "inv-2",
		InvoiceNumber: "PO-7",
		CustomerID:    "vend-sumber-makmur",
		InvoiceType:   domain.InvoiceTypePayable,
		Total:         decimal.NewFromInt(1240000),
	}
	_, err := conn.SyncInvoice(context.Background(), testAccount, inv, nil)
	require.NoError(t, err)

	assert.Empty(t, fake.created)
	require.Len(t, fake.queries, 1)
	assert.Equal(t, "SELECT * FROM Vendor WHERE DisplayName = 'PT Sumber Makmur'", fake.queries[0])

	require.Len(t, fake.journals, 1)
	lines := fake.journals[0].Line
	require.Len(t, lines, 2)
	assert.Equal(t, "80", lines[0].JournalEntryLineDetail.AccountRef.Value)
	assert.Equal(t, "33", lines[1].JournalEntryLineDetail.AccountRef.Value)
	require.NotNil(t, lines[1].JournalEntryLineDetail.Entity)
	assert.Equal(t, "8", lines[1].JournalEntryLineDetail.Entity.EntityRef.Value)
	assert.Equal(t, json.Number("1240000.00"), lines[1].Amount)
}

func TestSyncInvoiceRefreshesExpiringToken(t *testing.T) {
	fake := newFakeQuickBooks(t)
	fake.accepted = map[string]bool{}
	st := memory.NewSeeded()
	seedSession(t, st, 2*time.Minute)
	conn := newTestConnector(t, fake, st)

	_, err := conn.SyncInvoice(context.Background(), testAccount, receivable(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fake.refresh.Load())
}

func TestSyncInvoiceUnwrapsFault(t *testing.T) {
	fake := newFakeQuickBooks(t)
	fake.failPost = []byte(`{"Fault":{"Error":[{"Message":"Invalid Reference Id","Detail":"Invalid Reference Id : Accounts element id 79 not found","code":"2500"}],"type":"ValidationFault"}}`)
	st := memory.NewSeeded()
	seedSession(t, st, time.Hour)
	conn := newTestConnector(t, fake, st)

	_, err := conn.SyncInvoice(context.Background(), testAccount, receivable(), nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "2500", apiErr.Code)
	assert.Contains(t, apiErr.Detail, "Accounts element id 79 not found")
	assert.Equal(t, DefaultAccountMapping(), apiErr.Accounts)
	assert.Equal(t, "2500", ErrorCode(err))
}

func TestSyncInvoiceRefusesZeroAmount(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.NewSeeded()
	seedSession(t, st, time.Hour)
	conn := newTestConnector(t, fake, st)

	inv := receivable()
	inv.Total = decimal.Zero
	_, err := conn.SyncInvoice(context.Background(), testAccount, inv, []domain.InvoiceLineItem{{LineTotal: decimal.Zero}})
	require.ErrorIs(t, err, ErrZeroAmount)
	assert.Empty(t, fake.journals)
}

func TestSyncInvoiceUnknownCounterparty(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.NewSeeded()
	seedSession(t, st, time.Hour)
	conn := newTestConnector(t, fake, st)

	inv := receivable()
	inv.CustomerID = "cust-missing"
	_, err := conn.SyncInvoice(context.Background(), testAccount, inv, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncInvoiceRejectsVendorOnReceivable(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.NewSeeded()
	seedSession(t, st, time.Hour)
	conn := newTestConnector(t, fake, st)
	ctx := context.Background()

	inv := receivable()
	inv.CustomerID = "vend-sumber-makmur"
	_, err := conn.SyncInvoice(ctx, testAccount, inv, nil)
	require.ErrorIs(t, err, ErrCounterpartyType)
	assert.Equal(t, "counterparty_mismatch", ErrorCode(err))
	assert.Empty(t, fake.queries)
	assert.Empty(t, fake.created)
	assert.Empty(t, fake.journals)

	vendor, err := st.GetCustomer(ctx, testAccount, "vend-sumber-makmur")
	require.NoError(t, err)
	assert.Empty(t, vendor.ExternalID)

	// The vendor's own payable still resolves against the Vendor resource.
	payable := domain.Invoice{
		ID:            "inv-3",
		InvoiceNumber: "PO-8",
		CustomerID:    "vend-sumber-makmur",
		InvoiceType:   domain.InvoiceTypePayable,
		Total:         decimal.NewFromInt(500000),
	}
	_, err = conn.SyncInvoice(ctx, testAccount, payable, nil)
	require.NoError(t, err)
	require.Len(t, fake.queries, 1)
	assert.Contains(t, fake.queries[0], "FROM Vendor")
	require.Len(t, fake.journals, 1)
	assert.Equal(t, "Vendor", fake.journals[0].Line[1].JournalEntryLineDetail.Entity.Type)
}

func TestStatus(t *testing.T) {
	fake := newFakeQuickBooks(t)
	st := memory.NewSeeded()
	conn := newTestConnector(t, fake, st)
	ctx := context.Background()

	status, err := conn.Status(ctx, testAccount)
	require.NoError(t, err)
	assert.False(t, status.Connected)

	seedSession(t, st, time.Hour)
	status, err = conn.Status(ctx, testAccount)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.True(t, status.Valid)
	assert.Equal(t, testRealm, status.CompanyID)
	assert.Equal(t, "Sandbox Company", status.Company)

	fake.mu.Lock()
	fake.accepted = map[string]bool{}
	fake.mu.Unlock()
	status, err = conn.Status(ctx, testAccount)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.False(t, status.Valid)
}

func TestParseFaultLowerCaseShape(t *testing.T) {
	code, detail, ok := parseFault([]byte(`{"fault":{"error":[{"message":"x","detail":"Token expired","code":"3200"}]}}`))
	require.True(t, ok)
	assert.Equal(t, "3200", code)
	assert.Equal(t, "Token expired", detail)

	_, _, ok = parseFault([]byte(`{"JournalEntry":{"Id":"1"}}`))
	assert.False(t, ok)
}

func TestEscapeQueryValue(t *testing.T) {
	assert.Equal(t, `Toko D\'Jaya`, escapeQueryValue("Toko D'Jaya"))
}
