package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"invoicehub/backend/internal/domain"
	"invoicehub/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

const invoiceColumns = `
	id, account_id, invoice_number, customer_id, invoice_type, status,
	issue_date, due_date, subtotal, freight, discount, total, notes,
	external_ledger_id, synced_at, sync_error, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var externalID sql.NullString
	var syncedAt sql.NullTime
	err := row.Scan(
		&inv.ID,
		&inv.AccountID,
		&inv.InvoiceNumber,
		&inv.CustomerID,
		&inv.InvoiceType,
		&inv.Status,
		&inv.IssueDate,
		&inv.DueDate,
		&inv.Subtotal,
		&inv.Freight,
		&inv.Discount,
		&inv.Total,
		&inv.Notes,
		&externalID,
		&syncedAt,
		&inv.SyncError,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if externalID.Valid {
		inv.ExternalLedgerID = externalID.String
	}
	if syncedAt.Valid {
		at := syncedAt.Time.UTC()
		inv.SyncedAt = &at
	}
	inv.IssueDate = inv.IssueDate.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

func scanInvoices(rows *sql.Rows) ([]domain.Invoice, error) {
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) GetInvoice(ctx context.Context, accountID string, id string) (*domain.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE account_id = $1 AND id = $2`, accountID, id)
	return scanInvoice(row)
}

func (s *Store) ListInvoices(ctx context.Context, accountID string, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE account_id = $1
			AND ($2 = '' OR invoice_type = $2)
			AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
	`, accountID, filter.InvoiceType, filter.Status)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (s *Store) ListUnsyncedInvoices(ctx context.Context, accountID string) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE account_id = $1 AND external_ledger_id IS NULL
		ORDER BY created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (s *Store) ListLineItems(ctx context.Context, accountID string, invoiceID string) ([]domain.InvoiceLineItem, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM invoices WHERE account_id = $1 AND id = $2)
	`, accountID, invoiceID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return listLineItems(ctx, s.db, invoiceID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listLineItems(ctx context.Context, q queryer, invoiceID string) ([]domain.InvoiceLineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, description, quantity, unit_price,
			line_total, is_free_from_scheme, scheme_id
		FROM invoice_line_items
		WHERE invoice_id = $1
		ORDER BY position ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InvoiceLineItem, 0, 8)
	for rows.Next() {
		var item domain.InvoiceLineItem
		var productID sql.NullString
		var schemeID sql.NullString
		if err := rows.Scan(&item.ID, &item.InvoiceID, &productID, &item.Description, &item.Quantity, &item.UnitPrice, &item.LineTotal, &item.IsFreeFromScheme, &schemeID); err != nil {
			return nil, err
		}
		item.ProductID = productID.String
		item.SchemeID = schemeID.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, accountID string, id string, status string, at time.Time) (*domain.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE invoices
		SET status = $3, updated_at = $4
		WHERE account_id = $1 AND id = $2
		RETURNING `+invoiceColumns, accountID, id, status, at)
	return scanInvoice(row)
}

func (s *Store) SetInvoiceSyncResult(ctx context.Context, accountID string, id string, result store.SyncResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET external_ledger_id = COALESCE($3, external_ledger_id),
			synced_at = COALESCE($4, synced_at),
			sync_error = $5
		WHERE account_id = $1 AND id = $2
	`, accountID, id, nullIfEmpty(result.ExternalLedgerID), nullTime(result.SyncedAt), result.Error)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) ListProducts(ctx context.Context, accountID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, sku, name, qty, price, weight
		FROM products
		WHERE account_id = $1
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.AccountID, &p.SKU, &p.Name, &p.Qty, &p.Price, &p.Weight); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListActiveSchemes(ctx context.Context, accountID string) ([]domain.ProductScheme, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, buy_quantity, free_quantity, is_active, product_id, created_at
		FROM product_schemes
		WHERE account_id = $1 AND is_active = true
		ORDER BY created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schemes := make([]domain.ProductScheme, 0, 16)
	for rows.Next() {
		var scheme domain.ProductScheme
		var productID sql.NullString
		if err := rows.Scan(&scheme.ID, &scheme.AccountID, &scheme.Name, &scheme.BuyQuantity, &scheme.FreeQuantity, &scheme.IsActive, &productID, &scheme.CreatedAt); err != nil {
			return nil, err
		}
		scheme.ProductID = productID.String
		scheme.CreatedAt = scheme.CreatedAt.UTC()
		schemes = append(schemes, scheme)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schemes, nil
}

func (s *Store) GetCustomer(ctx context.Context, accountID string, id string) (*domain.Customer, error) {
	var c domain.Customer
	var externalID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, display_name, type, external_id
		FROM customers
		WHERE account_id = $1 AND id = $2
	`, accountID, id).Scan(&c.ID, &c.AccountID, &c.DisplayName, &c.Type, &externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.ExternalID = externalID.String
	return &c, nil
}

func (s *Store) SetCustomerExternalID(ctx context.Context, accountID string, id string, externalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET external_id = $3, updated_at = now()
		WHERE account_id = $1 AND id = $2
	`, accountID, id, nullIfEmpty(externalID))
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) GetExternalSession(ctx context.Context, accountID string) (*domain.ExternalSession, error) {
	var session domain.ExternalSession
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, access_token, refresh_token, expires_at, company_id, version, updated_at
		FROM external_sessions
		WHERE account_id = $1
	`, accountID).Scan(&session.AccountID, &session.AccessToken, &session.RefreshToken, &session.ExpiresAt, &session.CompanyID, &session.Version, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.ExpiresAt = session.ExpiresAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return &session, nil
}

func (s *Store) SaveExternalSession(ctx context.Context, session domain.ExternalSession) (*domain.ExternalSession, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO external_sessions (account_id, access_token, refresh_token, expires_at, company_id, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,1,now())
		ON CONFLICT (account_id)
		DO UPDATE SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			company_id = EXCLUDED.company_id,
			version = external_sessions.version + 1,
			updated_at = now()
		RETURNING version, updated_at
	`, session.AccountID, session.AccessToken, session.RefreshToken, session.ExpiresAt, session.CompanyID).Scan(&session.Version, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	session.UpdatedAt = session.UpdatedAt.UTC()
	return &session, nil
}

func (s *Store) CompareAndSwapExternalSession(ctx context.Context, session domain.ExternalSession, expectedVersion int64) (*domain.ExternalSession, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE external_sessions
		SET access_token = $2, refresh_token = $3, expires_at = $4, company_id = $5,
			version = version + 1, updated_at = now()
		WHERE account_id = $1 AND version = $6
		RETURNING version, updated_at
	`, session.AccountID, session.AccessToken, session.RefreshToken, session.ExpiresAt, session.CompanyID, expectedVersion).Scan(&session.Version, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.GetExternalSession(ctx, session.AccountID); lookupErr != nil {
				return nil, lookupErr
			}
			return nil, store.ErrConflict
		}
		return nil, err
	}
	session.UpdatedAt = session.UpdatedAt.UTC()
	return &session, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetInvoiceForUpdate(ctx context.Context, accountID string, id string) (*domain.Invoice, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE account_id = $1 AND id = $2 FOR UPDATE`, accountID, id)
	return scanInvoice(row)
}

func (t *pgTx) ListLineItems(ctx context.Context, invoiceID string) ([]domain.InvoiceLineItem, error) {
	return listLineItems(ctx, t.tx, invoiceID)
}

func (t *pgTx) LockProducts(ctx context.Context, accountID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return result, nil
	}

	// Rows are locked in id order so concurrent invoices cannot deadlock.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account_id, sku, name, qty, price, weight
		FROM products
		WHERE account_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, accountID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.AccountID, &p.SKU, &p.Name, &p.Qty, &p.Price, &p.Weight); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *pgTx) GetSchemes(ctx context.Context, accountID string, ids []string) (map[string]domain.ProductScheme, error) {
	result := make(map[string]domain.ProductScheme, len(ids))
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account_id, name, buy_quantity, free_quantity, is_active, product_id, created_at
		FROM product_schemes
		WHERE account_id = $1 AND id = ANY($2)
	`, accountID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var scheme domain.ProductScheme
		var productID sql.NullString
		if err := rows.Scan(&scheme.ID, &scheme.AccountID, &scheme.Name, &scheme.BuyQuantity, &scheme.FreeQuantity, &scheme.IsActive, &productID, &scheme.CreatedAt); err != nil {
			return nil, err
		}
		scheme.ProductID = productID.String
		scheme.CreatedAt = scheme.CreatedAt.UTC()
		result[scheme.ID] = scheme
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, inv.ID, inv.AccountID, inv.InvoiceNumber, inv.CustomerID, inv.InvoiceType, inv.Status,
		inv.IssueDate, inv.DueDate, inv.Subtotal, inv.Freight, inv.Discount, inv.Total, inv.Notes,
		nullIfEmpty(inv.ExternalLedgerID), nullTime(inv.SyncedAt), inv.SyncError, inv.CreatedAt, inv.UpdatedAt)
	if err != nil && isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv domain.Invoice) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET invoice_number = $3, customer_id = $4, invoice_type = $5, status = $6,
			issue_date = $7, due_date = $8, subtotal = $9, freight = $10, discount = $11,
			total = $12, notes = $13, updated_at = $14
		WHERE account_id = $1 AND id = $2
	`, inv.AccountID, inv.ID, inv.InvoiceNumber, inv.CustomerID, inv.InvoiceType, inv.Status,
		inv.IssueDate, inv.DueDate, inv.Subtotal, inv.Freight, inv.Discount, inv.Total, inv.Notes, inv.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	return expectAffected(res)
}

func (t *pgTx) DeleteInvoice(ctx context.Context, accountID string, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM invoices WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *pgTx) InsertLineItems(ctx context.Context, items []domain.InvoiceLineItem) error {
	for _, item := range items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO invoice_line_items (
				id, invoice_id, position, product_id, description, quantity,
				unit_price, line_total, is_free_from_scheme, scheme_id
			)
			VALUES (
				$1, $2,
				(SELECT COALESCE(MAX(position), 0) + 1 FROM invoice_line_items WHERE invoice_id = $2),
				$3, $4, $5, $6, $7, $8, $9
			)
		`, item.ID, item.InvoiceID, nullIfEmpty(item.ProductID), item.Description, item.Quantity,
			item.UnitPrice, item.LineTotal, item.IsFreeFromScheme, nullIfEmpty(item.SchemeID))
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("line item %s references a missing product or scheme: %w", item.ID, store.ErrNotFound)
			}
			return err
		}
	}
	return nil
}

func (t *pgTx) DeleteLineItems(ctx context.Context, invoiceID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, invoiceID)
	return err
}

func (t *pgTx) AdjustStock(ctx context.Context, accountID string, productID string, delta int) (int, error) {
	var qty int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE products
		SET qty = GREATEST(qty + $3, 0), updated_at = now()
		WHERE account_id = $1 AND id = $2
		RETURNING qty
	`, accountID, productID, delta).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
