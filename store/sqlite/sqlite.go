/*
Package sqlite provides the production SettlementStore backed by SQLite.

PURPOSE:
  Implements coin.TokenStore, coin.LedgerStore, coin.SettlementStore and
  coin.RateResolver on one database. The same patterns apply to PostgreSQL;
  only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement touches ledger_entries. The only UPDATEs in
  this package are the conditional token transitions (consume, void,
  expire-sweep), each guarded by "status = 'active'".

KEY TABLES:
  tokens:         claim tokens with status and expiry
  ledger_entries: immutable ledger, the balance's source of truth
  businesses:     rate schedules behind the rate resolver

INVARIANT INDEXES:
  idx_ledger_token_kind (UNIQUE): at most one Earned and one PlatformFee
  entry per token. A second settlement of the same token cannot slip past
  the conditional consume AND this index in the same transaction.

CONCURRENCY:
  The conditional consume is a single UPDATE ... WHERE status = 'active'
  AND expires_at > now - not a read-then-write - so two racing settlements
  cannot both observe Active and both proceed. SQLite runs in WAL mode;
  a mutex serializes writers.

USAGE:
  store, err := sqlite.New("./data/bcoin.db")
  engine := coin.NewEngine(store, store, coin.LogNotifier{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/localperks/bcoin-core/coin"
)

// Store implements the persistence interfaces on a SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is its own database; pin the pool to
	// one connection so tests see one schema.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Claim tokens (QR codes). Status transitions are conditional updates;
	-- consumed_by/consumed_at are written exactly once.
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		face_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		consumed_by TEXT,
		consumed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_business
		ON tokens(business_id);
	CREATE INDEX IF NOT EXISTS idx_tokens_status_expiry
		ON tokens(status, expires_at);

	-- Append-only ledger. No UPDATE, no DELETE, ever.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL DEFAULT '',
		business_id TEXT NOT NULL,
		token_id TEXT,
		kind TEXT NOT NULL,
		amount_delta TEXT NOT NULL,
		purchase_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance fold hot path.
	CREATE INDEX IF NOT EXISTS idx_ledger_customer
		ON ledger_entries(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_kind
		ON ledger_entries(kind);

	-- CRITICAL: one Earned and one PlatformFee entry per token, never more.
	-- Backstop against double-crediting even if the conditional consume
	-- were ever bypassed.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_token_kind
		ON ledger_entries(token_id, kind)
		WHERE token_id IS NOT NULL;

	-- Businesses and their rate schedules.
	CREATE TABLE IF NOT EXISTS businesses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		reward_percent TEXT NOT NULL,
		commission_percent TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TOKEN STORE (coin.TokenStore)
// =============================================================================

// Insert persists a freshly issued token.
func (s *Store) Insert(ctx context.Context, tok coin.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO tokens (id, business_id, face_amount, status, expires_at, consumed_by, consumed_at, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tok.ID,
		tok.BusinessID,
		tok.FaceAmount.String(),
		tok.Status,
		tok.ExpiresAt.UTC().Format(time.RFC3339),
		tok.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// Get returns the token or coin.ErrTokenNotFound. Read-only.
func (s *Store) Get(ctx context.Context, id coin.TokenID) (*coin.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getToken(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getToken(ctx context.Context, q querier, id coin.TokenID) (*coin.Token, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, business_id, face_amount, status, expires_at, consumed_by, consumed_at, created_at
		FROM tokens WHERE id = ?
	`, id)
	return scanToken(row)
}

func scanToken(row *sql.Row) (*coin.Token, error) {
	var (
		tok        coin.Token
		faceAmount string
		expiresAt  string
		consumedBy sql.NullString
		consumedAt sql.NullString
		createdAt  string
	)

	err := row.Scan(&tok.ID, &tok.BusinessID, &faceAmount, &tok.Status,
		&expiresAt, &consumedBy, &consumedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, coin.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}

	tok.FaceAmount, err = coin.ParseMoney(faceAmount)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", tok.ID, err)
	}
	tok.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	tok.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	tok.ConsumedBy = coin.CustomerID(consumedBy.String)
	if consumedAt.Valid {
		t, _ := time.Parse(time.RFC3339, consumedAt.String)
		tok.ConsumedAt = &t
	}
	return &tok, nil
}

// Void flips Active -> Voided, conditionally.
func (s *Store) Void(ctx context.Context, id coin.TokenID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET status = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, coin.TokenVoided, id, coin.TokenActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to void token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return classifyUnusable(ctx, s.db, id, now)
	}
	return nil
}

// ExpireStale flips stale Active rows to Expired. Bookkeeping only:
// consumption judges expiry against expires_at, never this column.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET status = ?
		WHERE status = ? AND expires_at <= ?
	`, coin.TokenExpired, coin.TokenActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to expire tokens: %w", err)
	}
	return res.RowsAffected()
}

// classifyUnusable explains why a conditional token update matched no rows,
// as the distinct failure kinds callers must be able to tell apart.
func classifyUnusable(ctx context.Context, q querier, id coin.TokenID, now time.Time) error {
	tok, err := getToken(ctx, q, id)
	if err != nil {
		return err
	}

	switch tok.Status {
	case coin.TokenConsumed:
		consumedAt := time.Time{}
		if tok.ConsumedAt != nil {
			consumedAt = *tok.ConsumedAt
		}
		return &coin.AlreadyConsumedError{TokenID: tok.ID, ConsumedBy: tok.ConsumedBy, ConsumedAt: consumedAt}
	case coin.TokenVoided:
		return coin.ErrTokenVoided
	case coin.TokenExpired:
		return coin.ErrTokenExpired
	}
	if tok.ExpiredAt(now) {
		return coin.ErrTokenExpired
	}
	// Active, unexpired, yet the update matched nothing: a writer beat us
	// between the update and this read. Report the conflict as retryable.
	return fmt.Errorf("%w: concurrent token update on %s", coin.ErrPersistence, id)
}

// =============================================================================
// LEDGER STORE (coin.LedgerStore, read side)
// =============================================================================

// EntriesByCustomer returns a customer's entries in creation order, which
// is their total order.
func (s *Store) EntriesByCustomer(ctx context.Context, id coin.CustomerID) ([]coin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, customer_id, business_id, token_id, kind, amount_delta, purchase_amount, created_at
		FROM ledger_entries
		WHERE customer_id = ? AND customer_id != ''
		ORDER BY created_at ASC, rowid ASC
	`
	return s.queryEntries(ctx, query, id)
}

// EntriesByToken returns the entries a settlement produced for a token.
func (s *Store) EntriesByToken(ctx context.Context, id coin.TokenID) ([]coin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, customer_id, business_id, token_id, kind, amount_delta, purchase_amount, created_at
		FROM ledger_entries
		WHERE token_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	return s.queryEntries(ctx, query, id)
}

// PlatformFees returns all platform-side entries.
func (s *Store) PlatformFees(ctx context.Context) ([]coin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, customer_id, business_id, token_id, kind, amount_delta, purchase_amount, created_at
		FROM ledger_entries
		WHERE kind = ?
		ORDER BY created_at ASC, rowid ASC
	`
	return s.queryEntries(ctx, query, coin.KindPlatformFee)
}

// SumByCustomer implements coin.BalanceSummer. The fold happens in Go with
// decimal arithmetic - SUM() over a TEXT column would go through binary
// floats - but only the amount column is scanned.
func (s *Store) SumByCustomer(ctx context.Context, id coin.CustomerID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT amount_delta FROM ledger_entries
		WHERE customer_id = ? AND customer_id != ''
	`, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum entries: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := coin.ParseMoney(amount)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]coin.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []coin.LedgerEntry
	for rows.Next() {
		var (
			e              coin.LedgerEntry
			tokenID        sql.NullString
			amountDelta    string
			purchaseAmount string
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.BusinessID, &tokenID,
			&e.Kind, &amountDelta, &purchaseAmount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.TokenID = coin.TokenID(tokenID.String)
		if e.AmountDelta, err = coin.ParseMoney(amountDelta); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if e.PurchaseAmount, err = coin.ParseMoney(purchaseAmount); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SETTLEMENT TRANSACTION (coin.SettlementStore)
// =============================================================================

// Settle executes fn within one database transaction. The token consume and
// the ledger appends either all persist or none do.
func (s *Store) Settle(ctx context.Context, fn func(tx coin.SettlementTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txView struct {
	tx *sql.Tx
}

// ConsumeToken is the single allowed Active -> Consumed mutation:
// a conditional update, never a read-then-write.
func (tv *txView) ConsumeToken(ctx context.Context, id coin.TokenID, by coin.CustomerID, now time.Time) (*coin.Token, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	res, err := tv.tx.ExecContext(ctx, `
		UPDATE tokens SET status = ?, consumed_by = ?, consumed_at = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, coin.TokenConsumed, by, nowStr, id, coin.TokenActive, nowStr)
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, classifyUnusable(ctx, tv.tx, id, now)
	}
	return getToken(ctx, tv.tx, id)
}

// AppendEntry appends one immutable ledger entry within the transaction.
func (tv *txView) AppendEntry(ctx context.Context, e coin.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, customer_id, business_id, token_id, kind, amount_delta, purchase_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tv.tx.ExecContext(ctx, query,
		e.ID,
		e.CustomerID,
		e.BusinessID,
		nullString(string(e.TokenID)),
		e.Kind,
		e.AmountDelta.String(),
		e.PurchaseAmount.String(),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// idx_ledger_token_kind fired: a second entry set for this
			// token. The conditional consume should make this unreachable.
			return fmt.Errorf("%w: duplicate ledger entry for token %s", coin.ErrPersistence, e.TokenID)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// =============================================================================
// BUSINESS REGISTRY + RATE RESOLVER (coin.RateResolver)
// =============================================================================

// SaveBusiness registers or updates a business and its rate schedule.
func (s *Store) SaveBusiness(ctx context.Context, b coin.Business) error {
	if err := coin.ValidateRate(b.RewardPercent, b.CommissionPercent); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO businesses (id, name, verified, reward_percent, commission_percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			verified = excluded.verified,
			reward_percent = excluded.reward_percent,
			commission_percent = excluded.commission_percent
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.Name, b.Verified,
		b.RewardPercent.String(),
		b.CommissionPercent.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetBusiness returns a business or coin.ErrBusinessNotFound.
func (s *Store) GetBusiness(ctx context.Context, id coin.BusinessID) (*coin.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		b             coin.Business
		rewardPct     string
		commissionPct string
		createdAt     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, verified, reward_percent, commission_percent, created_at
		FROM businesses WHERE id = ?
	`, id).Scan(&b.ID, &b.Name, &b.Verified, &rewardPct, &commissionPct, &createdAt)
	if err == sql.ErrNoRows {
		return nil, coin.ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}

	if b.RewardPercent, err = coin.ParseMoney(rewardPct); err != nil {
		return nil, fmt.Errorf("business %s: %w", b.ID, err)
	}
	if b.CommissionPercent, err = coin.ParseMoney(commissionPct); err != nil {
		return nil, fmt.Errorf("business %s: %w", b.ID, err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &b, nil
}

// ListBusinesses returns all registered businesses.
func (s *Store) ListBusinesses(ctx context.Context) ([]coin.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, verified, reward_percent, commission_percent, created_at
		FROM businesses ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var businesses []coin.Business
	for rows.Next() {
		var (
			b             coin.Business
			rewardPct     string
			commissionPct string
			createdAt     string
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Verified, &rewardPct, &commissionPct, &createdAt); err != nil {
			return nil, err
		}
		if b.RewardPercent, err = coin.ParseMoney(rewardPct); err != nil {
			return nil, fmt.Errorf("business %s: %w", b.ID, err)
		}
		if b.CommissionPercent, err = coin.ParseMoney(commissionPct); err != nil {
			return nil, fmt.Errorf("business %s: %w", b.ID, err)
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		businesses = append(businesses, b)
	}
	return businesses, rows.Err()
}

// Resolve implements coin.RateResolver against the businesses table.
func (s *Store) Resolve(ctx context.Context, id coin.BusinessID) (coin.Rate, error) {
	b, err := s.GetBusiness(ctx, id)
	if err != nil {
		return coin.Rate{}, err
	}
	if !b.Verified {
		return coin.Rate{}, coin.ErrBusinessNotEligible
	}
	return coin.Rate{
		RewardPercent:             b.RewardPercent,
		PlatformCommissionPercent: b.CommissionPercent,
	}, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
