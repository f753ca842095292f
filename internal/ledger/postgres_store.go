package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/ether"
)

// PostgresStore implements Store with PostgreSQL. Each call runs in one
// transaction; debited accounts are locked with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx,
		`SELECT balance::TEXT FROM ledger_accounts WHERE address = $1`, addrKey(addr)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func (p *PostgresStore) Apply(ctx context.Context, t *Transfer) error {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if t.Kind != KindFund {
		if err := debit(ctx, tx, t.From, t.Amount); err != nil {
			return err
		}
	}
	if err := credit(ctx, tx, t.To, t.Amount); err != nil {
		return err
	}
	if err := insertTransfer(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ApplyReversal(ctx context.Context, originalID string, rev *Transfer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+transferColumns+`
		FROM ledger_transfers WHERE id = $1 FOR UPDATE`, originalID)
	orig, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransferNotFound
	}
	if err != nil {
		return err
	}
	if orig.ReversedBy != "" {
		return ErrAlreadyReversed
	}

	if err := debit(ctx, tx, orig.To, orig.Amount); err != nil {
		return err
	}
	// A reversed fund burns the minted value.
	if orig.Kind != KindFund {
		if err := credit(ctx, tx, orig.From, orig.Amount); err != nil {
			return err
		}
	}

	rev.From = orig.To
	rev.To = orig.From
	rev.Amount = new(big.Int).Set(orig.Amount)
	if err := insertTransfer(ctx, tx, rev); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_transfers SET reversed_by = $2 WHERE id = $1`, originalID, rev.ID); err != nil {
		return fmt.Errorf("failed to mark transfer reversed: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM ledger_transfers WHERE id = $1`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	return t, err
}

func (p *PostgresStore) History(ctx context.Context, addr common.Address, limit int) ([]*Transfer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM ledger_transfers
		WHERE to_address = $1 OR (kind <> 'fund' AND from_address = $1)
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, addrKey(addr), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func debit(ctx context.Context, tx *sql.Tx, addr common.Address, amount *big.Int) error {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT balance::TEXT FROM ledger_accounts WHERE address = $1 FOR UPDATE`, addrKey(addr)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	bal, err := parseNumeric(raw)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_accounts
		SET balance = balance - $2::NUMERIC(78,0), updated_at = NOW()
		WHERE address = $1`, addrKey(addr), amount.String())
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}
	return nil
}

// credit adds amount to addr. A result above ether.MaxWei returns
// ErrBalanceOverflow; the caller's rollback discards the write.
func credit(ctx context.Context, tx *sql.Tx, addr common.Address, amount *big.Int) error {
	var raw string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_accounts (address, balance, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), NOW())
		ON CONFLICT (address) DO UPDATE SET
			balance    = ledger_accounts.balance + $2::NUMERIC(78,0),
			updated_at = NOW()
		RETURNING balance::TEXT`, addrKey(addr), amount.String()).Scan(&raw)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	bal, err := parseNumeric(raw)
	if err != nil {
		return err
	}
	if bal.Cmp(ether.MaxWei) > 0 {
		return ErrBalanceOverflow
	}
	return nil
}

func insertTransfer(ctx context.Context, tx *sql.Tx, t *Transfer) error {
	var from sql.NullString
	if t.Kind != KindFund {
		from = sql.NullString{String: addrKey(t.From), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transfers (
			id, kind, from_address, to_address, amount, reference, reverses, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, $8)`,
		t.ID, string(t.Kind), from, addrKey(t.To), t.Amount.String(),
		nullString(t.Reference), nullString(t.Reverses), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

const transferColumns = `id, kind, from_address, to_address, amount::TEXT,
		       reference, reverses, reversed_by, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (*Transfer, error) {
	var (
		t                               Transfer
		kind, to, amount                string
		from, ref, reverses, reversedBy sql.NullString
	)
	if err := s.Scan(&t.ID, &kind, &from, &to, &amount, &ref, &reverses, &reversedBy, &t.CreatedAt); err != nil {
		return nil, err
	}
	amt, err := parseNumeric(amount)
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	if from.Valid {
		t.From = common.HexToAddress(from.String)
	}
	t.To = common.HexToAddress(to)
	t.Amount = amt
	t.Reference = ref.String
	t.Reverses = reverses.String
	t.ReversedBy = reversedBy.String
	return &t, nil
}

func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric amount %q", s)
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
