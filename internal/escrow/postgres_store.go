package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL. Schema lives in
// migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer, seller, nonce, amount, state,
			created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, $8, $9)`,
		addrKey(e.ID), addrKey(e.Buyer), addrKey(e.Seller), int64(e.Nonce),
		e.held().String(), int16(e.State),
		e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `id, buyer, seller, nonce, amount::TEXT, state,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id common.Address) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, addrKey(id))

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			amount = $1::NUMERIC(78,0), state = $2, updated_at = $3, resolved_at = $4
		WHERE id = $5`,
		e.held().String(), int16(e.State), e.UpdatedAt, nullTime(e.ResolvedAt),
		addrKey(e.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) CountByBuyer(ctx context.Context, buyer common.Address) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows WHERE buyer = $1`, addrKey(buyer)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr common.Address, limit int, after *pagination.Cursor) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE (buyer = $1 OR seller = $1)`
	args := []any{addrKey(addr)}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (
			id, escrow_id, type, caller, buyer, seller, amount,
			from_state, to_state, transfer_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(78,0), $8, $9, $10, $11)`,
		ev.ID, addrKey(ev.EscrowID), string(ev.Type), addrKey(ev.Caller),
		addrKey(ev.Buyer), addrKey(ev.Seller), ev.Amount.String(),
		int16(ev.From), int16(ev.To), nullString(ev.TransferID), ev.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, id common.Address) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, caller, buyer, seller, amount::TEXT,
		       from_state, to_state, transfer_id, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY seq ASC`, addrKey(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var (
			ev                            Event
			escrowID, caller, buyer, sell string
			amount, typ                   string
			from, to                      int16
			transferID                    sql.NullString
		)
		if err := rows.Scan(&ev.ID, &escrowID, &typ, &caller, &buyer, &sell, &amount,
			&from, &to, &transferID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EscrowID = common.HexToAddress(escrowID)
		ev.Type = EventType(typ)
		ev.Caller = common.HexToAddress(caller)
		ev.Buyer = common.HexToAddress(buyer)
		ev.Seller = common.HexToAddress(sell)
		ev.From = State(from)
		ev.To = State(to)
		ev.TransferID = transferID.String
		if ev.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var (
		e                 Escrow
		id, buyer, seller string
		nonce             int64
		amount            string
		state             int16
		resolvedAt        sql.NullTime
	)
	if err := s.Scan(&id, &buyer, &seller, &nonce, &amount, &state,
		&e.CreatedAt, &e.UpdatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	e.ID = common.HexToAddress(id)
	e.Buyer = common.HexToAddress(buyer)
	e.Seller = common.HexToAddress(seller)
	e.Nonce = uint64(nonce)
	e.State = State(state)
	if !e.State.Valid() {
		return nil, fmt.Errorf("escrow %s: stored state %d out of range", id, state)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	var err error
	if e.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	return &e, nil
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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
