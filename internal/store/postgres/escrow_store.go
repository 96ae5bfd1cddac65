package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	q querier
}

// NewEscrowStore creates a new EscrowStore.
func NewEscrowStore(q querier) *EscrowStore {
	return &EscrowStore{q: q}
}

const escrowColumns = `seed, entry_fee, feed_id, ref_mantissa, ref_exponent, ref_publish_time, side_is_up,
	party_up, custody_up, party_down, custody_down, creator, status, created_at, updated_at`

// Create inserts a new escrow.
func (s *EscrowStore) Create(ctx context.Context, e domain.Escrow) error {
	fee, err := toBigint(e.EntryFee)
	if err != nil {
		return err
	}
	query := `INSERT INTO escrows (` + escrowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = s.q.Exec(ctx, query,
		e.SeedKey(), fee, e.FeedID, e.ReferencePrice.Mantissa, e.ReferencePrice.Exponent,
		publishTime(e.ReferencePrice), e.SideIsUp,
		string(e.PartyUp), string(e.CustodyUp), string(e.PartyDown), string(e.CustodyDown),
		string(e.Creator), string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create escrow %d: %w", e.Seed, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create escrow %d: %w", e.Seed, err)
	}
	return nil
}

// Get returns an escrow by seed and locks its row for the rest of the
// transaction.
func (s *EscrowStore) Get(ctx context.Context, seed uint64) (domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE seed = $1 FOR UPDATE`
	e, err := scanEscrow(s.q.QueryRow(ctx, query, domain.FormatSeed(seed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Escrow{}, fmt.Errorf("postgres: get escrow %d: %w", seed, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("postgres: get escrow %d: %w", seed, err)
	}
	return e, nil
}

// Update writes every mutable column of an existing escrow. The entry fee,
// feed and creator are immutable and not touched.
func (s *EscrowStore) Update(ctx context.Context, e domain.Escrow) error {
	const query = `
		UPDATE escrows SET
			ref_mantissa = $2, ref_exponent = $3, ref_publish_time = $4, side_is_up = $5,
			party_up = $6, custody_up = $7, party_down = $8, custody_down = $9,
			status = $10, updated_at = $11
		WHERE seed = $1`
	tag, err := s.q.Exec(ctx, query,
		e.SeedKey(), e.ReferencePrice.Mantissa, e.ReferencePrice.Exponent, publishTime(e.ReferencePrice),
		e.SideIsUp, string(e.PartyUp), string(e.CustodyUp), string(e.PartyDown), string(e.CustodyDown),
		string(e.Status), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update escrow %d: %w", e.Seed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update escrow %d: %w", e.Seed, domain.ErrNotFound)
	}
	return nil
}

// Delete removes an escrow.
func (s *EscrowStore) Delete(ctx context.Context, seed uint64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM escrows WHERE seed = $1`, domain.FormatSeed(seed))
	if err != nil {
		return fmt.Errorf("postgres: delete escrow %d: %w", seed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete escrow %d: %w", seed, domain.ErrNotFound)
	}
	return nil
}

// List returns escrows ordered by seed, optionally filtered by status.
func (s *EscrowStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY seed::NUMERIC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.queryEscrows(ctx, query, args...)
}

// ListClosedBefore returns closed escrows last updated before the cutoff.
func (s *EscrowStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
		WHERE status = 'closed' AND updated_at < $1 ORDER BY seed::NUMERIC`
	return s.queryEscrows(ctx, query, before)
}

func (s *EscrowStore) queryEscrows(ctx context.Context, query string, args ...any) ([]domain.Escrow, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list escrows: %w", err)
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list escrows rows: %w", err)
	}
	return out, nil
}

func scanEscrow(row pgx.Row) (domain.Escrow, error) {
	var (
		e                                      domain.Escrow
		seed, status, creator                  string
		partyUp, custodyUp, partyDn, custodyDn string
		fee                                    int64
		published                              *time.Time
	)
	err := row.Scan(
		&seed, &fee, &e.FeedID, &e.ReferencePrice.Mantissa, &e.ReferencePrice.Exponent, &published,
		&e.SideIsUp, &partyUp, &custodyUp, &partyDn, &custodyDn, &creator, &status,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.Escrow{}, err
	}
	if e.Seed, err = domain.ParseSeed(seed); err != nil {
		return domain.Escrow{}, err
	}
	e.EntryFee = uint64(fee)
	if published != nil {
		e.ReferencePrice.PublishTime = published.UTC()
	}
	e.PartyUp, e.CustodyUp = domain.Identity(partyUp), domain.Identity(custodyUp)
	e.PartyDown, e.CustodyDown = domain.Identity(partyDn), domain.Identity(custodyDn)
	e.Creator = domain.Identity(creator)
	e.Status = domain.EscrowStatus(status)
	return e, nil
}

func publishTime(p domain.PriceObservation) *time.Time {
	if p.PublishTime.IsZero() {
		return nil
	}
	t := p.PublishTime
	return &t
}
