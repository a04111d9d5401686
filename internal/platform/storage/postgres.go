package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on top of DB.
type PostgresStore struct {
	db *DB
	q  querier
	tx pgx.Tx
}

// NewPostgresStore creates a Store backed by db.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db, q: db.pool}
}

// WithTx runs fn in a transaction. Nested calls use a savepoint.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	run := func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: s.db, q: tx, tx: tx})
	}
	if s.tx != nil {
		return pgx.BeginFunc(ctx, s.tx, run)
	}
	return s.db.WithTx(ctx, run)
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var c Checkpoint
	var block int64
	err := s.q.QueryRow(ctx,
		`SELECT id, last_processed_block, updated_at FROM indexer_checkpoints WHERE id = $1`, id,
	).Scan(&c.ID, &block, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	c.LastProcessedBlock = uint64(block)
	return &c, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, id string, block uint64) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO indexer_checkpoints (id, last_processed_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_processed_block = GREATEST(indexer_checkpoints.last_processed_block, EXCLUDED.last_processed_block),
			updated_at = NOW()`,
		id, int64(block))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkLogProcessed(ctx context.Context, l *ProcessedLog) (bool, error) {
	at := l.ProcessedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO processed_logs (id, block_number, event_name, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, int64(l.BlockNumber), l.EventName, at)
	if err != nil {
		return false, fmt.Errorf("mark log processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const seriesColumns = `id, underlying, quote, strike, expiry, is_call, base_fee_bps, settled,
	long_open_interest, short_open_interest, cumulative_premium, created_at, updated_at`

func scanSeries(row pgx.Row) (Series, error) {
	var (
		sr                        Series
		strike, long, short, prem pgtype.Numeric
		expiry                    int64
		fee                       int32
	)
	err := row.Scan(&sr.ID, &sr.Underlying, &sr.Quote, &strike, &expiry, &sr.IsCall, &fee, &sr.Settled,
		&long, &short, &prem, &sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return sr, err
	}
	sr.Strike = fromNumeric(strike)
	sr.Expiry = uint64(expiry)
	sr.BaseFeeBps = uint16(fee)
	sr.LongOpenInterest = fromNumeric(long)
	sr.ShortOpenInterest = fromNumeric(short)
	sr.CumulativePremium = fromNumeric(prem)
	return sr, nil
}

func (s *PostgresStore) GetSeries(ctx context.Context, id string) (*Series, error) {
	sr, err := scanSeries(s.q.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	return &sr, nil
}

func (s *PostgresStore) UpsertSeries(ctx context.Context, sr *Series) error {
	now := time.Now().UTC()
	created := sr.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO series (`+seriesColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			underlying = EXCLUDED.underlying,
			quote = EXCLUDED.quote,
			strike = EXCLUDED.strike,
			expiry = EXCLUDED.expiry,
			is_call = EXCLUDED.is_call,
			base_fee_bps = EXCLUDED.base_fee_bps,
			settled = series.settled OR EXCLUDED.settled,
			updated_at = EXCLUDED.updated_at
		WHERE NOT series.settled`,
		sr.ID, sr.Underlying, sr.Quote, numeric(sr.Strike), int64(sr.Expiry), sr.IsCall, int32(sr.BaseFeeBps), sr.Settled,
		numeric(sr.LongOpenInterest), numeric(sr.ShortOpenInterest), numeric(sr.CumulativePremium), created, now)
	if err != nil {
		return fmt.Errorf("upsert series: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSeriesSettled(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE series SET settled = TRUE, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set series settled: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustOpenInterest(ctx context.Context, id string, longDelta, shortDelta, premiumDelta *big.Int) error {
	_, err := s.q.Exec(ctx, `
		UPDATE series SET
			long_open_interest = GREATEST(long_open_interest + $2, 0),
			short_open_interest = GREATEST(short_open_interest + $3, 0),
			cumulative_premium = GREATEST(cumulative_premium + $4, 0),
			updated_at = NOW()
		WHERE id = $1 AND NOT settled`,
		id, numeric(longDelta), numeric(shortDelta), numeric(premiumDelta))
	if err != nil {
		return fmt.Errorf("adjust open interest: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSeries(ctx context.Context) ([]Series, error) {
	rows, err := s.q.Query(ctx, `SELECT `+seriesColumns+` FROM series ORDER BY expiry, id`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Series, error) {
		return scanSeries(row)
	})
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *Trade) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO trades (id, series_id, trader, side, size, premium, fee, block_number, tx_hash, log_index, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.SeriesID, t.Trader, string(t.Side), numeric(t.Size), numeric(t.Premium), numeric(t.Fee),
		int64(t.BlockNumber), t.TxHash, int32(t.LogIndex), t.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListTradesBySeries(ctx context.Context, seriesID string) ([]Trade, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, series_id, trader, side, size, premium, fee, block_number, tx_hash, log_index, timestamp
		FROM trades WHERE series_id = $1 ORDER BY block_number, log_index`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Trade, error) {
		var (
			t               Trade
			size, prem, fee pgtype.Numeric
			block           int64
			logIndex        int32
		)
		err := row.Scan(&t.ID, &t.SeriesID, &t.Trader, &t.Side, &size, &prem, &fee, &block, &t.TxHash, &logIndex, &t.Timestamp)
		t.Size, t.Premium, t.Fee = fromNumeric(size), fromNumeric(prem), fromNumeric(fee)
		t.BlockNumber, t.LogIndex = uint64(block), uint(logIndex)
		return t, err
	})
}

const positionColumns = `user_address, series_id, position_type, size, avg_price, unrealized_pnl, realized_pnl, last_updated`

func scanPosition(row pgx.Row) (Position, error) {
	var (
		p                     Position
		size, avg, upnl, rpnl pgtype.Numeric
	)
	err := row.Scan(&p.User, &p.SeriesID, &p.Type, &size, &avg, &upnl, &rpnl, &p.LastUpdated)
	p.Size, p.AvgPrice = fromNumeric(size), fromNumeric(avg)
	p.UnrealizedPnL, p.RealizedPnL = fromNumeric(upnl), fromNumeric(rpnl)
	return p, err
}

func (s *PostgresStore) GetPosition(ctx context.Context, key PositionKey, forUpdate bool) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_address = $1 AND series_id = $2 AND position_type = $3`
	if forUpdate {
		// Row locks do not cover a row that does not exist yet, so the key is
		// also guarded by a transaction-scoped advisory lock.
		lockKey := key.User + "|" + key.SeriesID + "|" + string(key.Type)
		if _, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return nil, fmt.Errorf("lock position: %w", err)
		}
		query += ` FOR UPDATE`
	}

	p, err := scanPosition(s.q.QueryRow(ctx, query, key.User, key.SeriesID, string(key.Type)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *Position) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_address, series_id, position_type) DO UPDATE SET
			size = EXCLUDED.size,
			avg_price = EXCLUDED.avg_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			last_updated = EXCLUDED.last_updated`,
		p.User, p.SeriesID, string(p.Type), numeric(p.Size), numeric(p.AvgPrice),
		numeric(p.UnrealizedPnL), numeric(p.RealizedPnL), p.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, key PositionKey) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM positions WHERE user_address = $1 AND series_id = $2 AND position_type = $3`,
		key.User, key.SeriesID, string(key.Type))
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, user string) ([]Position, error) {
	rows, err := s.q.Query(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_address = $1 ORDER BY series_id, position_type`, user)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Position, error) {
		return scanPosition(row)
	})
}

func (s *PostgresStore) ListPositionHolders(ctx context.Context, typ *PositionType) ([]string, error) {
	var filter *string
	if typ != nil {
		v := string(*typ)
		filter = &v
	}
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT user_address FROM positions
		WHERE $1::text IS NULL OR position_type = $1
		ORDER BY user_address`, filter)
	if err != nil {
		return nil, fmt.Errorf("list position holders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) InsertMarginEvent(ctx context.Context, e *MarginEvent) (bool, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO margin_events (id, account, series_id, event_type, size_delta, resulting_margin, metadata, block_number, tx_hash, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Account, e.SeriesID, string(e.Type), numeric(e.SizeDelta), nullNumeric(e.ResultingMargin),
		meta, int64(e.BlockNumber), e.TxHash, e.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert margin event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListMarginEvents(ctx context.Context, account string) ([]MarginEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, account, series_id, event_type, size_delta, resulting_margin, metadata, block_number, tx_hash, timestamp
		FROM margin_events WHERE account = $1 ORDER BY timestamp, id`, account)
	if err != nil {
		return nil, fmt.Errorf("list margin events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MarginEvent, error) {
		var (
			e             MarginEvent
			delta, margin pgtype.Numeric
			block         int64
		)
		err := row.Scan(&e.ID, &e.Account, &e.SeriesID, &e.Type, &delta, &margin, &e.Metadata, &block, &e.TxHash, &e.Timestamp)
		e.SizeDelta = fromNumeric(delta)
		e.ResultingMargin = fromNullNumeric(margin)
		e.BlockNumber = uint64(block)
		return e, err
	})
}

func (s *PostgresStore) InsertLiquidation(ctx context.Context, l *Liquidation) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO liquidations (id, series_id, account, initiator, size, payout, penalty, block_number, tx_hash, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.SeriesID, l.Account, l.Initiator, numeric(l.Size), numeric(l.Payout), numeric(l.Penalty),
		int64(l.BlockNumber), l.TxHash, l.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert liquidation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListLiquidations(ctx context.Context, account string) ([]Liquidation, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, series_id, account, initiator, size, payout, penalty, block_number, tx_hash, timestamp
		FROM liquidations WHERE account = $1 ORDER BY block_number, id`, account)
	if err != nil {
		return nil, fmt.Errorf("list liquidations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Liquidation, error) {
		var (
			l                     Liquidation
			size, payout, penalty pgtype.Numeric
			block                 int64
		)
		err := row.Scan(&l.ID, &l.SeriesID, &l.Account, &l.Initiator, &size, &payout, &penalty, &block, &l.TxHash, &l.Timestamp)
		l.Size, l.Payout, l.Penalty = fromNumeric(size), fromNumeric(payout), fromNumeric(penalty)
		l.BlockNumber = uint64(block)
		return l, err
	})
}

func (s *PostgresStore) InsertRiskSnapshot(ctx context.Context, r *RiskSnapshot) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO risk_snapshots (id, account, net_delta, net_gamma, net_vega, margin_required, margin_available,
			liquidation_price, alert_level, position_count, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Account, r.NetDelta, r.NetGamma, r.NetVega, r.MarginRequired, r.MarginAvailable,
		r.LiquidationPrice, string(r.AlertLevel), r.PositionCount, r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert risk snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestRiskSnapshot(ctx context.Context, account string) (*RiskSnapshot, error) {
	var r RiskSnapshot
	err := s.q.QueryRow(ctx, `
		SELECT id, account, net_delta, net_gamma, net_vega, margin_required, margin_available,
			liquidation_price, alert_level, position_count, timestamp
		FROM risk_snapshots WHERE account = $1
		ORDER BY timestamp DESC LIMIT 1`, account,
	).Scan(&r.ID, &r.Account, &r.NetDelta, &r.NetGamma, &r.NetVega, &r.MarginRequired, &r.MarginAvailable,
		&r.LiquidationPrice, &r.AlertLevel, &r.PositionCount, &r.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query risk snapshot: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetSeriesMetric(ctx context.Context, seriesID string) (*SeriesMetric, error) {
	var (
		m           SeriesMetric
		long, short pgtype.Numeric
	)
	err := s.q.QueryRow(ctx, `
		SELECT series_id, spot, mark_price, mark_iv, delta, gamma, vega, theta, rho,
			long_open_interest, short_open_interest, updated_at
		FROM series_metrics WHERE series_id = $1`, seriesID,
	).Scan(&m.SeriesID, &m.Spot, &m.MarkPrice, &m.MarkIV, &m.Delta, &m.Gamma, &m.Vega, &m.Theta, &m.Rho,
		&long, &short, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query series metric: %w", err)
	}
	m.LongOpenInterest, m.ShortOpenInterest = fromNumeric(long), fromNumeric(short)
	return &m, nil
}

func (s *PostgresStore) UpsertSeriesMetric(ctx context.Context, m *SeriesMetric) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO series_metrics (series_id, spot, mark_price, mark_iv, delta, gamma, vega, theta, rho,
			long_open_interest, short_open_interest, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (series_id) DO UPDATE SET
			spot = EXCLUDED.spot,
			mark_price = EXCLUDED.mark_price,
			mark_iv = EXCLUDED.mark_iv,
			delta = EXCLUDED.delta,
			gamma = EXCLUDED.gamma,
			vega = EXCLUDED.vega,
			theta = EXCLUDED.theta,
			rho = EXCLUDED.rho,
			long_open_interest = EXCLUDED.long_open_interest,
			short_open_interest = EXCLUDED.short_open_interest,
			updated_at = EXCLUDED.updated_at`,
		m.SeriesID, m.Spot, m.MarkPrice, m.MarkIV, m.Delta, m.Gamma, m.Vega, m.Theta, m.Rho,
		numeric(m.LongOpenInterest), numeric(m.ShortOpenInterest), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert series metric: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSettlement(ctx context.Context, st *Settlement) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO settlements (series_id, tx_hash, block_number, residual_premium, vault_amount, insurance_premium, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (series_id) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			block_number = EXCLUDED.block_number,
			residual_premium = EXCLUDED.residual_premium,
			vault_amount = EXCLUDED.vault_amount,
			insurance_premium = EXCLUDED.insurance_premium,
			settled_at = EXCLUDED.settled_at`,
		st.SeriesID, st.TxHash, int64(st.BlockNumber), numeric(st.ResidualPremium), numeric(st.VaultAmount),
		numeric(st.InsurancePremium), st.SettledAt)
	if err != nil {
		return fmt.Errorf("upsert settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, seriesID string) (*Settlement, error) {
	var (
		st                    Settlement
		block                 int64
		residual, vault, prem pgtype.Numeric
	)
	err := s.q.QueryRow(ctx, `
		SELECT series_id, tx_hash, block_number, residual_premium, vault_amount, insurance_premium, settled_at
		FROM settlements WHERE series_id = $1`, seriesID,
	).Scan(&st.SeriesID, &st.TxHash, &block, &residual, &vault, &prem, &st.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settlement: %w", err)
	}
	st.BlockNumber = uint64(block)
	st.ResidualPremium, st.VaultAmount, st.InsurancePremium = fromNumeric(residual), fromNumeric(vault), fromNumeric(prem)
	return &st, nil
}

func (s *PostgresStore) InsertInsuranceFlow(ctx context.Context, f *InsuranceFlow) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO insurance_flows (id, series_id, tx_hash, amount, kind, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.SeriesID, f.TxHash, numeric(f.Amount), f.Kind, f.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert insurance flow: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func numeric(x *big.Int) pgtype.Numeric {
	if x == nil {
		return pgtype.Numeric{Int: new(big.Int), Valid: true}
	}
	return pgtype.Numeric{Int: x, Valid: true}
}

func nullNumeric(x *big.Int) pgtype.Numeric {
	if x == nil {
		return pgtype.Numeric{}
	}
	return numeric(x)
}

var ten = big.NewInt(10)

// fromNumeric converts an integral NUMERIC to *big.Int, treating NULL as zero.
func fromNumeric(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return new(big.Int)
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(ten, big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		v.Quo(v, new(big.Int).Exp(ten, big.NewInt(int64(-n.Exp)), nil))
	}
	return v
}

func fromNullNumeric(n pgtype.Numeric) *big.Int {
	if !n.Valid {
		return nil
	}
	return fromNumeric(n)
}
