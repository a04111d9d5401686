package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/storage"
)

type handlerFunc func(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error

// VaultSettled and InsurancePremiumNotified are recorded by the settlement
// worker from its own receipt, so they have no handler here.
func (ix *Indexer) eventHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		chain.EventSeriesCreated:    ix.onSeriesCreated,
		chain.EventTradeExecuted:    ix.onTradeExecuted,
		chain.EventOptionExercised:  ix.onOptionExercised,
		chain.EventPositionClosed:   ix.onPositionClosed,
		chain.EventSeriesSettled:    ix.onSeriesSettled,
		chain.EventLiquidated:       ix.onLiquidated,
		chain.EventTransferSingle:   ix.onTransferSingle,
		chain.EventTransferBatch:    ix.onTransferBatch,
		chain.EventAccountEvaluated: ix.onAccountEvaluated,
	}
}

func (ix *Indexer) onSeriesCreated(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.SeriesCreated)
	return tx.UpsertSeries(ctx, &storage.Series{
		ID:         e.SeriesID.Hex(),
		Underlying: e.Underlying.Hex(),
		Quote:      e.Quote.Hex(),
		Strike:     e.Strike,
		Expiry:     e.Expiry,
		IsCall:     e.IsCall,
		BaseFeeBps: e.BaseFeeBps,
		CreatedAt:  m.timestamp,
		UpdatedAt:  m.timestamp,
	})
}

func (ix *Indexer) onTradeExecuted(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.TradeExecuted)
	sid := e.SeriesID.Hex()
	if err := ix.ensureSeries(ctx, tx, e.SeriesID, m); err != nil {
		return err
	}

	side, typ := storage.TradeSideBuy, storage.PositionLong
	if !e.IsBuy {
		side, typ = storage.TradeSideSell, storage.PositionShort
	}

	inserted, err := tx.InsertTrade(ctx, &storage.Trade{
		ID:          m.id,
		SeriesID:    sid,
		Trader:      e.Trader.Hex(),
		Side:        side,
		Size:        e.Size,
		Premium:     e.Premium,
		Fee:         e.Fee,
		BlockNumber: m.log.BlockNumber,
		TxHash:      m.log.TxHash.Hex(),
		LogIndex:    m.log.Index,
		Timestamp:   m.timestamp,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return skip(SkipAlreadyProcessed, "trade %s", m.id)
	}

	key := storage.PositionKey{User: e.Trader.Hex(), SeriesID: sid, Type: typ}
	if err := ix.engine.Increase(ctx, tx, key, e.Size, e.Premium, m.timestamp); err != nil {
		return err
	}

	long, short := new(big.Int), new(big.Int)
	if e.IsBuy {
		long.Set(e.Size)
	} else {
		short.Set(e.Size)
	}
	return tx.AdjustOpenInterest(ctx, sid, long, short, e.Premium)
}

func (ix *Indexer) onOptionExercised(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.OptionExercised)
	sid := e.SeriesID.Hex()
	if err := ix.ensureSeries(ctx, tx, e.SeriesID, m); err != nil {
		return err
	}

	if _, err := tx.InsertMarginEvent(ctx, &storage.MarginEvent{
		ID:          m.id,
		Account:     e.Holder.Hex(),
		SeriesID:    sid,
		Type:        storage.MarginEventExercise,
		SizeDelta:   new(big.Int).Neg(e.Size),
		Metadata:    map[string]any{"payout": e.Payout.String()},
		BlockNumber: m.log.BlockNumber,
		TxHash:      m.log.TxHash.Hex(),
		Timestamp:   m.timestamp,
	}); err != nil {
		return err
	}

	key := storage.PositionKey{User: e.Holder.Hex(), SeriesID: sid, Type: storage.PositionLong}
	if err := ix.engine.Decrease(ctx, tx, key, e.Size, m.timestamp); err != nil {
		return err
	}
	return tx.AdjustOpenInterest(ctx, sid, new(big.Int).Neg(e.Size), new(big.Int), new(big.Int))
}

func (ix *Indexer) onPositionClosed(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.PositionClosed)
	sid := e.SeriesID.Hex()
	if err := ix.ensureSeries(ctx, tx, e.SeriesID, m); err != nil {
		return err
	}

	typ := storage.PositionShort
	long, short := new(big.Int), new(big.Int).Neg(e.Size)
	if e.IsLong {
		typ = storage.PositionLong
		long, short = short, long
	}

	key := storage.PositionKey{User: e.Account.Hex(), SeriesID: sid, Type: typ}
	if err := ix.engine.Decrease(ctx, tx, key, e.Size, m.timestamp); err != nil {
		return err
	}
	return tx.AdjustOpenInterest(ctx, sid, long, short, new(big.Int))
}

func (ix *Indexer) onSeriesSettled(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.SeriesSettled)
	if err := ix.ensureSeries(ctx, tx, e.SeriesID, m); err != nil {
		return err
	}
	return tx.SetSeriesSettled(ctx, e.SeriesID.Hex(), m.timestamp)
}

func (ix *Indexer) onLiquidated(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.Liquidated)
	sid := e.SeriesID.Hex()
	if err := ix.ensureSeries(ctx, tx, e.SeriesID, m); err != nil {
		return err
	}

	inserted, err := tx.InsertLiquidation(ctx, &storage.Liquidation{
		ID:          m.id,
		SeriesID:    sid,
		Account:     e.Account.Hex(),
		Initiator:   e.Initiator.Hex(),
		Size:        e.Size,
		Payout:      e.Payout,
		Penalty:     e.Penalty,
		BlockNumber: m.log.BlockNumber,
		TxHash:      m.log.TxHash.Hex(),
		Timestamp:   m.timestamp,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return skip(SkipAlreadyProcessed, "liquidation %s", m.id)
	}

	if _, err := tx.InsertMarginEvent(ctx, &storage.MarginEvent{
		ID:        m.id,
		Account:   e.Account.Hex(),
		SeriesID:  sid,
		Type:      storage.MarginEventLiquidation,
		SizeDelta: new(big.Int).Neg(e.Size),
		Metadata: map[string]any{
			"initiator": e.Initiator.Hex(),
			"payout":    e.Payout.String(),
			"penalty":   e.Penalty.String(),
		},
		BlockNumber: m.log.BlockNumber,
		TxHash:      m.log.TxHash.Hex(),
		Timestamp:   m.timestamp,
	}); err != nil {
		return err
	}

	key := storage.PositionKey{User: e.Account.Hex(), SeriesID: sid, Type: storage.PositionShort}
	if err := ix.engine.Decrease(ctx, tx, key, e.Size, m.timestamp); err != nil {
		return err
	}
	return tx.AdjustOpenInterest(ctx, sid, new(big.Int), new(big.Int).Neg(e.Size), new(big.Int))
}

func (ix *Indexer) onTransferSingle(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.TransferSingle)
	return ix.transfer(ctx, tx, e.From, e.To, []chain.SeriesID{e.ID}, []*big.Int{e.Value}, m)
}

func (ix *Indexer) onTransferBatch(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.TransferBatch)
	return ix.transfer(ctx, tx, e.From, e.To, e.IDs, e.Values, m)
}

// transfer moves LONG size between holders. Mints and burns are already
// accounted for by the trade, exercise and close events.
func (ix *Indexer) transfer(ctx context.Context, tx storage.Store, from, to common.Address, ids []chain.SeriesID, values []*big.Int, m logMeta) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return skip(SkipMintBurn, "from %s to %s", from.Hex(), to.Hex())
	}
	if from == to {
		return skip(SkipSelfTransfer, "%s", from.Hex())
	}
	for i, id := range ids {
		if values[i].Sign() == 0 {
			continue
		}
		if err := ix.engine.Transfer(ctx, tx, id.Hex(), from.Hex(), to.Hex(), values[i], m.timestamp); err != nil {
			return fmt.Errorf("transfer %s: %w", id.Hex(), err)
		}
	}
	return nil
}

func (ix *Indexer) onAccountEvaluated(ctx context.Context, tx storage.Store, ev chain.Event, m logMeta) error {
	e := ev.(chain.AccountEvaluated)
	_, err := tx.InsertMarginEvent(ctx, &storage.MarginEvent{
		ID:              m.id,
		Account:         e.Account.Hex(),
		Type:            storage.MarginEventCheck,
		SizeDelta:       new(big.Int),
		ResultingMargin: e.Equity,
		Metadata: map[string]any{
			"maintenance":   e.Maintenance.String(),
			"inLiquidation": e.InLiquidation,
		},
		BlockNumber: m.log.BlockNumber,
		TxHash:      m.log.TxHash.Hex(),
		Timestamp:   m.timestamp,
	})
	return err
}

// ensureSeries loads a series from chain the first time it is referenced
// ahead of its creation event. A chain failure aborts the range.
func (ix *Indexer) ensureSeries(ctx context.Context, tx storage.Store, id chain.SeriesID, m logMeta) error {
	existing, err := tx.GetSeries(ctx, id.Hex())
	if err != nil || existing != nil {
		return err
	}
	if ix.series == nil {
		return nil
	}

	s, err := ix.series.Series(ctx, id)
	if err != nil {
		return &abortError{err: fmt.Errorf("load series %s: %w", id.Hex(), err)}
	}
	ix.logger.Info("loaded series from chain", "series_id", id.Hex(), "block", m.log.BlockNumber)
	return tx.UpsertSeries(ctx, &storage.Series{
		ID:         id.Hex(),
		Underlying: s.Underlying.Hex(),
		Quote:      s.Quote.Hex(),
		Strike:     s.Strike,
		Expiry:     s.Expiry,
		IsCall:     s.IsCall,
		BaseFeeBps: s.BaseFeeBps,
		CreatedAt:  m.timestamp,
		UpdatedAt:  m.timestamp,
	})
}

// eventSubject returns the series id and account an event concerns, for
// fanout keys.
func eventSubject(ev chain.Event) (seriesID, account string) {
	switch e := ev.(type) {
	case chain.SeriesCreated:
		return e.SeriesID.Hex(), ""
	case chain.TradeExecuted:
		return e.SeriesID.Hex(), e.Trader.Hex()
	case chain.OptionExercised:
		return e.SeriesID.Hex(), e.Holder.Hex()
	case chain.PositionClosed:
		return e.SeriesID.Hex(), e.Account.Hex()
	case chain.SeriesSettled:
		return e.SeriesID.Hex(), ""
	case chain.Liquidated:
		return e.SeriesID.Hex(), e.Account.Hex()
	case chain.TransferSingle:
		return e.ID.Hex(), e.To.Hex()
	case chain.TransferBatch:
		if len(e.IDs) == 1 {
			return e.IDs[0].Hex(), e.To.Hex()
		}
		return "", e.To.Hex()
	case chain.AccountEvaluated:
		return "", e.Account.Hex()
	}
	return "", ""
}
