// Package position maintains weighted-average-cost positions per
// (user, series, side).
package position

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/storage"
)

// Engine applies position deltas. Every operation runs in its own store
// transaction holding the position row lock; when called with a store that is
// already a transaction the operation nests into it.
type Engine struct{}

// NewEngine creates an Engine.
func NewEngine() *Engine { return &Engine{} }

// Increase adds sizeDelta at a total cost of valueDelta:
//
//	existingValue = avg * size / SCALE
//	newAvg        = (existingValue + valueDelta) * SCALE / (size + sizeDelta)
func (e *Engine) Increase(ctx context.Context, st storage.Store, key storage.PositionKey, sizeDelta, valueDelta *big.Int, ts time.Time) error {
	if !key.Type.Valid() {
		return fmt.Errorf("increase position: invalid type %q", key.Type)
	}
	return st.WithTx(ctx, func(tx storage.Store) error {
		current, err := tx.GetPosition(ctx, key, true)
		if err != nil {
			return err
		}

		existingSize, existingAvg := fixedpoint.Zero(), fixedpoint.Zero()
		next := &storage.Position{PositionKey: key}
		if current != nil {
			existingSize, existingAvg = current.Size, current.AvgPrice
			next.UnrealizedPnL, next.RealizedPnL = current.UnrealizedPnL, current.RealizedPnL
		}

		existingValue := fixedpoint.MulDiv(existingAvg, existingSize, fixedpoint.Scale)
		newSize := new(big.Int).Add(existingSize, fixedpoint.Copy(sizeDelta))
		newValue := new(big.Int).Add(existingValue, fixedpoint.Copy(valueDelta))

		newAvg := fixedpoint.Zero()
		if newSize.Sign() != 0 {
			newAvg = fixedpoint.MulDiv(newValue, fixedpoint.Scale, newSize)
		}

		next.Size = newSize
		next.AvgPrice = newAvg
		next.LastUpdated = ts
		return tx.UpsertPosition(ctx, next)
	})
}

// Decrease removes sizeDelta. A missing position is a no-op; a result at or
// below zero deletes the position. The average price is unchanged.
func (e *Engine) Decrease(ctx context.Context, st storage.Store, key storage.PositionKey, sizeDelta *big.Int, ts time.Time) error {
	return st.WithTx(ctx, func(tx storage.Store) error {
		current, err := tx.GetPosition(ctx, key, true)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}

		newSize := new(big.Int).Sub(current.Size, fixedpoint.Copy(sizeDelta))
		if newSize.Sign() <= 0 {
			return tx.DeletePosition(ctx, key)
		}

		current.Size = newSize
		current.LastUpdated = ts
		return tx.UpsertPosition(ctx, current)
	})
}

// Transfer moves size between two LONG positions. The receiver's cost basis
// absorbs size at the sender's average price; a sender with no position
// transfers at zero cost.
func (e *Engine) Transfer(ctx context.Context, st storage.Store, seriesID, from, to string, size *big.Int, ts time.Time) error {
	return st.WithTx(ctx, func(tx storage.Store) error {
		fromKey := storage.PositionKey{User: from, SeriesID: seriesID, Type: storage.PositionLong}
		sender, err := tx.GetPosition(ctx, fromKey, true)
		if err != nil {
			return err
		}

		value := fixedpoint.Zero()
		if sender != nil {
			value = fixedpoint.MulDiv(size, sender.AvgPrice, fixedpoint.Scale)
		}

		if err := e.Decrease(ctx, tx, fromKey, size, ts); err != nil {
			return fmt.Errorf("debit %s: %w", from, err)
		}
		toKey := storage.PositionKey{User: to, SeriesID: seriesID, Type: storage.PositionLong}
		if err := e.Increase(ctx, tx, toKey, size, value, ts); err != nil {
			return fmt.Errorf("credit %s: %w", to, err)
		}
		return nil
	})
}
