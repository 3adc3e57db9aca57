package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/signalbot/types"
)

// Signal operations

// GetSignal returns the stored extraction result for a unit, nil when none
func (d *Database) GetSignal(ctx context.Context, channelID, unitKey string) (*types.Signal, error) {
	var rec SignalRecord
	err := d.db.WithContext(ctx).
		Where("channel_id = ? AND message_ids = ?", channelID, unitKey).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return signalFromRecord(rec), nil
}

// UpsertSignal records the outcome for a unit. A re-attempt replaces the previous row.
func (d *Database) UpsertSignal(ctx context.Context, sig *types.Signal) error {
	rec := signalToRecord(sig)
	return d.write(ctx, "upsert_signal", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "message_ids"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"token", "side", "entry_price", "leverage", "stop_losses", "take_profits",
				"outcome", "reason", "raw_output", "model", "updated_at",
			}),
		}).Create(&rec).Error
	})
}

// ListSignals returns the newest signals, optionally for one channel
func (d *Database) ListSignals(ctx context.Context, channelID string, limit int) ([]*types.Signal, error) {
	q := d.db.WithContext(ctx).Order("id DESC")
	if channelID != "" {
		q = q.Where("channel_id = ?", channelID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []SignalRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Signal, len(recs))
	for i, r := range recs {
		out[i] = signalFromRecord(r)
	}
	return out, nil
}
