package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/signalbot/types"
)

// Submission operations

func whereKey(tx *gorm.DB, key types.SubmissionKey) *gorm.DB {
	return tx.Where("channel_id = ? AND message_ids = ? AND exchange = ? AND token = ?",
		key.ChannelID, key.MessageIDs, key.Exchange, key.Token)
}

// GetSubmission returns the submission for a key, nil when none
func (d *Database) GetSubmission(ctx context.Context, key types.SubmissionKey) (*types.PositionSubmission, error) {
	var rec SubmissionRecord
	err := whereKey(d.db.WithContext(ctx), key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return submissionFromRecord(rec), nil
}

// CreateSubmission inserts sub if its key is new. It reports false when another
// writer got there first; sub is then left untouched.
func (d *Database) CreateSubmission(ctx context.Context, sub *types.PositionSubmission) (bool, error) {
	rec := submissionToRecord(sub)
	rec.Version = 1

	created := false
	err := d.write(ctx, "create_submission", func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		created = res.Error == nil && res.RowsAffected > 0
		return res.Error
	})
	if err != nil || !created {
		return false, err
	}

	sub.Version = rec.Version
	sub.CreatedAt = rec.CreatedAt
	sub.UpdatedAt = rec.UpdatedAt
	return true, nil
}

// TransitionSubmission writes sub if the stored version still equals sub.Version,
// then bumps sub.Version. ErrVersionConflict means the row moved underneath.
func (d *Database) TransitionSubmission(ctx context.Context, sub *types.PositionSubmission) error {
	rec := submissionToRecord(sub)
	now := time.Now()
	next := sub.Version + 1

	err := d.write(ctx, "transition_submission", func(tx *gorm.DB) error {
		res := whereKey(tx.Model(&SubmissionRecord{}), sub.Key).
			Where("version = ?", sub.Version).
			Updates(map[string]any{
				"side":            rec.Side,
				"symbol":          rec.Symbol,
				"quantity":        rec.Quantity,
				"notional":        rec.Notional,
				"price":           rec.Price,
				"leverage":        rec.Leverage,
				"client_order_id": rec.ClientOrderID,
				"order_ids":       rec.OrderIDs,
				"status":          rec.Status,
				"attempts":        rec.Attempts,
				"error":           rec.Error,
				"version":         next,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return err
	}

	sub.Version = next
	sub.UpdatedAt = now
	return nil
}

// liveStatuses are the submissions a fresh overlapping window must not duplicate
var liveStatuses = []types.SubmissionStatus{
	types.StatusPending,
	types.StatusSubmitted,
	types.StatusRecorded,
}

// FindOverlapping returns a submission for the same channel, exchange, token
// and side whose message-id set shares an id with ids, other than key itself.
// Only rows in statuses count; none means the live set.
func (d *Database) FindOverlapping(ctx context.Context, key types.SubmissionKey, side types.Side, ids []int64, statuses ...types.SubmissionStatus) (*types.PositionSubmission, error) {
	if len(statuses) == 0 {
		statuses = liveStatuses
	}
	in := make([]string, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}

	var recs []SubmissionRecord
	err := d.db.WithContext(ctx).
		Where("channel_id = ? AND exchange = ? AND token = ? AND side = ? AND message_ids <> ?",
			key.ChannelID, key.Exchange, key.Token, string(side), key.MessageIDs).
		Where("status IN ?", in).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, r := range recs {
		for _, id := range types.SplitMessageIDs(r.MessageIDs) {
			if want[id] {
				return submissionFromRecord(r), nil
			}
		}
	}
	return nil, nil
}

// ListSubmissions returns the newest submissions, optionally filtered by status
func (d *Database) ListSubmissions(ctx context.Context, status types.SubmissionStatus, limit int) ([]*types.PositionSubmission, error) {
	q := d.db.WithContext(ctx).Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []SubmissionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.PositionSubmission, len(recs))
	for i, r := range recs {
		out[i] = submissionFromRecord(r)
	}
	return out, nil
}

// StalePending returns pending submissions not touched since before
func (d *Database) StalePending(ctx context.Context, before time.Time) ([]*types.PositionSubmission, error) {
	var recs []SubmissionRecord
	err := d.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(types.StatusPending), before).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.PositionSubmission, len(recs))
	for i, r := range recs {
		out[i] = submissionFromRecord(r)
	}
	return out, nil
}

// Stats counts submissions by status and signals by outcome
type Stats struct {
	Messages    int64
	Signals     map[string]int64
	Submissions map[string]int64
}

// GetStats returns pipeline counters for the operator surfaces
func (d *Database) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Signals: map[string]int64{}, Submissions: map[string]int64{}}
	db := d.db.WithContext(ctx)

	if err := db.Model(&MessageRecord{}).Count(&stats.Messages).Error; err != nil {
		return nil, err
	}

	type row struct {
		Name  string
		Count int64
	}
	var rows []row
	if err := db.Model(&SignalRecord{}).Select("outcome as name, count(*) as count").Group("outcome").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.Signals[r.Name] = r.Count
	}

	rows = nil
	if err := db.Model(&SubmissionRecord{}).Select("status as name, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.Submissions[r.Name] = r.Count
	}
	return stats, nil
}
