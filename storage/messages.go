package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/signalbot/types"
)

// Message operations

// AppendMessage stores a message and its media once; replays are no-ops
func (d *Database) AppendMessage(ctx context.Context, msg types.IngestedMessage) (bool, error) {
	inserted := false
	err := d.write(ctx, "append_message", func(tx *gorm.DB) error {
		inserted = false
		return tx.Transaction(func(tx *gorm.DB) error {
			rec := MessageRecord{
				ChannelID: msg.ChannelID,
				MessageID: msg.MessageID,
				Timestamp: msg.Timestamp,
				EditedAt:  msg.EditedAt,
				ReplyToID: msg.ReplyToID,
				Text:      msg.Text,
				Raw:       msg.Raw,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			inserted = true

			for _, m := range msg.Media {
				file := MediaFile{
					ChannelID: msg.ChannelID,
					MessageID: msg.MessageID,
					FileName:  m.FileName,
					MimeType:  m.MimeType,
					FileSize:  m.FileSize,
					LocalPath: m.LocalPath,
				}
				if err := tx.Create(&file).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
	return inserted, err
}

// GetMessage returns one stored message, nil when unknown
func (d *Database) GetMessage(ctx context.Context, channelID string, messageID int64) (*types.IngestedMessage, error) {
	var rec MessageRecord
	err := d.db.WithContext(ctx).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	media, err := d.mediaFor(ctx, channelID, []int64{messageID})
	if err != nil {
		return nil, err
	}
	msg := messageFromRecord(rec, media[messageID])
	return &msg, nil
}

// RecentMessages returns the last limit messages of a channel, oldest first
func (d *Database) RecentMessages(ctx context.Context, channelID string, limit int) ([]types.IngestedMessage, error) {
	return d.messagesBefore(ctx, channelID, 0, limit)
}

// MessagesUpTo returns up to limit messages ending at messageID inclusive, oldest first
func (d *Database) MessagesUpTo(ctx context.Context, channelID string, messageID int64, limit int) ([]types.IngestedMessage, error) {
	return d.messagesBefore(ctx, channelID, messageID, limit)
}

// messagesBefore loads the newest limit messages with id <= upTo (0 means no bound)
func (d *Database) messagesBefore(ctx context.Context, channelID string, upTo int64, limit int) ([]types.IngestedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := d.db.WithContext(ctx).Where("channel_id = ?", channelID)
	if upTo > 0 {
		q = q.Where("message_id <= ?", upTo)
	}

	var recs []MessageRecord
	if err := q.Order("message_id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}

	ids := make([]int64, len(recs))
	for i, r := range recs {
		ids[i] = r.MessageID
	}
	media, err := d.mediaFor(ctx, channelID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]types.IngestedMessage, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, messageFromRecord(recs[i], media[recs[i].MessageID]))
	}
	return out, nil
}

func (d *Database) mediaFor(ctx context.Context, channelID string, ids []int64) (map[int64][]MediaFile, error) {
	out := make(map[int64][]MediaFile)
	if len(ids) == 0 {
		return out, nil
	}
	var files []MediaFile
	err := d.db.WithContext(ctx).
		Where("channel_id = ? AND message_id IN ?", channelID, ids).
		Order("id ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		out[f.MessageID] = append(out[f.MessageID], f)
	}
	return out, nil
}
