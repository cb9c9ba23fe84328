package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"

	tmon "github.com/jinmuyano/trafficmon"
	"github.com/jinmuyano/trafficmon/query"
)

// SaveDetailRecord appends one interval to an active session in its own transaction.
func (s *Store) SaveDetailRecord(ctx context.Context, in tmon.RecordInput) (int64, error) {
	if err := validateRecord(in); err != nil {
		s.metrics.StoreErrors.WithLabelValues("save_record").Inc()
		return 0, fmt.Errorf("save record: %w", err)
	}

	rec := tmon.Record{
		SessionID:   in.SessionID,
		DownSpeed:   in.DownSpeed,
		UpSpeed:     in.UpSpeed,
		SourceIP:    tmon.NullString(strings.TrimSpace(in.SourceIP)),
		DestIP:      tmon.NullString(strings.TrimSpace(in.DestIP)),
		ProcessName: tmon.NullString(strings.TrimSpace(in.ProcessName)),
		Protocol:    tmon.NullString(query.NormalizeProtocol(in.Protocol)),
		RecordTime:  in.Time.UTC(),
	}

	err := s.withTx(ctx, "save_record", func(tx *gorm.DB) error {
		// stamped inside the tx so concurrent callers insert in time order
		if in.Time.IsZero() {
			rec.RecordTime = s.timestamp()
		}

		var sess tmon.Session
		if err := findSession(tx, in.SessionID, &sess); err != nil {
			return err
		}
		if !sess.Active() {
			return fmt.Errorf("%w: %d", ErrSessionEnded, in.SessionID)
		}
		if rec.RecordTime.Before(sess.StartTime) {
			return fmt.Errorf("%w: record time %s before session start %s",
				ErrInvalidRecord, rec.RecordTime.Format(time.RFC3339Nano), sess.StartTime.Format(time.RFC3339Nano))
		}

		var last []tmon.Record
		err := tx.Select("record_time").
			Where("session_id = ?", in.SessionID).
			Order("record_time DESC, record_id DESC").
			Limit(1).
			Find(&last).Error
		if err != nil {
			return err
		}
		if len(last) > 0 && rec.RecordTime.Before(last[0].RecordTime) {
			return fmt.Errorf("%w: record time %s before previous record %s",
				ErrInvalidRecord, rec.RecordTime.Format(time.RFC3339Nano), last[0].RecordTime.Format(time.RFC3339Nano))
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return 0, err
	}

	s.metrics.RecordsSaved.Inc()
	return rec.RecordID, nil
}

func validateRecord(in tmon.RecordInput) error {
	switch {
	case in.SessionID <= 0:
		return fmt.Errorf("%w: session id %d", ErrInvalidRecord, in.SessionID)
	case in.DownSpeed < 0 || math.IsNaN(in.DownSpeed) || math.IsInf(in.DownSpeed, 0):
		return fmt.Errorf("%w: down speed %v", ErrInvalidRecord, in.DownSpeed)
	case in.UpSpeed < 0 || math.IsNaN(in.UpSpeed) || math.IsInf(in.UpSpeed, 0):
		return fmt.Errorf("%w: up speed %v", ErrInvalidRecord, in.UpSpeed)
	}
	return nil
}

// GetRecordsBySession returns the records of one session oldest first.
func (s *Store) GetRecordsBySession(ctx context.Context, sessionID int64) ([]tmon.Record, error) {
	var out []tmon.Record
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("record_time ASC, record_id ASC").
		Find(&out).Error
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues("records_by_session").Inc()
		return nil, fmt.Errorf("records of session %d: %w", sessionID, err)
	}
	return out, nil
}

// QueryRecords runs the filtered read built by the query package.
func (s *Store) QueryRecords(ctx context.Context, f query.Filter) ([]tmon.RecordView, error) {
	sql, args := s.builder.Build(f)

	var out []tmon.RecordView
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&out).Error; err != nil {
		s.metrics.StoreErrors.WithLabelValues("query_records").Inc()
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}
