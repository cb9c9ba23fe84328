package store

import (
	"context"
	"math"

	"gorm.io/gorm"

	tmon "github.com/jinmuyano/trafficmon"
)

// CleanupResult describes one PerformAutoCleanup run.
type CleanupResult struct {
	Before    int64
	Deleted   int64
	After     int64
	Compacted bool
}

// PerformAutoCleanup trims the oldest records once the table grows past the threshold.
// The count and the delete share one transaction, so a failure deletes nothing. VACUUM
// runs afterwards, outside the transaction; its failure leaves the data as committed.
func (s *Store) PerformAutoCleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult

	err := s.withTx(ctx, "cleanup", func(tx *gorm.DB) error {
		if err := tx.Model(&tmon.Record{}).Count(&res.Before).Error; err != nil {
			return err
		}
		res.After = res.Before
		if res.Before <= s.cfg.CleanupThreshold {
			return nil
		}

		n := cleanupCount(res.Before, s.cfg.CleanupFraction)
		del := tx.Exec(`DELETE FROM traffic_records WHERE record_id IN (
			SELECT record_id FROM traffic_records ORDER BY record_time ASC, record_id ASC LIMIT ?)`, n)
		if del.Error != nil {
			return del.Error
		}
		res.Deleted = del.RowsAffected
		res.After = res.Before - res.Deleted
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}
	if res.Deleted == 0 {
		return res, nil
	}

	s.metrics.CleanupDeleted.Add(float64(res.Deleted))
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		s.logger.Warnw("vacuum after cleanup failed", "error", err)
	} else {
		res.Compacted = true
	}

	s.logger.Infow("retention cleanup",
		"before", res.Before,
		"deleted", res.Deleted,
		"after", res.After,
	)
	return res, nil
}

// cleanupCount is ceil(total*fraction), guarded against float noise such as
// 5500*0.1 landing just above 550.
func cleanupCount(total int64, fraction float64) int64 {
	return int64(math.Ceil(float64(total)*fraction - 1e-9))
}

// Stats is a snapshot of table sizes.
type Stats struct {
	Sessions       int64
	ActiveSessions int64
	Records        int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&tmon.Session{}).Count(&st.Sessions).Error; err != nil {
		return st, err
	}
	if err := db.Model(&tmon.Session{}).Where("end_time IS NULL").Count(&st.ActiveSessions).Error; err != nil {
		return st, err
	}
	if err := db.Model(&tmon.Record{}).Count(&st.Records).Error; err != nil {
		return st, err
	}
	return st, nil
}
