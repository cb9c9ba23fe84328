package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"

	tmon "github.com/jinmuyano/trafficmon"
)

// rankedSessions numbers sessions 1..N by start time; DisplayID is read from it.
const rankedSessions = `SELECT s.*, ROW_NUMBER() OVER (ORDER BY s.start_time ASC, s.session_id ASC) AS display_id ` +
	`FROM monitoring_sessions s`

// StartNewSession inserts an active session and returns its id.
func (s *Store) StartNewSession(ctx context.Context, iface string) (int64, error) {
	iface = strings.TrimSpace(iface)
	if iface == "" {
		return 0, fmt.Errorf("start session: %w: empty interface name", ErrInvalidRecord)
	}

	sess := tmon.Session{
		IfaceName: iface,
		StartTime: s.timestamp(),
	}
	err := s.withTx(ctx, "start_session", func(tx *gorm.DB) error {
		return tx.Create(&sess).Error
	})
	if err != nil {
		return 0, err
	}

	s.logger.Infow("session started", "session_id", sess.SessionID, "iface", iface)
	return sess.SessionID, nil
}

// EndSession computes the rollup of every record of the session and writes it once.
// Each record stands for one second, so total bytes are the summed KB/s times 1024.
func (s *Store) EndSession(ctx context.Context, sessionID int64) (*tmon.Session, error) {
	var sess tmon.Session

	err := s.withTx(ctx, "end_session", func(tx *gorm.DB) error {
		if err := findSession(tx, sessionID, &sess); err != nil {
			return err
		}
		if !sess.Active() {
			return fmt.Errorf("%w: %d", ErrSessionEnded, sessionID)
		}

		var records []tmon.Record
		err := tx.Select("down_speed", "up_speed", "record_time").
			Where("session_id = ?", sessionID).
			Order("record_time ASC, record_id ASC").
			Find(&records).Error
		if err != nil {
			return err
		}

		applyRollup(&sess, records)

		end := s.timestamp()
		if end.Before(sess.StartTime) {
			end = sess.StartTime
		}
		sess.EndTime = &end

		return tx.Model(&tmon.Session{}).Where("session_id = ?", sessionID).Updates(map[string]any{
			"end_time":         end,
			"duration_seconds": sess.DurationSeconds,
			"avg_down_speed":   sess.AvgDownSpeed,
			"avg_up_speed":     sess.AvgUpSpeed,
			"max_down_speed":   sess.MaxDownSpeed,
			"max_up_speed":     sess.MaxUpSpeed,
			"total_down_bytes": sess.TotalDownBytes,
			"total_up_bytes":   sess.TotalUpBytes,
			"record_count":     sess.RecordCount,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("session ended",
		"session_id", sessionID,
		"records", sess.RecordCount,
		"duration_seconds", sess.DurationSeconds,
	)
	return &sess, nil
}

// applyRollup fills the statistics of sess from records ordered by time.
func applyRollup(sess *tmon.Session, records []tmon.Record) {
	var sumDown, sumUp, maxDown, maxUp float64
	for _, r := range records {
		sumDown += r.DownSpeed
		sumUp += r.UpSpeed
		maxDown = math.Max(maxDown, r.DownSpeed)
		maxUp = math.Max(maxUp, r.UpSpeed)
	}

	sess.RecordCount = int64(len(records))
	sess.MaxDownSpeed = maxDown
	sess.MaxUpSpeed = maxUp
	sess.TotalDownBytes = int64(math.Round(sumDown * 1024))
	sess.TotalUpBytes = int64(math.Round(sumUp * 1024))
	sess.AvgDownSpeed = 0
	sess.AvgUpSpeed = 0
	sess.DurationSeconds = 0

	if len(records) == 0 {
		return
	}

	n := float64(len(records))
	sess.AvgDownSpeed = sumDown / n
	sess.AvgUpSpeed = sumUp / n

	last := records[len(records)-1].RecordTime
	if d := last.Sub(sess.StartTime); d > 0 {
		sess.DurationSeconds = int64(d / time.Second)
	}
}

func findSession(tx *gorm.DB, sessionID int64, out *tmon.Session) error {
	err := tx.Where("session_id = ?", sessionID).Take(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return err
}

// GetAllSessions lists sessions newest first.
func (s *Store) GetAllSessions(ctx context.Context) ([]tmon.Session, error) {
	var out []tmon.Session
	err := s.db.WithContext(ctx).
		Raw(rankedSessions + " ORDER BY s.start_time DESC, s.session_id DESC").
		Scan(&out).Error
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues("list_sessions").Inc()
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// GetSession returns one session with its display position.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*tmon.Session, error) {
	var out []tmon.Session
	err := s.db.WithContext(ctx).
		Raw("SELECT * FROM ("+rankedSessions+") WHERE session_id = ?", sessionID).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("get session: %w: %d", ErrSessionNotFound, sessionID)
	}
	return &out[0], nil
}

// DeleteSession removes one session and, through the foreign key, its records.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	n, err := s.deleteSessions(ctx, []int64{sessionID})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete session: %w: %d", ErrSessionNotFound, sessionID)
	}
	return nil
}

// DeleteSessions removes every listed session that exists and reports how many did.
func (s *Store) DeleteSessions(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.deleteSessions(ctx, ids)
}

func (s *Store) deleteSessions(ctx context.Context, ids []int64) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, "delete_sessions", func(tx *gorm.DB) error {
		res := tx.Where("session_id IN ?", ids).Delete(&tmon.Session{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}

	s.logger.Infow("sessions deleted", "requested", len(ids), "deleted", deleted)

	if deleted > 0 && s.cfg.RenumberOnDelete {
		if err := s.Renumber(ctx); err != nil {
			// the delete itself is committed; ids just stay sparse
			s.logger.Warnw("renumber after delete failed", "error", err)
		}
	}
	return deleted, nil
}

// Renumber rewrites session ids to 1..N in start-time order and moves the records along.
//
// Foreign keys are switched off for the duration on a connection reserved for this call,
// and switched back on when it returns whatever happened. The rewrite itself is one
// transaction that is only committed when foreign_key_check finds nothing dangling.
func (s *Store) Renumber(ctx context.Context) error {
	err := s.db.WithContext(ctx).Connection(func(conn *gorm.DB) (err error) {
		if err := conn.Exec("PRAGMA foreign_keys = OFF").Error; err != nil {
			return err
		}
		defer func() {
			if onErr := conn.Exec("PRAGMA foreign_keys = ON").Error; onErr != nil && err == nil {
				err = onErr
			}
		}()

		return conn.Transaction(renumberTx)
	})
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues("renumber").Inc()
		return fmt.Errorf("renumber: %w", err)
	}
	return nil
}

func renumberTx(tx *gorm.DB) error {
	var ids []int64
	err := tx.Raw("SELECT session_id FROM monitoring_sessions ORDER BY start_time ASC, session_id ASC").
		Scan(&ids).Error
	if err != nil {
		return err
	}

	// park every id on its negative first so the new ids never collide with old ones
	if err := tx.Exec("UPDATE monitoring_sessions SET session_id = -session_id").Error; err != nil {
		return err
	}
	if err := tx.Exec("UPDATE traffic_records SET session_id = -session_id").Error; err != nil {
		return err
	}

	for i, old := range ids {
		newID := int64(i + 1)
		if err := tx.Exec("UPDATE monitoring_sessions SET session_id = ? WHERE session_id = ?", newID, -old).Error; err != nil {
			return err
		}
		if err := tx.Exec("UPDATE traffic_records SET session_id = ? WHERE session_id = ?", newID, -old).Error; err != nil {
			return err
		}
	}

	if err := tx.Exec("UPDATE sqlite_sequence SET seq = ? WHERE name = ?", len(ids), "monitoring_sessions").Error; err != nil {
		return err
	}

	rows, err := tx.Raw("PRAGMA foreign_key_check").Rows()
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return errors.New("foreign key violations after renumbering")
	}
	return rows.Err()
}
