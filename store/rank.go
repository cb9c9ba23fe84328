package store

import (
	"context"
	"fmt"

	tmon "github.com/jinmuyano/trafficmon"
)

const unknownProcess = "Unknown"

// ProcessUsage is the traffic attributed to one process name. Records without a process
// are grouped under "Unknown".
type ProcessUsage struct {
	ProcessName    string  `gorm:"column:process_name"`
	Records        int64   `gorm:"column:records"`
	TotalDownBytes int64   `gorm:"column:total_down_bytes"`
	TotalUpBytes   int64   `gorm:"column:total_up_bytes"`
	MaxDownSpeed   float64 `gorm:"column:max_down_speed"`
	MaxUpSpeed     float64 `gorm:"column:max_up_speed"`
}

// ProcessRank orders processes by total traffic, busiest first. sessionID nil ranks across
// every session; limit <= 0 returns all of them.
func (s *Store) ProcessRank(ctx context.Context, sessionID *int64, limit int) ([]ProcessUsage, error) {
	q := s.db.WithContext(ctx).Model(&tmon.Record{}).
		Select(`COALESCE(process_name, ?) AS process_name,
			COUNT(*) AS records,
			CAST(ROUND(SUM(down_speed) * 1024) AS INTEGER) AS total_down_bytes,
			CAST(ROUND(SUM(up_speed) * 1024) AS INTEGER) AS total_up_bytes,
			MAX(down_speed) AS max_down_speed,
			MAX(up_speed) AS max_up_speed`, unknownProcess).
		Group("1").
		Order("SUM(down_speed) + SUM(up_speed) DESC, process_name ASC")
	if sessionID != nil {
		q = q.Where("session_id = ?", *sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []ProcessUsage
	if err := q.Scan(&out).Error; err != nil {
		s.metrics.StoreErrors.WithLabelValues("process_rank").Inc()
		return nil, fmt.Errorf("process rank: %w", err)
	}
	return out, nil
}
