package tmon

import (
	"context"

	"github.com/jinmuyano/trafficmon/query"
)

// Service is what the desktop controller calls into. Every method may block on the
// store worker pool; ctx only bounds the wait, not the operation itself.
type Service interface {
	StartSession(ctx context.Context, iface string) (int64, error) // 开始监控会话
	Record(ctx context.Context, in RecordInput) error              // 每秒一条
	EndSession(ctx context.Context, sessionID int64) (*Session, error)

	ListSessions(ctx context.Context) ([]Session, error)
	Records(ctx context.Context, sessionID int64) ([]Record, error)
	FilteredRecords(ctx context.Context, f query.Filter) ([]RecordView, error)

	DeleteSession(ctx context.Context, sessionID int64) error
	DeleteSessions(ctx context.Context, ids []int64) error

	LookupProcess(localIP string, localPort uint16) string // 本地端口归属进程
}
