package monitor

import (
	"context"

	tmon "github.com/jinmuyano/trafficmon"
	"github.com/jinmuyano/trafficmon/query"
	"github.com/jinmuyano/trafficmon/store"
	"github.com/jinmuyano/trafficmon/worker"
)

// The store calls below all go through the pool so the caller only ever waits on ctx.

func (m *Monitor) StartSession(ctx context.Context, iface string) (int64, error) {
	return worker.Submit(m.pool, func(ctx context.Context) (int64, error) {
		return m.store.StartNewSession(ctx, iface)
	}).Wait(ctx)
}

func (m *Monitor) Record(ctx context.Context, in tmon.RecordInput) error {
	_, err := worker.Submit(m.pool, func(ctx context.Context) (int64, error) {
		return m.store.SaveDetailRecord(ctx, in)
	}).Wait(ctx)
	return err
}

func (m *Monitor) EndSession(ctx context.Context, sessionID int64) (*tmon.Session, error) {
	return worker.Submit(m.pool, func(ctx context.Context) (*tmon.Session, error) {
		return m.store.EndSession(ctx, sessionID)
	}).Wait(ctx)
}

func (m *Monitor) ListSessions(ctx context.Context) ([]tmon.Session, error) {
	return worker.Submit(m.pool, m.store.GetAllSessions).Wait(ctx)
}

func (m *Monitor) Records(ctx context.Context, sessionID int64) ([]tmon.Record, error) {
	return worker.Submit(m.pool, func(ctx context.Context) ([]tmon.Record, error) {
		return m.store.GetRecordsBySession(ctx, sessionID)
	}).Wait(ctx)
}

func (m *Monitor) FilteredRecords(ctx context.Context, f query.Filter) ([]tmon.RecordView, error) {
	return worker.Submit(m.pool, func(ctx context.Context) ([]tmon.RecordView, error) {
		return m.store.QueryRecords(ctx, f)
	}).Wait(ctx)
}

func (m *Monitor) DeleteSession(ctx context.Context, sessionID int64) error {
	_, err := worker.Submit(m.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.DeleteSession(ctx, sessionID)
	}).Wait(ctx)
	return err
}

func (m *Monitor) DeleteSessions(ctx context.Context, ids []int64) error {
	_, err := worker.Submit(m.pool, func(ctx context.Context) (int64, error) {
		return m.store.DeleteSessions(ctx, ids)
	}).Wait(ctx)
	return err
}

// LookupProcess answers from the attribution snapshot only; it never blocks on the pool.
func (m *Monitor) LookupProcess(localIP string, localPort uint16) string {
	return m.attr.FindProcessByPacket(localIP, localPort)
}

// ProcessRank lists the busiest processes, within one session when sessionID is set.
func (m *Monitor) ProcessRank(ctx context.Context, sessionID *int64, limit int) ([]store.ProcessUsage, error) {
	return worker.Submit(m.pool, func(ctx context.Context) ([]store.ProcessUsage, error) {
		return m.store.ProcessRank(ctx, sessionID, limit)
	}).Wait(ctx)
}
