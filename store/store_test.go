package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	tmon "github.com/jinmuyano/trafficmon"
	"github.com/jinmuyano/trafficmon/query"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if cfg.Path == "" {
		cfg.Path = MemoryPath
	}
	s, err := Open(cfg, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func saveSpeeds(t *testing.T, s *Store, clock *fakeClock, sessionID int64, down ...float64) {
	t.Helper()
	for _, d := range down {
		clock.Advance(time.Second)
		_, err := s.SaveDetailRecord(context.Background(), tmon.RecordInput{
			SessionID: sessionID,
			DownSpeed: d,
			UpSpeed:   d / 2,
		})
		require.NoError(t, err)
	}
}

func TestOpenAppliesAllMigrations(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion(), v)
	assert.Equal(t, int64(defaultCleanupThreshold), s.Config().CleanupThreshold)
}

func TestEndSessionWithoutRecords(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)

	sess, err := s.EndSession(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, int64(0), sess.DurationSeconds)
	assert.Equal(t, int64(0), sess.RecordCount)
	assert.Zero(t, sess.AvgDownSpeed)
	assert.Zero(t, sess.AvgUpSpeed)
	require.NotNil(t, sess.EndTime)
	assert.False(t, sess.EndTime.Before(sess.StartTime))
}

func TestEndSessionRollup(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)
	saveSpeeds(t, s, clock, id, 10, 20, 30)

	sess, err := s.EndSession(ctx, id)
	require.NoError(t, err)

	assert.InDelta(t, 20.0, sess.AvgDownSpeed, 1e-9)
	assert.InDelta(t, 30.0, sess.MaxDownSpeed, 1e-9)
	assert.Equal(t, int64(60*1024), sess.TotalDownBytes)
	assert.InDelta(t, 10.0, sess.AvgUpSpeed, 1e-9)
	assert.Equal(t, int64(30*1024), sess.TotalUpBytes)
	assert.Equal(t, int64(3), sess.RecordCount)
	assert.Equal(t, int64(3), sess.DurationSeconds)

	stored, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sess.TotalDownBytes, stored.TotalDownBytes)
	assert.Equal(t, int64(3), stored.RecordCount)
	assert.False(t, stored.Active())
}

func TestEndSessionErrors(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := s.EndSession(ctx, 99)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	id, err := s.StartNewSession(ctx, "wlan0")
	require.NoError(t, err)
	_, err = s.EndSession(ctx, id)
	require.NoError(t, err)

	_, err = s.EndSession(ctx, id)
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestStartNewSessionRejectsEmptyInterface(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	_, err := s.StartNewSession(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidRecord)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Sessions)
}

func TestSaveDetailRecordValidation(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: 42, DownSpeed: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)

	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: -1})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	recID, err := s.SaveDetailRecord(ctx, tmon.RecordInput{
		SessionID:   id,
		DownSpeed:   5,
		SourceIP:    "8.8.8.8",
		ProcessName: "",
		Protocol:    "udp",
	})
	require.NoError(t, err)
	assert.Positive(t, recID)

	recs, err := s.GetRecordsBySession(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "8.8.8.8", *recs[0].SourceIP)
	assert.Nil(t, recs[0].DestIP)
	assert.Nil(t, recs[0].ProcessName)
	assert.Equal(t, "UDP", *recs[0].Protocol)

	_, err = s.EndSession(ctx, id)
	require.NoError(t, err)
	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: 1})
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSaveDetailRecordKeepsTimeOrder(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)
	start := clock.Now()

	at := start.Add(time.Hour)
	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: 1, Time: at})
	require.NoError(t, err)

	// same instant is allowed, earlier is not
	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: 2, Time: at})
	require.NoError(t, err)
	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: 3, Time: at.Add(-10 * time.Minute)})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: 4, Time: start.Add(-48 * time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	other, err := s.StartNewSession(ctx, "wlan0")
	require.NoError(t, err)
	_, err = s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: other, DownSpeed: 1, Time: start.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrInvalidRecord, "before the session started")

	sess, err := s.EndSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.RecordCount)
	assert.Equal(t, int64(3600), sess.DurationSeconds)
}

func TestGetAllSessionsNewestFirst(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	var ids []int64
	for _, iface := range []string{"eth0", "eth1", "wlan0"} {
		id, err := s.StartNewSession(ctx, iface)
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}

	sessions, err := s.GetAllSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, ids[2], sessions[0].SessionID)
	assert.Equal(t, "wlan0", sessions[0].IfaceName)
	assert.Equal(t, int64(3), sessions[0].DisplayID)
	assert.Equal(t, ids[0], sessions[2].SessionID)
	assert.Equal(t, int64(1), sessions[2].DisplayID)
	assert.True(t, sessions[0].Active())
}

func TestGetRecordsBySessionOldestFirst(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)

	base := clock.Now()
	// rows written out of time order, as an older database may hold them
	for _, off := range []int{3, 1, 2} {
		require.NoError(t, s.db.Create(&tmon.Record{
			SessionID:  id,
			DownSpeed:  float64(off),
			RecordTime: base.Add(time.Duration(off) * time.Second),
		}).Error)
	}

	recs, err := s.GetRecordsBySession(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, float64(i+1), r.DownSpeed)
	}
}

func countOrphans(t *testing.T, s *Store) int64 {
	t.Helper()
	var n int64
	err := s.db.Raw(`SELECT COUNT(*) FROM traffic_records r
		WHERE NOT EXISTS (SELECT 1 FROM monitoring_sessions s WHERE s.session_id = r.session_id)`).Scan(&n).Error
	require.NoError(t, err)
	return n
}

func TestDeleteSessionCascadesAndKeepsDisplayOrderDense(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := s.StartNewSession(ctx, fmt.Sprintf("eth%d", i))
		require.NoError(t, err)
		saveSpeeds(t, s, clock, id, 1, 2)
		ids = append(ids, id)
	}

	require.NoError(t, s.DeleteSession(ctx, ids[1]))
	assert.Zero(t, countOrphans(t, s))

	recs, err := s.GetRecordsBySession(ctx, ids[1])
	require.NoError(t, err)
	assert.Empty(t, recs)

	sessions, err := s.GetAllSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	// newest first, display ids dense by start time
	assert.Equal(t, []int64{3, 2, 1}, []int64{sessions[0].DisplayID, sessions[1].DisplayID, sessions[2].DisplayID})
	// stored ids are stable
	assert.Equal(t, []int64{ids[3], ids[2], ids[0]}, []int64{sessions[0].SessionID, sessions[1].SessionID, sessions[2].SessionID})

	err = s.DeleteSession(ctx, ids[1])
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionsBulk(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.StartNewSession(ctx, "eth0")
		require.NoError(t, err)
		saveSpeeds(t, s, clock, id, 3)
		ids = append(ids, id)
	}

	n, err := s.DeleteSessions(ctx, []int64{ids[0], ids[2], ids[4], 999})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.DeleteSessions(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Sessions)
	assert.Equal(t, int64(2), st.Records)
	assert.Zero(t, countOrphans(t, s))
}

func TestRenumberOnDelete(t *testing.T) {
	s, clock := newTestStore(t, Config{RenumberOnDelete: true})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id, err := s.StartNewSession(ctx, fmt.Sprintf("eth%d", i))
		require.NoError(t, err)
		saveSpeeds(t, s, clock, id, float64(i+1))
	}

	_, err := s.DeleteSessions(ctx, []int64{1, 3})
	require.NoError(t, err)

	sessions, err := s.GetAllSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, int64(2), sessions[0].SessionID)
	assert.Equal(t, "eth3", sessions[0].IfaceName)
	assert.Equal(t, int64(1), sessions[1].SessionID)
	assert.Equal(t, "eth1", sessions[1].IfaceName)

	// records followed their sessions
	recs, err := s.GetRecordsBySession(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2.0, recs[0].DownSpeed)
	assert.Zero(t, countOrphans(t, s))

	// the sequence continues after the dense range
	id, err := s.StartNewSession(ctx, "eth9")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	// foreign keys are enforced again
	err = s.db.Exec("INSERT INTO traffic_records(session_id, down_speed, up_speed, record_time) VALUES (?, 0, 0, ?)",
		777, clock.Now()).Error
	assert.Error(t, err)
}

func TestPerformAutoCleanupRemovesOldestTenPercent(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)

	const total = 5500
	base := clock.Now()
	recs := make([]tmon.Record, 0, total)
	// newest first, so record ids and time order disagree
	for i := total - 1; i >= 0; i-- {
		recs = append(recs, tmon.Record{
			SessionID:  id,
			DownSpeed:  1,
			RecordTime: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.db.CreateInBatches(recs, 500).Error)

	res, err := s.PerformAutoCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), res.Before)
	assert.Equal(t, int64(550), res.Deleted)
	assert.Equal(t, int64(4950), res.After)
	assert.True(t, res.Compacted)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4950), st.Records)

	left, err := s.GetRecordsBySession(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, left)
	assert.True(t, left[0].RecordTime.Equal(base.Add(550*time.Second)), "oldest kept is %v", left[0].RecordTime)

	// under the threshold now, nothing else goes
	res, err = s.PerformAutoCleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
	assert.Equal(t, int64(4950), res.After)
}

func TestCleanupCount(t *testing.T) {
	assert.Equal(t, int64(550), cleanupCount(5500, 0.1))
	assert.Equal(t, int64(501), cleanupCount(5001, 0.1))
	assert.Equal(t, int64(1), cleanupCount(3, 0.1))
}

func ptr[T any](v T) *T { return &v }

func TestQueryRecordsFilters(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	eth, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)
	wlan, err := s.StartNewSession(ctx, "wlan0")
	require.NoError(t, err)

	inputs := []tmon.RecordInput{
		{SessionID: eth, DownSpeed: 10, Protocol: "TCP", ProcessName: "chrome.exe"},
		{SessionID: eth, DownSpeed: 20, Protocol: "UDP", ProcessName: "dns"},
		{SessionID: eth, DownSpeed: 30},
		{SessionID: wlan, DownSpeed: 40, Protocol: "ICMP"},
		{SessionID: wlan, DownSpeed: 50, Protocol: "其他", ProcessName: "Chrome.exe"},
	}
	for _, in := range inputs {
		clock.Advance(time.Second)
		_, err := s.SaveDetailRecord(ctx, in)
		require.NoError(t, err)
	}

	rows, err := s.QueryRecords(ctx, query.Filter{Protocols: []string{"TCP", "其他"}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	var sawNull bool
	for _, r := range rows {
		if r.Protocol == nil {
			sawNull = true
			continue
		}
		assert.NotEqual(t, "UDP", *r.Protocol)
		assert.NotEqual(t, "ICMP", *r.Protocol)
	}
	assert.True(t, sawNull)

	rows, err = s.QueryRecords(ctx, query.Filter{ProcessName: "chrome.exe"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "eth0", rows[0].IfaceName)
	assert.Equal(t, "wlan0", rows[1].IfaceName)

	rows, err = s.QueryRecords(ctx, query.Filter{MinDownSpeed: ptr(30.0), SessionID: ptr(wlan)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 40.0, rows[0].DownSpeed)

	rows, err = s.QueryRecords(ctx, query.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.QueryRecords(ctx, query.Filter{ProcessName: "x'; DROP TABLE traffic_records; --"})
	require.NoError(t, err)
	assert.Empty(t, rows)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Records)
}

func TestConcurrentSaves(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.SaveDetailRecord(ctx, tmon.RecordInput{SessionID: id, DownSpeed: 1})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	sess, err := s.EndSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(200), sess.RecordCount)
}

const legacySessionsDDL = `CREATE TABLE monitoring_sessions (
	session_id INTEGER PRIMARY KEY AUTOINCREMENT,
	iface_name TEXT NOT NULL,
	start_time DATETIME NOT NULL,
	end_time   DATETIME
)`

const legacyRecordsDDL = `CREATE TABLE traffic_records (
	record_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL REFERENCES monitoring_sessions(session_id) ON DELETE CASCADE,
	down_speed  REAL NOT NULL,
	up_speed    REAL NOT NULL,
	record_time DATETIME NOT NULL
)`

func openRaw(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	return db
}

func closeRaw(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestMigrateLegacyDatabaseAddsColumnsAndBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	raw := openRaw(t, path)
	require.NoError(t, raw.Exec(legacySessionsDDL).Error)
	require.NoError(t, raw.Exec(legacyRecordsDDL).Error)
	require.NoError(t, raw.Exec("INSERT INTO monitoring_sessions(iface_name, start_time, end_time) VALUES (?, ?, ?)",
		"eth0", start, start.Add(time.Minute)).Error)
	for _, d := range []float64{1, 2, 3} {
		require.NoError(t, raw.Exec("INSERT INTO traffic_records(session_id, down_speed, up_speed, record_time) VALUES (1, ?, 0, ?)",
			d, start).Error)
	}
	closeRaw(t, raw)

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	for _, col := range lateColumns {
		ok, err := columnExists(s.db, col.table, col.name)
		require.NoError(t, err)
		assert.True(t, ok, "%s.%s", col.table, col.name)
	}

	sess, err := s.GetSession(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.RecordCount)
	assert.Equal(t, int64(6*1024), sess.TotalDownBytes)

	recs, err := s.GetRecordsBySession(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Nil(t, recs[0].Protocol)

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion(), v)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.db")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	id, err := s.StartNewSession(context.Background(), "eth0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "eth0", sess.IfaceName)
}

func writeBrokenRecordsTable(t *testing.T, path string) {
	t.Helper()
	raw := openRaw(t, path)
	// no session_id column: the index in the first migration cannot be created
	require.NoError(t, raw.Exec("CREATE TABLE traffic_records (record_id INTEGER PRIMARY KEY, junk TEXT)").Error)
	require.NoError(t, raw.Exec("INSERT INTO traffic_records(junk) VALUES ('x')").Error)
	closeRaw(t, raw)
}

func TestBrokenSchemaFailsWithoutOptIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	writeBrokenRecordsTable(t, path)

	_, err := Open(Config{Path: path})
	assert.ErrorIs(t, err, ErrMigration)

	// data untouched
	raw := openRaw(t, path)
	defer closeRaw(t, raw)
	var n int64
	require.NoError(t, raw.Raw("SELECT COUNT(*) FROM traffic_records").Scan(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestBrokenSchemaRebuiltWithOptIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	writeBrokenRecordsTable(t, path)

	s, err := Open(Config{Path: path, AllowDestructiveRebuild: true})
	require.NoError(t, err)
	defer s.Close()

	id, err := s.StartNewSession(context.Background(), "eth0")
	require.NoError(t, err)
	_, err = s.SaveDetailRecord(context.Background(), tmon.RecordInput{SessionID: id, DownSpeed: 1, Protocol: "tcp"})
	require.NoError(t, err)
}
