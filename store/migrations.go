package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const schemaTable = "schema_migrations"

// migration is one step of the schema ledger. Up runs inside its own transaction together
// with the ledger insert.
type migration struct {
	Version int
	Name    string
	Up      func(tx *gorm.DB) error
}

type appliedMigration struct {
	Version   int       `gorm:"column:version;primaryKey"`
	Name      string    `gorm:"column:name"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (appliedMigration) TableName() string { return schemaTable }

func getMigrations() []migration {
	return []migration{
		{Version: 1, Name: "create_tables", Up: createTables},
		{Version: 2, Name: "add_late_columns", Up: addLateColumns},
		{Version: 3, Name: "time_indexes", Up: createTimeIndexes},
	}
}

// CurrentSchemaVersion is the version a freshly opened store ends up at.
func CurrentSchemaVersion() int {
	m := getMigrations()
	return m[len(m)-1].Version
}

const createSessionsDDL = `CREATE TABLE IF NOT EXISTS monitoring_sessions (
	session_id       INTEGER PRIMARY KEY AUTOINCREMENT,
	iface_name       TEXT     NOT NULL,
	start_time       DATETIME NOT NULL,
	end_time         DATETIME,
	duration_seconds INTEGER  NOT NULL DEFAULT 0,
	avg_down_speed   REAL     NOT NULL DEFAULT 0,
	avg_up_speed     REAL     NOT NULL DEFAULT 0,
	max_down_speed   REAL     NOT NULL DEFAULT 0,
	max_up_speed     REAL     NOT NULL DEFAULT 0,
	total_down_bytes INTEGER  NOT NULL DEFAULT 0,
	total_up_bytes   INTEGER  NOT NULL DEFAULT 0,
	record_count     INTEGER  NOT NULL DEFAULT 0
)`

const createRecordsDDL = `CREATE TABLE IF NOT EXISTS traffic_records (
	record_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   INTEGER  NOT NULL REFERENCES monitoring_sessions(session_id) ON DELETE CASCADE,
	down_speed   REAL     NOT NULL DEFAULT 0 CHECK (down_speed >= 0),
	up_speed     REAL     NOT NULL DEFAULT 0 CHECK (up_speed >= 0),
	source_ip    TEXT,
	dest_ip      TEXT,
	process_name TEXT,
	protocol     TEXT,
	record_time  DATETIME NOT NULL
)`

func createTables(tx *gorm.DB) error {
	if err := tx.Exec(createSessionsDDL).Error; err != nil {
		return err
	}
	if err := tx.Exec(createRecordsDDL).Error; err != nil {
		return err
	}
	return tx.Exec("CREATE INDEX IF NOT EXISTS idx_traffic_records_session ON traffic_records(session_id)").Error
}

// lateColumn is a column that older databases may lack. The list is fixed; nothing from
// outside ever reaches the ALTER statements.
type lateColumn struct {
	table string
	name  string
	ddl   string
}

var lateColumns = []lateColumn{
	{"traffic_records", "source_ip", "TEXT"},
	{"traffic_records", "dest_ip", "TEXT"},
	{"traffic_records", "process_name", "TEXT"},
	{"traffic_records", "protocol", "TEXT"},
	{"monitoring_sessions", "duration_seconds", "INTEGER NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "avg_down_speed", "REAL NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "avg_up_speed", "REAL NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "max_down_speed", "REAL NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "max_up_speed", "REAL NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "total_down_bytes", "INTEGER NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "total_up_bytes", "INTEGER NOT NULL DEFAULT 0"},
	{"monitoring_sessions", "record_count", "INTEGER NOT NULL DEFAULT 0"},
}

func addLateColumns(tx *gorm.DB) error {
	var added []string
	for _, col := range lateColumns {
		if !tx.Migrator().HasTable(col.table) {
			return fmt.Errorf("table %s missing", col.table)
		}
		exists, err := columnExists(tx, col.table, col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.name, col.ddl)
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("add %s.%s: %w", col.table, col.name, err)
		}
		added = append(added, col.table+"."+col.name)
	}
	if len(added) == 0 {
		return nil
	}

	// ended sessions written before the rollup columns existed get them recomputed
	return tx.Exec(`UPDATE monitoring_sessions SET
		record_count     = (SELECT COUNT(*) FROM traffic_records r WHERE r.session_id = monitoring_sessions.session_id),
		total_down_bytes = CAST(ROUND(COALESCE((SELECT SUM(r.down_speed) FROM traffic_records r WHERE r.session_id = monitoring_sessions.session_id), 0) * 1024) AS INTEGER),
		total_up_bytes   = CAST(ROUND(COALESCE((SELECT SUM(r.up_speed) FROM traffic_records r WHERE r.session_id = monitoring_sessions.session_id), 0) * 1024) AS INTEGER)
		WHERE end_time IS NOT NULL AND record_count = 0`).Error
}

func columnExists(tx *gorm.DB, table, column string) (bool, error) {
	var n int64
	err := tx.Raw("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n).Error
	return n > 0, err
}

func createTimeIndexes(tx *gorm.DB) error {
	if err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_traffic_records_time ON traffic_records(record_time)").Error; err != nil {
		return err
	}
	return tx.Exec("CREATE INDEX IF NOT EXISTS idx_monitoring_sessions_start ON monitoring_sessions(start_time)").Error
}

// migrate applies every migration newer than the ledger's highest version.
func (s *Store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + schemaTable + ` (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)`).Error; err != nil {
		return fmt.Errorf("%w: ledger: %v", ErrMigration, err)
	}

	var current int
	if err := db.Model(&appliedMigration{}).Select("COALESCE(MAX(version), 0)").Scan(&current).Error; err != nil {
		return fmt.Errorf("%w: read ledger: %v", ErrMigration, err)
	}

	for _, m := range getMigrations() {
		if m.Version <= current {
			continue
		}

		err := s.applyMigration(ctx, m)
		if err != nil && m.Version == 1 && s.cfg.AllowDestructiveRebuild {
			s.logger.Warnw("table creation failed, rebuilding traffic_records", "error", err)
			if dropErr := db.Exec("DROP TABLE IF EXISTS traffic_records").Error; dropErr != nil {
				return fmt.Errorf("%w: drop traffic_records: %v", ErrMigration, dropErr)
			}
			err = s.applyMigration(ctx, m)
		}
		if err != nil {
			return fmt.Errorf("%w: version %d (%s): %v", ErrMigration, m.Version, m.Name, err)
		}

		s.logger.Infow("migration applied", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.Up(tx); err != nil {
			return err
		}
		return tx.Create(&appliedMigration{
			Version:   m.Version,
			Name:      m.Name,
			AppliedAt: s.timestamp(),
		}).Error
	})
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.WithContext(ctx).Model(&appliedMigration{}).Select("COALESCE(MAX(version), 0)").Scan(&v).Error
	return v, err
}
