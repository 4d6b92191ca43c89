package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"nudge/internal/ledger"
	"nudge/internal/registrar"
	"nudge/internal/task/scheduler"
	logx "nudge/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type migration struct {
	version int
	name    string
	sql     string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer; it also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		num, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: missing version prefix", name)
		}
		v, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", name, err)
		}
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: name, sql: string(b)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies outstanding migrations in order, each in its own transaction.
func (s *sqliteStore) migrate(ctx context.Context) error {
	migs, err := loadMigrations()
	if err != nil {
		return err
	}

	current := 0
	var tableCount int
	if err := s.db.GetContext(ctx, &tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migs {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version(version, applied_at) VALUES(?, ?)",
			m.version, formatTS(time.Now())); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("schema migrated", logx.Int("version", m.version), logx.String("file", m.name))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type recordRow struct {
	ID               string `db:"id"`
	SubjectID        string `db:"subject_id"`
	SubjectKind      string `db:"subject_kind"`
	NotificationKind string `db:"notification_kind"`
	Description      string `db:"description"`
	SentAt           string `db:"sent_at"`
}

func (r recordRow) record() (ledger.Record, error) {
	at, err := parseTS(r.SentAt)
	if err != nil {
		return ledger.Record{}, err
	}
	return ledger.Record{
		ID:               r.ID,
		SubjectID:        r.SubjectID,
		SubjectKind:      r.SubjectKind,
		NotificationKind: r.NotificationKind,
		Description:      r.Description,
		SentAt:           at,
	}, nil
}

func (s *sqliteStore) InsertIfAbsent(ctx context.Context, rec ledger.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_records(id, subject_id, subject_kind, notification_kind, description, sent_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(notification_kind, subject_kind, subject_id) DO NOTHING`,
		rec.ID, rec.SubjectID, rec.SubjectKind, rec.NotificationKind, rec.Description, formatTS(rec.SentAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Exists(ctx context.Context, key ledger.Key) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notification_records
		 WHERE notification_kind = ? AND subject_kind = ? AND subject_id = ?`,
		key.NotificationKind, key.SubjectKind, key.SubjectID,
	)
	return n > 0, err
}

func (s *sqliteStore) Get(ctx context.Context, key ledger.Key) (ledger.Record, bool, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, subject_id, subject_kind, notification_kind, description, sent_at
		 FROM notification_records
		 WHERE notification_kind = ? AND subject_kind = ? AND subject_id = ?`,
		key.NotificationKind, key.SubjectKind, key.SubjectID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	rec, err := row.record()
	return rec, err == nil, err
}

type registrationRow struct {
	TaskName    string `db:"task_name"`
	ID          string `db:"id"`
	Cadence     string `db:"cadence"`
	QueueLabel  string `db:"queue_label"`
	Description string `db:"description"`
	CreatedAt   string `db:"created_at"`
	NextRunAt   string `db:"next_run_at"`
}

func (r registrationRow) registration() (registrar.Registration, error) {
	var cad scheduler.Cadence
	if err := cad.UnmarshalText([]byte(r.Cadence)); err != nil {
		return registrar.Registration{}, fmt.Errorf("registration %q: %w", r.TaskName, err)
	}
	created, err := parseTS(r.CreatedAt)
	if err != nil {
		return registrar.Registration{}, err
	}
	next, err := parseTS(r.NextRunAt)
	if err != nil {
		return registrar.Registration{}, err
	}
	return registrar.Registration{
		ID:          r.ID,
		TaskName:    r.TaskName,
		Cadence:     cad,
		QueueLabel:  r.QueueLabel,
		Description: r.Description,
		CreatedAt:   created,
		NextRunAt:   next,
	}, nil
}

const registrationCols = `task_name, id, cadence, queue_label, description, created_at, next_run_at`

func (s *sqliteStore) InsertUnique(ctx context.Context, reg registrar.Registration) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_registrations(`+registrationCols+`)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(task_name) DO NOTHING`,
		reg.TaskName, reg.ID, reg.Cadence.String(), reg.QueueLabel, reg.Description,
		formatTS(reg.CreatedAt), formatTS(reg.NextRunAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registrar.ErrConflict
	}
	return nil
}

func (s *sqliteStore) DeleteByName(ctx context.Context, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_registrations WHERE task_name = ?`, name)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) FindByName(ctx context.Context, name string) (registrar.Registration, bool, error) {
	var row registrationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+registrationCols+` FROM task_registrations WHERE task_name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return registrar.Registration{}, false, nil
	}
	if err != nil {
		return registrar.Registration{}, false, err
	}
	reg, err := row.registration()
	return reg, err == nil, err
}

func (s *sqliteStore) ListRegistrations(ctx context.Context) ([]registrar.Registration, error) {
	var rows []registrationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+registrationCols+` FROM task_registrations ORDER BY task_name`); err != nil {
		return nil, err
	}
	out := make([]registrar.Registration, 0, len(rows))
	for _, row := range rows {
		reg, err := row.registration()
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

type reportRow struct {
	ID          string `db:"id"`
	TaskName    string `db:"task_name"`
	Description string `db:"description"`
	FirstRunAt  string `db:"first_run_at"`
	CreatedAt   string `db:"created_at"`
}

func (s *sqliteStore) AppendReport(ctx context.Context, rep registrar.TaskReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_reports(id, task_name, description, first_run_at, created_at) VALUES(?,?,?,?,?)`,
		rep.ID, rep.TaskName, rep.Description, formatTS(rep.FirstRunAt), formatTS(rep.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListReports(ctx context.Context, taskName string, limit int) ([]registrar.TaskReport, error) {
	q := `SELECT id, task_name, description, first_run_at, created_at FROM task_reports`
	var args []any
	if taskName != "" {
		q += ` WHERE task_name = ?`
		args = append(args, taskName)
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []reportRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]registrar.TaskReport, 0, len(rows))
	for _, row := range rows {
		first, err := parseTS(row.FirstRunAt)
		if err != nil {
			return nil, err
		}
		created, err := parseTS(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, registrar.TaskReport{
			ID:          row.ID,
			TaskName:    row.TaskName,
			Description: row.Description,
			FirstRunAt:  first,
			CreatedAt:   created,
		})
	}
	return out, nil
}

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}
