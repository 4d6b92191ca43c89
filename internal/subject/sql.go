package subject

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLConfig describes an eligibility query against an application database.
//
// The query may reference :cutoff (UTC "YYYY-MM-DD HH:MM:SS", now minus
// MinAge) and :cutoff_unix. The IDColumn column becomes Subject.ID and every
// other column becomes an attribute.
type SQLConfig struct {
	Driver   string // "sqlite"
	DSN      string
	Query    string
	Kind     string
	IDColumn string
	MinAge   time.Duration
}

// SQL reads eligible subjects with a parameterized query.
type SQL struct {
	db    *sqlx.DB
	owned bool
	cfg   SQLConfig
	now   func() time.Time
}

// OpenSQL opens cfg.DSN and returns a source that owns the connection.
func OpenSQL(cfg SQLConfig) (*SQL, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("subject: unsupported sql driver %q", driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("subject: dsn is required")
	}
	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	src, err := NewSQL(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	src.owned = true
	return src, nil
}

// NewSQL wraps an existing connection; Close leaves it open.
func NewSQL(db *sqlx.DB, cfg SQLConfig) (*SQL, error) {
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, errors.New("subject: query is required")
	}
	if strings.TrimSpace(cfg.Kind) == "" {
		return nil, errors.New("subject: kind is required")
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	return &SQL{db: db, cfg: cfg, now: time.Now}, nil
}

func (s *SQL) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *SQL) Eligible(ctx context.Context) iter.Seq2[Subject, error] {
	return func(yield func(Subject, error) bool) {
		cutoff := s.now().UTC().Add(-s.cfg.MinAge)
		args := map[string]any{
			"cutoff":      cutoff.Format(time.DateTime),
			"cutoff_unix": cutoff.Unix(),
		}
		rows, err := sqlx.NamedQueryContext(ctx, s.db, s.cfg.Query, args)
		if err != nil {
			yield(Subject{}, fmt.Errorf("subject query: %w", err))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			yield(Subject{}, err)
			return
		}
		idIdx := -1
		for i, c := range cols {
			if strings.EqualFold(c, s.cfg.IDColumn) {
				idIdx = i
			}
		}
		if idIdx < 0 {
			yield(Subject{}, fmt.Errorf("subject query: no %q column in result", s.cfg.IDColumn))
			return
		}

		for rows.Next() {
			vals, err := rows.SliceScan()
			if err != nil {
				yield(Subject{}, err)
				return
			}
			sub := Subject{Kind: s.cfg.Kind, Attrs: make(map[string]string, len(cols)-1)}
			for i, v := range vals {
				if i == idIdx {
					sub.ID = asString(v)
					continue
				}
				sub.Attrs[cols[i]] = asString(v)
			}
			if sub.ID == "" {
				continue
			}
			if !yield(sub, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Subject{}, err)
		}
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
