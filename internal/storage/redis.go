package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"nudge/internal/ledger"
	"nudge/internal/registrar"
	logx "nudge/pkg/logx"
)

// redisStore keeps ledger records as plain keys written with SET NX,
// registrations in one hash written with HSETNX, and reports in lists
// (newest first).
//
// Keys, all under the namespace:
//   - <ns>:ledger:<kind>:<subject_kind>:<subject_id>
//   - <ns>:registrations
//   - <ns>:reports
//   - <ns>:reports:<task>
type redisStore struct {
	pool *redis.Pool
	ns   string
	log  logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	addr := strings.TrimSpace(rc.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	ns := strings.TrimSpace(rc.Namespace)
	if ns == "" {
		ns = "nudge"
	}
	size := rc.PoolSize
	if size <= 0 {
		size = 8
	}

	pool := &redis.Pool{
		MaxActive:   size,
		MaxIdle:     size,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(5 * time.Second),
				redis.DialDatabase(rc.DB),
			}
			if rc.Password != "" {
				opts = append(opts, redis.DialPassword(rc.Password))
			}
			return redis.Dial("tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	st := &redisStore{pool: pool, ns: ns, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.ping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.String("namespace", ns))
	return st, nil
}

func (s *redisStore) ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

func (s *redisStore) Close() error { return s.pool.Close() }

func (s *redisStore) ledgerKey(k ledger.Key) string { return s.ns + ":ledger:" + k.String() }
func (s *redisStore) regsKey() string               { return s.ns + ":registrations" }
func (s *redisStore) reportsKey(task string) string {
	if task == "" {
		return s.ns + ":reports"
	}
	return s.ns + ":reports:" + task
}

// do runs one command on a pooled connection.
func (s *redisStore) do(ctx context.Context, cmd string, args ...any) (any, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return redis.DoContext(conn, ctx, cmd, args...)
}

func (s *redisStore) InsertIfAbsent(ctx context.Context, rec ledger.Record) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	// SET NX replies OK on success and nil when the key exists.
	reply, err := redis.String(s.do(ctx, "SET", s.ledgerKey(rec.Key()), b, "NX"))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

func (s *redisStore) Exists(ctx context.Context, key ledger.Key) (bool, error) {
	return redis.Bool(s.do(ctx, "EXISTS", s.ledgerKey(key)))
}

func (s *redisStore) Get(ctx context.Context, key ledger.Key) (ledger.Record, bool, error) {
	b, err := redis.Bytes(s.do(ctx, "GET", s.ledgerKey(key)))
	if errors.Is(err, redis.ErrNil) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	var rec ledger.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return ledger.Record{}, false, err
	}
	return rec, true, nil
}

func (s *redisStore) InsertUnique(ctx context.Context, reg registrar.Registration) error {
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	set, err := redis.Bool(s.do(ctx, "HSETNX", s.regsKey(), reg.TaskName, b))
	if err != nil {
		return err
	}
	if !set {
		return registrar.ErrConflict
	}
	return nil
}

func (s *redisStore) DeleteByName(ctx context.Context, name string) (int, error) {
	return redis.Int(s.do(ctx, "HDEL", s.regsKey(), name))
}

func (s *redisStore) FindByName(ctx context.Context, name string) (registrar.Registration, bool, error) {
	b, err := redis.Bytes(s.do(ctx, "HGET", s.regsKey(), name))
	if errors.Is(err, redis.ErrNil) {
		return registrar.Registration{}, false, nil
	}
	if err != nil {
		return registrar.Registration{}, false, err
	}
	var reg registrar.Registration
	if err := json.Unmarshal(b, &reg); err != nil {
		return registrar.Registration{}, false, err
	}
	return reg, true, nil
}

func (s *redisStore) ListRegistrations(ctx context.Context) ([]registrar.Registration, error) {
	vals, err := redis.ByteSlices(s.do(ctx, "HVALS", s.regsKey()))
	if err != nil {
		return nil, err
	}
	st := newMemState()
	for _, b := range vals {
		var reg registrar.Registration
		if err := json.Unmarshal(b, &reg); err != nil {
			return nil, err
		}
		st.regs[reg.TaskName] = reg
	}
	return st.listRegs(), nil
}

func (s *redisStore) AppendReport(ctx context.Context, rep registrar.TaskReport) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := conn.Send("LPUSH", s.reportsKey(""), b); err != nil {
		return err
	}
	if err := conn.Send("LPUSH", s.reportsKey(rep.TaskName), b); err != nil {
		return err
	}
	_, err = redis.DoContext(conn, ctx, "EXEC")
	return err
}

func (s *redisStore) ListReports(ctx context.Context, taskName string, limit int) ([]registrar.TaskReport, error) {
	stop := -1
	if limit > 0 {
		stop = limit - 1
	}
	vals, err := redis.ByteSlices(s.do(ctx, "LRANGE", s.reportsKey(taskName), 0, stop))
	if err != nil {
		return nil, err
	}
	out := make([]registrar.TaskReport, 0, len(vals))
	for _, b := range vals {
		var rep registrar.TaskReport
		if err := json.Unmarshal(b, &rep); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}
