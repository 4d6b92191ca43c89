package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"nudge/internal/ledger"
	"nudge/internal/registrar"
	logx "nudge/pkg/logx"
)

// fileStore persists state as JSON Lines.
//
// Files:
//   - <prefix>.lock           (advisory lock shared by every handle)
//   - <prefix>.snapshot.json  (ledger records + registrations)
//   - <prefix>.journal.jsonl  (generation header, then ops since the snapshot)
//   - <prefix>.reports.jsonl  (append-only task reports)
//
// Several processes may open the same prefix (the deploy hook and the
// daemon). Every operation takes the lock file, shared for reads and
// exclusive for writes, and first applies what other handles appended to the
// journal since the last call. A compaction starts a new generation, which
// makes the other handles reload the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	st *memState

	lockFile     *os.File
	snapshotPath string
	journalFile  *os.File
	reportsFile  *os.File

	loaded     bool
	gen        string // journal generation the state was built from
	journalOff int64  // journal bytes applied to st
	reportsOff int64  // report bytes applied to st

	writes       int
	compactEvery int
}

const (
	opGen      = "gen"
	opRecord   = "record"
	opRegPut   = "reg_put"
	opRegDel   = "reg_del"
	compactOps = 1000
)

type journalOp struct {
	Op     string                  `json:"op"`
	Gen    string                  `json:"gen,omitempty"`
	Record *ledger.Record          `json:"record,omitempty"`
	Reg    *registrar.Registration `json:"reg,omitempty"`
	Name   string                  `json:"name,omitempty"`
}

type fileSnapshot struct {
	Gen           string                   `json:"gen"`
	Records       []ledger.Record          `json:"records"`
	Registrations []registrar.Registration `json:"registrations"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		st:           newMemState(),
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: compactOps,
	}
	var err error
	if s.lockFile, err = os.OpenFile(prefix+".lock", os.O_CREATE|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.journalFile, err = os.OpenFile(prefix+".journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.lockFile.Close()
		return nil, err
	}
	if s.reportsFile, err = os.OpenFile(prefix+".reports.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.journalFile.Close()
		_ = s.lockFile.Close()
		return nil, err
	}

	if err := s.openLocked(); err != nil {
		_ = s.reportsFile.Close()
		_ = s.journalFile.Close()
		_ = s.lockFile.Close()
		return nil, err
	}

	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.String("gen", s.gen),
		logx.Int("records", len(s.st.records)),
		logx.Int("registrations", len(s.st.regs)),
	)
	return s, nil
}

// openLocked loads the current state under the exclusive lock, writing the
// generation header into a fresh journal.
func (s *fileStore) openLocked() error {
	return s.withFileLock(true, func() error { return s.refreshLocked(true) })
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	var errCompact error
	if s.writes > 0 {
		errCompact = s.withFileLock(true, func() error {
			if err := s.refreshLocked(true); err != nil {
				return err
			}
			return s.compactLocked()
		})
	}
	err1 := s.journalFile.Close()
	err2 := s.reportsFile.Close()
	err3 := s.lockFile.Close()
	s.journalFile, s.reportsFile, s.lockFile = nil, nil, nil
	return errors.Join(errCompact, err1, err2, err3)
}

// do runs fn under the store mutex and the lock file, after catching up with
// other handles.
func (s *fileStore) do(write bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return s.withFileLock(write, func() error {
		if err := s.refreshLocked(write); err != nil {
			return err
		}
		return fn()
	})
}

func (s *fileStore) withFileLock(exclusive bool, fn func() error) error {
	if err := lockFile(s.lockFile, exclusive); err != nil {
		return err
	}
	defer func() { _ = unlockFile(s.lockFile) }()
	return fn()
}

// refreshLocked applies journal and report lines appended since the last
// call. A changed generation header means another handle compacted, so the
// state is rebuilt from the snapshot. With exclusive set, a torn tail line
// left by a crashed writer is cut off so the next append starts clean.
func (s *fileStore) refreshLocked(exclusive bool) error {
	gen, err := readGen(s.journalFile)
	if err != nil {
		return err
	}
	if gen == "" && exclusive {
		if gen, err = s.startJournalLocked(); err != nil {
			return err
		}
	}
	if !s.loaded || gen != s.gen {
		st := newMemState()
		if err := loadSnapshot(s.snapshotPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		st.reports = s.st.reports
		s.st, s.gen, s.journalOff, s.loaded = st, gen, 0, true
	}

	off, err := tailLines(s.journalFile, s.journalOff, exclusive, func(line []byte) {
		var op journalOp
		if err := json.Unmarshal(line, &op); err != nil {
			s.log.Warn("skipping bad journal line", logx.Err(err))
			return
		}
		s.st.apply(op)
	})
	if err != nil {
		return err
	}
	s.journalOff = off

	off, err = tailLines(s.reportsFile, s.reportsOff, exclusive, func(line []byte) {
		var rep registrar.TaskReport
		if err := json.Unmarshal(line, &rep); err != nil {
			s.log.Warn("skipping bad report line", logx.Err(err))
			return
		}
		s.st.reports = append(s.st.reports, rep)
	})
	if err != nil {
		return err
	}
	s.reportsOff = off
	return nil
}

// startJournalLocked writes the generation header into an empty journal,
// reusing the snapshot's generation when there is one. A journal that holds
// data without a header is left alone.
func (s *fileStore) startJournalLocked() (string, error) {
	fi, err := s.journalFile.Stat()
	if err != nil || fi.Size() > 0 {
		return "", err
	}
	gen, err := snapshotGen(s.snapshotPath)
	if err != nil {
		return "", err
	}
	if gen == "" {
		gen = uuid.NewString()
	}
	if err := writeOp(s.journalFile, journalOp{Op: opGen, Gen: gen}); err != nil {
		return "", err
	}
	return gen, nil
}

// appendLocked journals op after the caller updated the in-memory state; a
// failed write is rolled back by the caller.
func (s *fileStore) appendLocked(op journalOp) error {
	n, err := writeOpN(s.journalFile, op)
	if err != nil {
		return err
	}
	s.journalOff += n
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) InsertIfAbsent(_ context.Context, rec ledger.Record) (bool, error) {
	inserted := false
	err := s.do(true, func() error {
		if !s.st.insertRecord(rec) {
			return nil
		}
		if err := s.appendLocked(journalOp{Op: opRecord, Record: &rec}); err != nil {
			delete(s.st.records, rec.Key())
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *fileStore) Exists(_ context.Context, key ledger.Key) (bool, error) {
	var ok bool
	err := s.do(false, func() error {
		_, ok = s.st.records[key]
		return nil
	})
	return ok, err
}

func (s *fileStore) Get(_ context.Context, key ledger.Key) (ledger.Record, bool, error) {
	var (
		rec ledger.Record
		ok  bool
	)
	err := s.do(false, func() error {
		rec, ok = s.st.records[key]
		return nil
	})
	return rec, ok, err
}

func (s *fileStore) InsertUnique(_ context.Context, reg registrar.Registration) error {
	return s.do(true, func() error {
		if !s.st.insertReg(reg) {
			return registrar.ErrConflict
		}
		if err := s.appendLocked(journalOp{Op: opRegPut, Reg: &reg}); err != nil {
			delete(s.st.regs, reg.TaskName)
			return err
		}
		return nil
	})
}

func (s *fileStore) DeleteByName(_ context.Context, name string) (int, error) {
	n := 0
	err := s.do(true, func() error {
		prev, ok := s.st.regs[name]
		if !ok {
			return nil
		}
		s.st.deleteReg(name)
		if err := s.appendLocked(journalOp{Op: opRegDel, Name: name}); err != nil {
			s.st.regs[name] = prev
			return err
		}
		n = 1
		return nil
	})
	return n, err
}

func (s *fileStore) FindByName(_ context.Context, name string) (registrar.Registration, bool, error) {
	var (
		reg registrar.Registration
		ok  bool
	)
	err := s.do(false, func() error {
		reg, ok = s.st.regs[name]
		return nil
	})
	return reg, ok, err
}

func (s *fileStore) ListRegistrations(context.Context) ([]registrar.Registration, error) {
	var out []registrar.Registration
	err := s.do(false, func() error {
		out = s.st.listRegs()
		return nil
	})
	return out, err
}

func (s *fileStore) AppendReport(_ context.Context, rep registrar.TaskReport) error {
	return s.do(true, func() error {
		b, err := json.Marshal(rep)
		if err != nil {
			return err
		}
		n, err := s.reportsFile.Write(append(b, '\n'))
		if err != nil {
			return err
		}
		s.reportsOff += int64(n)
		s.st.reports = append(s.st.reports, rep)
		return nil
	})
}

func (s *fileStore) ListReports(_ context.Context, taskName string, limit int) ([]registrar.TaskReport, error) {
	var out []registrar.TaskReport
	err := s.do(false, func() error {
		out = s.st.listReports(taskName, limit)
		return nil
	})
	return out, err
}

// compactLocked writes the state as a snapshot of a new generation and
// restarts the journal with that generation's header. The caller holds the
// exclusive file lock and has refreshed the state.
func (s *fileStore) compactLocked() error {
	gen := uuid.NewString()
	snap := fileSnapshot{
		Gen:           gen,
		Records:       make([]ledger.Record, 0, len(s.st.records)),
		Registrations: s.st.listRegs(),
	}
	for _, rec := range s.st.records {
		snap.Records = append(snap.Records, rec)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// A crash from here on leaves the old journal behind the new snapshot.
	// Replaying it is harmless: record inserts are conditional and the
	// registration ops end in the state the snapshot already holds.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	n, err := writeOpN(s.journalFile, journalOp{Op: opGen, Gen: gen})
	if err != nil {
		return err
	}
	s.gen, s.journalOff = gen, n
	return nil
}

func (m *memState) apply(op journalOp) {
	switch op.Op {
	case opRecord:
		if op.Record != nil {
			m.insertRecord(*op.Record)
		}
	case opRegPut:
		if op.Reg != nil {
			m.regs[op.Reg.TaskName] = *op.Reg
		}
	case opRegDel:
		m.deleteReg(op.Name)
	}
}

func writeOp(f *os.File, op journalOp) error {
	_, err := writeOpN(f, op)
	return err
}

// writeOpN appends op as one line with a single write.
func writeOpN(f *os.File, op journalOp) (int64, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(append(b, '\n'))
	return int64(n), err
}

// readGen returns the generation from the journal's header line.
func readGen(f *os.File) (string, error) {
	buf := make([]byte, 256)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line, _, ok := bytes.Cut(buf[:n], []byte{'\n'})
	if !ok {
		return "", nil
	}
	var op journalOp
	if err := json.Unmarshal(line, &op); err != nil || op.Op != opGen {
		return "", nil
	}
	return op.Gen, nil
}

// tailLines calls fn for every complete line in f after off and returns the
// offset past the last one. With truncate set, bytes after that offset are
// removed.
func tailLines(f *os.File, off int64, truncate bool, fn func([]byte)) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return off, err
	}
	size := fi.Size()
	if size < off {
		// Shrunk under us without a new generation; start over.
		off = 0
	}
	if size > off {
		r := bufio.NewReaderSize(io.NewSectionReader(f, off, size-off), 64*1024)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				// io.EOF: a partial last line is left for the next call.
				break
			}
			off += int64(len(line))
			if line = bytes.TrimSpace(line); len(line) > 0 && !isGenLine(line) {
				fn(line)
			}
		}
	}
	if truncate && size > off {
		if err := f.Truncate(off); err != nil {
			return off, err
		}
	}
	return off, nil
}

func isGenLine(line []byte) bool {
	return bytes.HasPrefix(line, []byte(`{"op":"gen"`))
}

func snapshotGen(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return "", err
	}
	return snap.Gen, nil
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, rec := range snap.Records {
		st.records[rec.Key()] = rec
	}
	for _, reg := range snap.Registrations {
		st.regs[reg.TaskName] = reg
	}
	return nil
}
