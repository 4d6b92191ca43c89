package storage

import (
	"context"
	"slices"
	"strings"
	"sync"

	"nudge/internal/ledger"
	"nudge/internal/registrar"
)

// memState is the in-memory model shared by the memory and file drivers.
// Callers hold the owning store's mutex.
type memState struct {
	records map[ledger.Key]ledger.Record
	regs    map[string]registrar.Registration
	reports []registrar.TaskReport
}

func newMemState() *memState {
	return &memState{
		records: map[ledger.Key]ledger.Record{},
		regs:    map[string]registrar.Registration{},
	}
}

func (m *memState) insertRecord(rec ledger.Record) bool {
	k := rec.Key()
	if _, ok := m.records[k]; ok {
		return false
	}
	m.records[k] = rec
	return true
}

func (m *memState) insertReg(reg registrar.Registration) bool {
	if _, ok := m.regs[reg.TaskName]; ok {
		return false
	}
	m.regs[reg.TaskName] = reg
	return true
}

func (m *memState) deleteReg(name string) int {
	if _, ok := m.regs[name]; !ok {
		return 0
	}
	delete(m.regs, name)
	return 1
}

func (m *memState) listRegs() []registrar.Registration {
	out := make([]registrar.Registration, 0, len(m.regs))
	for _, r := range m.regs {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b registrar.Registration) int { return strings.Compare(a.TaskName, b.TaskName) })
	return out
}

func (m *memState) listReports(taskName string, limit int) []registrar.TaskReport {
	var out []registrar.TaskReport
	for i := len(m.reports) - 1; i >= 0; i-- {
		rep := m.reports[i]
		if taskName != "" && rep.TaskName != taskName {
			continue
		}
		out = append(out, rep)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	st     *memState
	closed bool
}

func NewMemory() *Memory { return &Memory{st: newMemState()} }

func (s *Memory) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *Memory) InsertIfAbsent(_ context.Context, rec ledger.Record) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.st.insertRecord(rec), nil
}

func (s *Memory) Exists(_ context.Context, key ledger.Key) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	_, ok := s.st.records[key]
	return ok, nil
}

func (s *Memory) Get(_ context.Context, key ledger.Key) (ledger.Record, bool, error) {
	if err := s.lock(); err != nil {
		return ledger.Record{}, false, err
	}
	defer s.mu.Unlock()
	rec, ok := s.st.records[key]
	return rec, ok, nil
}

func (s *Memory) InsertUnique(_ context.Context, reg registrar.Registration) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if !s.st.insertReg(reg) {
		return registrar.ErrConflict
	}
	return nil
}

func (s *Memory) DeleteByName(_ context.Context, name string) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.st.deleteReg(name), nil
}

func (s *Memory) FindByName(_ context.Context, name string) (registrar.Registration, bool, error) {
	if err := s.lock(); err != nil {
		return registrar.Registration{}, false, err
	}
	defer s.mu.Unlock()
	reg, ok := s.st.regs[name]
	return reg, ok, nil
}

func (s *Memory) ListRegistrations(context.Context) ([]registrar.Registration, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.st.listRegs(), nil
}

func (s *Memory) AppendReport(_ context.Context, rep registrar.TaskReport) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.st.reports = append(s.st.reports, rep)
	return nil
}

func (s *Memory) ListReports(_ context.Context, taskName string, limit int) ([]registrar.TaskReport, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.st.listReports(taskName, limit), nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
