package storage

import (
	"errors"
	"time"

	"nudge/internal/ledger"
	"nudge/internal/registrar"
)

var ErrClosed = errors.New("storage closed")

// Store is the persistence API behind the ledger and the registrar.
type Store interface {
	ledger.Store
	registrar.TaskStore
	registrar.ReportStore
	Close() error
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "redis". Empty means "sqlite".
type Config struct {
	Driver      string        `json:"driver" yaml:"driver"`
	Path        string        `json:"path" yaml:"path"`
	BusyTimeout time.Duration `json:"-" yaml:"-"` // sqlite only; 0 means default
	Redis       RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Namespace string `json:"namespace" yaml:"namespace"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
}
