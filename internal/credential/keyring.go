// Package credential resolves secret references in config values.
//
// A value may be written literally, as "env:NAME" to read an environment
// variable, or as "keyring:KEY" to read the system keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "nudge"

var (
	ErrNotFound       = errors.New("credential not found")
	ErrEmptyReference = errors.New("credential reference is empty")
)

// OpenFunc opens the keyring lazily; only "keyring:" references need it.
type OpenFunc func() (keyring.Keyring, error)

// Resolver expands secret references.
type Resolver struct {
	open   OpenFunc
	getenv func(string) string

	once sync.Once
	ring keyring.Keyring
	err  error
}

type Option func(*Resolver)

// WithKeyring replaces the system keyring (tests use keyring.NewArrayKeyring).
func WithKeyring(ring keyring.Keyring) Option {
	return func(r *Resolver) {
		r.open = func() (keyring.Keyring, error) { return ring, nil }
	}
}

func WithGetenv(fn func(string) string) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.getenv = fn
		}
	}
}

// NewResolver returns a resolver backed by the system keyring and os.Getenv.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{open: openKeyring, getenv: os.Getenv}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/nudge/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("nudge-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func (r *Resolver) keyring() (keyring.Keyring, error) {
	r.once.Do(func() { r.ring, r.err = r.open() })
	return r.ring, r.err
}

// IsReference reports whether raw names an env or keyring secret.
func IsReference(raw string) bool {
	s := strings.TrimSpace(raw)
	return strings.HasPrefix(s, "env:") || strings.HasPrefix(s, "keyring:")
}

// Resolve returns the secret raw refers to, or raw itself when it is a literal.
func (r *Resolver) Resolve(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "env:"):
		name := strings.TrimSpace(strings.TrimPrefix(s, "env:"))
		if name == "" {
			return "", ErrEmptyReference
		}
		v := r.getenv(name)
		if v == "" {
			return "", fmt.Errorf("%w: env %s", ErrNotFound, name)
		}
		return v, nil
	case strings.HasPrefix(s, "keyring:"):
		key := strings.TrimSpace(strings.TrimPrefix(s, "keyring:"))
		if key == "" {
			return "", ErrEmptyReference
		}
		return r.Get(key)
	default:
		return raw, nil
	}
}

// Get retrieves a credential value by key from the keyring.
func (r *Resolver) Get(key string) (string, error) {
	ring, err := r.keyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: keyring %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key in the keyring.
func (r *Resolver) Set(key, value string) error {
	ring, err := r.keyring()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key from the keyring.
func (r *Resolver) Delete(key string) error {
	ring, err := r.keyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
