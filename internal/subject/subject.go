// Package subject defines the entities that receive notifications and the
// sources that list which of them are currently eligible.
package subject

import (
	"context"
	"iter"
)

// Subject is an external entity referenced by id and kind. Attrs carries
// whatever the source knows about it (e.g. an email address or chat id).
type Subject struct {
	ID    string            `json:"id"`
	Kind  string            `json:"kind"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

func (s Subject) Attr(key string) string {
	if s.Attrs == nil {
		return ""
	}
	return s.Attrs[key]
}

// Source yields eligible subjects lazily. A non-nil error ends the sequence.
type Source interface {
	Eligible(ctx context.Context) iter.Seq2[Subject, error]
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) iter.Seq2[Subject, error]

func (f SourceFunc) Eligible(ctx context.Context) iter.Seq2[Subject, error] { return f(ctx) }

// Static serves a fixed list.
type Static struct {
	subjects []Subject
}

func NewStatic(subjects ...Subject) *Static {
	return &Static{subjects: append([]Subject(nil), subjects...)}
}

func (s *Static) Eligible(ctx context.Context) iter.Seq2[Subject, error] {
	return func(yield func(Subject, error) bool) {
		for _, sub := range s.subjects {
			if err := ctx.Err(); err != nil {
				yield(Subject{}, err)
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
	}
}
