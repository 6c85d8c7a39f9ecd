// Package registry maps a subject (or any other fan-out key, such as a chat room)
// to its set of live delivery handles.
package registry

import (
	"context"
	"fmt"

	"nowplaying/internal/storage"
	logx "nowplaying/pkg/logx"
)

// Registry is the Connection Registry. It holds no cache: every call goes to the
// store, so a mutation is visible to the next Load from any caller.
type Registry struct {
	st  storage.ConnectionStore
	log logx.Logger
}

func New(st storage.ConnectionStore, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{st: st, log: log.With(logx.String("comp", "registry"))}
}

// AddConnection adds handle to subject's set, creating the set if needed.
func (r *Registry) AddConnection(ctx context.Context, subject, handle string) error {
	if err := r.st.AddConnection(ctx, subject, handle); err != nil {
		return fmt.Errorf("add connection %s: %w", subject, err)
	}
	return nil
}

// AddConnectionToMany adds handle to every subject. Subjects are written in batches
// bounded by the store's batch limit; a failed batch does not stop the others.
// Failures come back as a *BatchError naming the keys that were not stored.
func (r *Registry) AddConnectionToMany(ctx context.Context, subjects []string, handle string) error {
	subjects = dedupe(subjects)
	if len(subjects) == 0 {
		return nil
	}
	var be BatchError
	for _, batch := range partition(subjects, r.st.BatchLimit()) {
		if err := r.st.AddConnectionBatch(ctx, batch, handle); err != nil {
			r.log.Warn("connection batch failed",
				logx.Int("size", len(batch)),
				logx.String("first", batch[0]),
				logx.Err(err),
			)
			be.Failed = append(be.Failed, batch...)
			be.errs = append(be.errs, fmt.Errorf("add connection batch %v: %w", batch, err))
		}
	}
	if len(be.errs) == 0 {
		return nil
	}
	return &be
}

// RemoveConnections drops handles from subject's set and returns how many remain.
// A subject with no record reports 0.
func (r *Registry) RemoveConnections(ctx context.Context, subject string, handles []string) (int, error) {
	n, err := r.st.RemoveConnections(ctx, subject, handles)
	if err != nil {
		return 0, fmt.Errorf("remove connections %s: %w", subject, err)
	}
	return n, nil
}

// Clear replaces subject's set with an empty one.
func (r *Registry) Clear(ctx context.Context, subject string) error {
	if err := r.st.ClearConnections(ctx, subject); err != nil {
		return fmt.Errorf("clear connections %s: %w", subject, err)
	}
	return nil
}

// Load returns subject's set, or nil when the subject has none.
func (r *Registry) Load(ctx context.Context, subject string) (*storage.ConnectionSet, error) {
	set, err := r.st.LoadConnections(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("load connections %s: %w", subject, err)
	}
	return set, nil
}

func partition(in []string, size int) [][]string {
	if size <= 0 {
		size = storage.DefaultBatchLimit
	}
	out := make([][]string, 0, (len(in)+size-1)/size)
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
