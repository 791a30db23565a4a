package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	inner Backend
	name  string
}

// NewInstrumented creates an instrumented backend wrapper. The name labels
// the metrics, typically the owning domain identifier.
func NewInstrumented(inner Backend, name string) *Instrumented {
	return &Instrumented{inner: inner, name: name}
}

func (ib *Instrumented) Stat(ctx context.Context, path string) (*Entry, error) {
	start := time.Now()
	entry, err := ib.inner.Stat(ctx, path)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return entry, err
}

func (ib *Instrumented) List(ctx context.Context, path, cursor string, limit int) (*Listing, error) {
	start := time.Now()
	listing, err := ib.inner.List(ctx, path, cursor, limit)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return listing, err
}

func (ib *Instrumented) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.inner.Get(ctx, path)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *Instrumented) Put(ctx context.Context, path string, r io.Reader) (*Entry, error) {
	start := time.Now()
	cr := &countingReader{r: r}
	entry, err := ib.inner.Put(ctx, path, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), cr.n)
	return entry, err
}

func (ib *Instrumented) Mkdir(ctx context.Context, path string) (*Entry, error) {
	start := time.Now()
	entry, err := ib.inner.Mkdir(ctx, path)
	telemetry.RecordBackendOp(ctx, ib.name, "mkdir", outcomeFromError(err), time.Since(start), 0)
	return entry, err
}

func (ib *Instrumented) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := ib.inner.Delete(ctx, path)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, filebridge.ErrNotFound):
		return "not_found"
	case errors.Is(err, filebridge.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Backend = (*Instrumented)(nil)
	_ Backend = (*Retrying)(nil)
	_ Backend = (*Memory)(nil)
	_ Backend = (*LocalFS)(nil)
)
