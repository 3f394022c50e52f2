// Package publish stores rendered GeoJSON documents.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
)

const (
	ContentType = "application/geo+json"

	// LatestName is the object that always holds the most recent document.
	LatestName = "latest.geojson"
)

// Publisher stores the document of one evaluation run.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, runID string, data []byte) error
}

// ObjectName is the name a run's document is stored under.
func ObjectName(runID string) string {
	return runID + ".geojson"
}

// FilePublisher writes documents to a local directory.
type FilePublisher struct {
	dir    string
	tracer trace.Tracer
}

func NewFilePublisher(dir string) (*FilePublisher, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FilePublisher{dir: dir, tracer: otel.Tracer("publish")}, nil
}

func (p *FilePublisher) Name() string { return "file" }

// Publish writes <dir>/<runID>.geojson and replaces <dir>/latest.geojson.
// Both files are written to a temporary name first and renamed into place.
func (p *FilePublisher) Publish(ctx context.Context, runID string, data []byte) (err error) {
	ctx, span := p.tracer.Start(ctx, "publish.file",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("dir", p.dir),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()
	defer recordSend(ctx, p.Name(), time.Now(), &err)

	if runID == "" {
		err = fmt.Errorf("run ID is required")
		otelutil.RecordError(span, err, otelutil.ErrorTypeValidation, false)
		return err
	}

	for _, name := range []string{ObjectName(runID), LatestName} {
		if err = writeAtomic(filepath.Join(p.dir, name), data); err != nil {
			otelutil.RecordError(span, err, otelutil.ErrorTypeDatabase, false)
			return err
		}
	}

	otelutil.SetSpanOk(span)
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

func recordSend(ctx context.Context, sink string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	metrics.RecordSinkSend(ctx, sink, status, time.Since(start))
}
