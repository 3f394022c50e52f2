package publish

import (
	"context"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelutil "commutecircles/pkg/otel"
)

// GCSPublisher uploads documents to a Cloud Storage bucket. Credentials come
// from the environment (Application Default Credentials).
type GCSPublisher struct {
	client *storage.Client
	bucket string
	prefix string
	tracer trace.Tracer
}

func NewGCSPublisher(ctx context.Context, bucket, prefix string) (*GCSPublisher, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSPublisher{
		client: client,
		bucket: bucket,
		prefix: prefix,
		tracer: otel.Tracer("publish"),
	}, nil
}

func (p *GCSPublisher) Name() string { return "gcs" }

func (p *GCSPublisher) objectPath(name string) string {
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

// Publish uploads <prefix>/<runID>.geojson and then <prefix>/latest.geojson.
func (p *GCSPublisher) Publish(ctx context.Context, runID string, data []byte) (err error) {
	ctx, span := p.tracer.Start(ctx, "publish.gcs",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("bucket", p.bucket),
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
		if err = p.upload(ctx, p.objectPath(name), data); err != nil {
			otelutil.RecordError(span, err, otelutil.ErrorTypeUpstream, true)
			return err
		}
	}

	otelutil.SetSpanOk(span)
	return nil
}

func (p *GCSPublisher) upload(ctx context.Context, object string, data []byte) error {
	w := p.client.Bucket(p.bucket).Object(object).NewWriter(ctx)
	w.ContentType = ContentType
	w.CacheControl = "no-cache"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", p.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close gcs writer for gs://%s/%s: %w", p.bucket, object, err)
	}
	return nil
}

func (p *GCSPublisher) Close() error {
	return p.client.Close()
}
