// Package audit exports the payment audit trail to object storage for
// long-term retention.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/module/ledger"
	"github.com/gatherly/ledger/internal/shared/config"
)

// Source provides the audit entries to archive.
type Source interface {
	ListAuditLogsBetween(ctx context.Context, from, to time.Time) ([]ledger.PaymentAuditLog, error)
}

// ObjectStore is the storage an archive window is written to.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// S3Store is an ObjectStore backed by S3-compatible storage.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates the store from configuration. A custom endpoint
// selects path-style addressing for S3-compatible providers.
func NewS3Store(cfg *config.ArchiveConfig) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("incomplete archive storage configuration")
	}

	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads one object.
func (s *S3Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Archiver periodically exports completed audit windows as JSONL objects.
// Objects are keyed by window start, so re-running an export overwrites
// the same object with the same content rather than duplicating entries.
type Archiver struct {
	source   Source
	store    ObjectStore
	interval time.Duration
	logger   *zap.Logger

	// lastExported is the start of the next window to export.
	lastExported time.Time

	stop chan struct{}
	done chan struct{}
}

// NewArchiver creates an archiver exporting windows of the given interval.
func NewArchiver(source Source, store ObjectStore, interval time.Duration, logger *zap.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		source:       source,
		store:        store,
		interval:     interval,
		logger:       logger,
		lastExported: time.Now().Truncate(interval),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the export loop until Stop is called.
func (a *Archiver) Start() {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), a.interval/2)
				if err := a.ExportDue(ctx, time.Now()); err != nil {
					a.logger.Error("audit archive export failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// Stop terminates the export loop and waits for it to finish.
func (a *Archiver) Stop() {
	close(a.stop)
	<-a.done
}

// ExportDue exports every window that closed before now.
func (a *Archiver) ExportDue(ctx context.Context, now time.Time) error {
	for !a.lastExported.Add(a.interval).After(now) {
		from := a.lastExported
		to := from.Add(a.interval)
		if err := a.exportWindow(ctx, from, to); err != nil {
			return err
		}
		a.lastExported = to
	}
	return nil
}

func (a *Archiver) exportWindow(ctx context.Context, from, to time.Time) error {
	entries, err := a.source.ListAuditLogsBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list audit logs: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
	}

	key := objectKey(from)
	if err := a.store.PutObject(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
		return err
	}
	a.logger.Info("audit window archived",
		zap.String("key", key),
		zap.Int("entries", len(entries)))
	return nil
}

func objectKey(windowStart time.Time) string {
	return fmt.Sprintf("audit/%s.jsonl", windowStart.UTC().Format("2006/01/02/1504"))
}
