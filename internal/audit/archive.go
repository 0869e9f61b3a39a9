package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/pkg/types"
)

const archivePage = 500

// ObjectPutter is the subset of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source lists collections and exports their records without user scoping.
type Source interface {
	AuditCollections(ctx context.Context) ([]uuid.UUID, error)
	ExportAudit(ctx context.Context, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error)
}

// NewS3Client builds an S3 client from the default credential chain. A
// non-empty endpoint targets an S3-compatible store such as MinIO.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver copies new audit records to object storage as JSON Lines, one
// object per collection per run. Objects are named by their seq range so a
// verifier can reassemble the chain.
type Archiver struct {
	source Source
	client ObjectPutter
	bucket string
	prefix string

	mu       sync.Mutex
	archived map[uuid.UUID]uint64
}

// NewArchiver creates an archiver writing under bucket/prefix.
func NewArchiver(source Source, client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{
		source:   source,
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		archived: make(map[uuid.UUID]uint64),
	}
}

// ObjectKey names the object holding records first..last of a collection.
func (a *Archiver) ObjectKey(collectionID uuid.UUID, first, last uint64) string {
	return path.Join(a.prefix, collectionID.String(), fmt.Sprintf("%020d-%020d.jsonl", first, last))
}

// RunOnce archives everything appended since the previous run and returns
// the number of records uploaded.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids, err := a.source.AuditCollections(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list collections: %w", err)
	}

	total := 0
	for _, id := range ids {
		n, err := a.archiveCollection(ctx, id)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Archiver) archiveCollection(ctx context.Context, id uuid.UUID) (int, error) {
	after := a.archived[id]
	var (
		buf   bytes.Buffer
		batch []types.AuditRecord
	)
	enc := json.NewEncoder(&buf)
	for {
		records, err := a.source.ExportAudit(ctx, id, after, archivePage)
		if err != nil {
			return 0, fmt.Errorf("failed to export audit of %s: %w", id, err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return 0, fmt.Errorf("failed to encode audit record: %w", err)
			}
		}
		batch = append(batch, records...)
		after = records[len(records)-1].Seq
	}
	if len(batch) == 0 {
		return 0, nil
	}

	first, last := batch[0].Seq, batch[len(batch)-1].Seq
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.ObjectKey(id, first, last)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload audit of %s: %w", id, err)
	}
	a.archived[id] = last
	return len(batch), nil
}

// Run archives on every tick until ctx ends.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.RunOnce(ctx)
			if err != nil {
				logger.Error(ctx, "audit archival failed", "error", err, "uploaded", n)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "audit records archived", "count", n)
			}
		}
	}
}
