package pruning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/parledger/acs/pkg/acs"
)

// ArchiveSink receives pruned entries before they are deleted, keeping
// an audit trail outside the hot store. A failed export aborts the
// prune: rows are only deleted after the sink acknowledged them.
type ArchiveSink interface {
	Export(ctx context.Context, entries []acs.Entry) error
}

// NoopSink discards exports. Used when no cold storage is configured.
type NoopSink struct{}

func (NoopSink) Export(ctx context.Context, entries []acs.Entry) error { return nil }

// archivedEntry is the cold-storage row format, one JSON object per line.
type archivedEntry struct {
	ContractID    string `json:"contract_id"`
	Synchronizer  string `json:"synchronizer"`
	Status        string `json:"status"`
	StatusAt      int64  `json:"status_at"`
	ValidFrom     int64  `json:"valid_from"`
	ValidTo       int64  `json:"valid_to"`
	ChangeCounter uint64 `json:"change_counter"`
}

// S3Sink exports pruned entries as JSON-lines objects to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink against the ambient AWS configuration.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Sink{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewS3SinkWithClient builds a sink over an existing client.
func NewS3SinkWithClient(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) Export(ctx context.Context, entries []acs.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		var validTo int64
		if e.ValidTo != nil {
			validTo = int64(*e.ValidTo)
		}
		row := archivedEntry{
			ContractID:    e.Key.ContractID.String(),
			Synchronizer:  string(e.Key.Synchronizer),
			Status:        string(e.Status.Kind),
			StatusAt:      int64(e.Status.At),
			ValidFrom:     int64(e.ValidFrom),
			ValidTo:       validTo,
			ChangeCounter: e.ChangeCounter,
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode archived entry: %w", err)
		}
	}

	key := fmt.Sprintf("%sprune-%s-%s.jsonl", s.prefix, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return acs.Transient("archive export", err)
	}
	return nil
}
