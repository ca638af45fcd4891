package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/emberlane/rollupd/internal/idgen"
	"github.com/emberlane/rollupd/internal/model"
)

const latestKey = "latest.json"

// S3Manager keeps snapshots in an S3-compatible bucket. Snapshot paths are
// s3://bucket/prefix/... URIs handed to the compute session, which is
// expected to read and write checkpoint data there itself. The latest
// pointer is a small JSON object under <prefix>/latest.json.
type S3Manager struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Manager = (*S3Manager)(nil)

// NewS3Manager creates an S3-backed manager. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Manager(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Manager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Manager{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3ManagerWithClient builds a manager around an existing client. Used by
// tests that point the client at a stub endpoint.
func NewS3ManagerWithClient(client *s3.Client, bucket, prefix string) *S3Manager {
	return &S3Manager{client: client, bucket: bucket, prefix: prefix}
}

func (m *S3Manager) GetLatest(ctx context.Context) (model.Snapshot, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(path.Join(m.prefix, latestKey)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return model.Snapshot{}, ErrNoSnapshot
		}
		return model.Snapshot{}, fmt.Errorf("s3 get latest pointer: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("s3 read latest pointer: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode latest pointer: %w", err)
	}
	return snap, nil
}

func (m *S3Manager) GetStorageDirectory(_ context.Context, epoch uint64) (model.Snapshot, error) {
	suffix, err := idgen.Generate()
	if err != nil {
		return model.Snapshot{}, err
	}
	uri := fmt.Sprintf("s3://%s/%s", m.bucket, path.Join(m.prefix, fmt.Sprintf("epoch-%d-%s", epoch, suffix)))
	return model.Snapshot{Path: uri, Epoch: epoch}, nil
}

func (m *S3Manager) SetLatest(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode latest pointer: %w", err)
	}
	contentType := "application/json"
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(path.Join(m.prefix, latestKey)),
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 put latest pointer: %w", err)
	}
	return nil
}
