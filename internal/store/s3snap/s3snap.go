// Package s3snap stores entity snapshots as objects in an S3-compatible
// bucket (AWS S3 or MinIO), leaving the event log in a database.
//
// Object keys are <prefix>/<url-escaped entity id>/<seq, 20 digits>.snap so
// that the lexicographically greatest key under an entity is its latest
// snapshot.
package s3snap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
)

var _ journal.SnapshotStore = (*Store)(nil)

const (
	defaultRegion = "us-east-1"
	defaultPrefix = "snapshots"
	keySuffix     = ".snap"
)

// API is the subset of *s3.Client the store calls.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds construction parameters. Credentials come from the default
// AWS chain (environment, shared config, instance role).
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional; custom endpoint such as MinIO
	PathStyle bool
	Prefix    string
}

// Store implements journal.SnapshotStore on S3.
type Store struct {
	client API
	bucket string
	prefix string
}

// New creates a store talking to the configured bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix means "snapshots".
func NewWithClient(client API, bucket, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// WriteSnapshot uploads the snapshot; rewriting a seq overwrites the object.
func (s *Store) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	if snap.Seq < 0 {
		return fmt.Errorf("write snapshot: negative seq %d", snap.Seq)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(snap.EntityID, snap.Seq)),
		Body:        bytes.NewReader(snap.Payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadLatestSnapshot lists the entity's objects and downloads the greatest.
func (s *Store) ReadLatestSnapshot(ctx context.Context, entityID string) (ir.Snapshot, bool, error) {
	prefix := s.entityPrefix(entityID)
	var (
		latest string
		token  *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, keySuffix) && key > latest {
				latest = key
			}
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	if latest == "" {
		return ir.Snapshot{}, false, nil
	}

	seq, err := seqFromKey(latest)
	if err != nil {
		return ir.Snapshot{}, false, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(latest),
	})
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("get snapshot %s: %w", latest, err)
	}
	defer out.Body.Close()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", latest, err)
	}
	return ir.Snapshot{EntityID: entityID, Seq: seq, Payload: payload}, true, nil
}

func (s *Store) entityPrefix(entityID string) string {
	return s.prefix + "/" + url.PathEscape(entityID) + "/"
}

func (s *Store) key(entityID string, seq int64) string {
	return fmt.Sprintf("%s%020d%s", s.entityPrefix(entityID), seq, keySuffix)
}

func seqFromKey(key string) (int64, error) {
	base := strings.TrimSuffix(path.Base(key), keySuffix)
	seq, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snapshot key %q: bad seq: %w", key, err)
	}
	return seq, nil
}
