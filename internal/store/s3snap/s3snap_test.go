package s3snap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityd/internal/ir"
)

// fakeS3 is an in-memory bucket. pageSize > 0 forces paginated listings.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	fail     error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		i := sort.SearchStrings(keys, tok)
		keys = keys[i:]
	}
	out := &s3.ListObjectsV2Output{}
	if f.pageSize > 0 && len(keys) > f.pageSize {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[f.pageSize])
		keys = keys[:f.pageSize]
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestWriteSnapshotKeyLayout(t *testing.T) {
	fake := newFakeS3()
	s := NewWithClient(fake, "bucket", "")

	require.NoError(t, s.WriteSnapshot(context.Background(), ir.Snapshot{EntityID: "cart/1", Seq: 3, Payload: []byte("p")}))

	_, ok := fake.objects["snapshots/cart%2F1/00000000000000000003.snap"]
	assert.True(t, ok, "objects: %v", fake.objects)
}

func TestReadLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.pageSize = 2
	s := NewWithClient(fake, "bucket", "/nodes/a/")

	_, ok, err := s.ReadLatestSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, seq := range []int64{3, 12, 9, 100, 6} {
		require.NoError(t, s.WriteSnapshot(ctx, ir.Snapshot{EntityID: "cart-1", Seq: seq, Payload: []byte{byte(seq)}}))
	}
	require.NoError(t, s.WriteSnapshot(ctx, ir.Snapshot{EntityID: "cart-10", Seq: 500}))

	snap, ok, err := s.ReadLatestSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cart-1", snap.EntityID)
	assert.Equal(t, int64(100), snap.Seq, "seq 100 must sort after 12 and must ignore cart-10")
	assert.Equal(t, []byte{100}, snap.Payload)
}

func TestWriteSnapshotOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewWithClient(newFakeS3(), "bucket", "")

	require.NoError(t, s.WriteSnapshot(ctx, ir.Snapshot{EntityID: "e", Seq: 1, Payload: []byte("old")}))
	require.NoError(t, s.WriteSnapshot(ctx, ir.Snapshot{EntityID: "e", Seq: 1, Payload: []byte("new")}))

	snap, ok, err := s.ReadLatestSnapshot(ctx, "e")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(snap.Payload))
}

func TestErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fake := newFakeS3()
	fake.fail = boom
	s := NewWithClient(fake, "bucket", "")

	err := s.WriteSnapshot(ctx, ir.Snapshot{EntityID: "e", Seq: 1})
	assert.ErrorIs(t, err, boom)
	_, _, err = s.ReadLatestSnapshot(ctx, "e")
	assert.ErrorIs(t, err, boom)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
