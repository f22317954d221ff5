package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket. failPuts makes the next n PutObject calls fail.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
	puts     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("slow down")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newTestS3(fake *fakeS3) *S3Storage {
	s := newS3Storage(fake, "trust-checkpoints")
	s.backoff = 0
	return s
}

func TestS3StorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestS3(fake)

	require.NoError(t, s.Put(ctx, "checkpoints/ckpt_b.sz", []byte("b")))
	require.NoError(t, s.Put(ctx, "checkpoints/ckpt_a.sz", []byte("a")))
	require.NoError(t, s.Put(ctx, "other/x", []byte("x")))

	data, err := s.Get(ctx, "checkpoints/ckpt_a.sz")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	keys, err := s.ListObjects(ctx, "checkpoints/")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoints/ckpt_a.sz", "checkpoints/ckpt_b.sz"}, keys)

	ok, err := s.Exists(ctx, "checkpoints/ckpt_b.sz")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "checkpoints/ckpt_b.sz"))
	ok, err = s.Exists(ctx, "checkpoints/ckpt_b.sz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3StorageMissingObject(t *testing.T) {
	s := newTestS3(newFakeS3())
	_, err := s.Get(context.Background(), "checkpoints/none")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestS3StorageRetriesPut(t *testing.T) {
	fake := newFakeS3()
	fake.failPuts = 2
	s := newTestS3(fake)

	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	assert.Equal(t, 3, fake.puts)

	fake.failPuts = 10
	err := s.Put(context.Background(), "k", []byte("v"))
	assert.ErrorIs(t, err, ErrUploadFailed)
}

func TestS3StorageStopsOnCancelledContext(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3(fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Put(ctx, "k", []byte("v"))
	assert.Error(t, err)
	assert.Equal(t, 0, fake.puts)
}
