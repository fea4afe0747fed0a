package persist

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                { return e.msg }
func (e *apiError) ErrorCode() string            { return e.code }
func (e *apiError) ErrorMessage() string         { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var errNoSuchKey = &apiError{code: "NoSuchKey", msg: "no such key"}

// mockS3 is a thread-safe in-memory S3 backend for testing.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, errNoSuchKey
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestS3(t *testing.T) (*S3, *mockS3) {
	t.Helper()
	mock := newMockS3()
	return NewS3(mock, "test-bucket", ""), mock
}

func TestS3WriteAtomicThenRead(t *testing.T) {
	store, _ := newTestS3(t)
	ctx := context.Background()

	if err := store.WriteAtomic(ctx, "snap.bin", []byte("hello s3")); err != nil {
		t.Fatal(err)
	}

	r, err := store.Read(ctx, "snap.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello s3" {
		t.Fatalf("got %q, want %q", got, "hello s3")
	}
}

func TestS3WriteAtomicCleansUpTempKey(t *testing.T) {
	store, mock := newTestS3(t)
	ctx := context.Background()

	if err := store.WriteAtomic(ctx, "snap.bin", []byte("v")); err != nil {
		t.Fatal(err)
	}

	ok, err := store.Exists(ctx, "snap.bin.tmp")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("temp key should be deleted after WriteAtomic")
	}
	if _, ok := mock.objects["snap.bin.tmp"]; ok {
		t.Fatal("temp key left behind in backend")
	}
}

func TestS3ReadNotFound(t *testing.T) {
	store, _ := newTestS3(t)
	_, err := store.Read(context.Background(), "missing.bin")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestS3ExistsAndDelete(t *testing.T) {
	store, _ := newTestS3(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "snap.bin")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false before write")
	}

	if err := store.WriteAtomic(ctx, "snap.bin", []byte("x")); err != nil {
		t.Fatal(err)
	}
	ok, err = store.Exists(ctx, "snap.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true after write")
	}

	if err := store.Delete(ctx, "snap.bin"); err != nil {
		t.Fatal(err)
	}
	ok, _ = store.Exists(ctx, "snap.bin")
	if ok {
		t.Fatal("expected false after delete")
	}
}

func TestS3KeyPrefix(t *testing.T) {
	mock := newMockS3()
	store := NewS3(mock, "test-bucket", "prefix")
	ctx := context.Background()

	if err := store.WriteAtomic(ctx, "snap.bin", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.objects["prefix/snap.bin"]; !ok {
		t.Fatal("expected object stored under prefix/snap.bin")
	}
}
