package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Get when the binary no longer exists.
var ErrObjectNotFound = errors.New("object not found")

// ObjectRef identifies an uploaded document before it is stored.
type ObjectRef struct {
	ThreadID   string
	DocumentID string
	FileName   string
}

// StoredObject locates a stored binary. Folder is the container the backend
// placed it in and is persisted on the registry record alongside Key.
type StoredObject struct {
	Key    string
	Folder string
}

// DocumentStore keeps uploaded document binaries.
type DocumentStore interface {
	Put(ctx context.Context, ref ObjectRef, r io.Reader, size int64, contentType string) (StoredObject, error)
	Get(ctx context.Context, obj StoredObject) (io.ReadCloser, error)
	// Delete is idempotent: a missing object is not an error.
	Delete(ctx context.Context, obj StoredObject) error
	Check(ctx context.Context) error
}

// MinioStore implements DocumentStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// ObjectKey builds threads/{threadID}/{documentID}/{name}.
func ObjectKey(ref ObjectRef) string {
	return path.Join("threads", ref.ThreadID, ref.DocumentID, SanitizeFilename(ref.FileName))
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, ref ObjectRef, r io.Reader, size int64, contentType string) (StoredObject, error) {
	key := ObjectKey(ref)
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return StoredObject{}, fmt.Errorf("put object: %w", err)
	}
	return StoredObject{Key: key, Folder: m.bucket}, nil
}

// Get opens an object for reading.
func (m *MinioStore) Get(ctx context.Context, obj StoredObject) (io.ReadCloser, error) {
	o, err := m.client.GetObject(ctx, m.bucket, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	if _, err := o.Stat(); err != nil {
		_ = o.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return o, nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, obj StoredObject) error {
	if obj.Key == "" {
		return nil
	}
	if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Check verifies the bucket is reachable.
func (m *MinioStore) Check(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q missing", m.bucket)
	}
	return nil
}
