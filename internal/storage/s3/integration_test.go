//go:build integration

package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestStoreListAndReadAgainstMinIO(t *testing.T) {
	endpoint := envOr("RECORDMESH_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("RECORDMESH_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("RECORDMESH_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("RECORDMESH_TEST_S3_BUCKET", "recordmesh-it"),
		AccessKeyID:      envOr("RECORDMESH_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("RECORDMESH_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "sample/part-00000.parquet"
	payload := []byte("recordmesh-integration")
	seedObject(ctx, t, store, key, payload)

	objects, err := store.List(ctx, "sample")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, obj := range objects {
		if obj.Key == key {
			found = obj.Size == int64(len(payload))
		}
	}
	if !found {
		t.Fatalf("List() = %+v, want %q", objects, key)
	}

	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer reader.Close()
	readPayload, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if !bytes.Equal(readPayload, payload) {
		t.Fatalf("Get() payload = %q, want %q", string(readPayload), string(payload))
	}
}

// seedObject writes straight through minio; the store itself is read only.
func seedObject(ctx context.Context, t *testing.T, store *Store, key string, payload []byte) {
	t.Helper()
	mc, ok := store.client.(*minioClient)
	if !ok {
		t.Fatalf("store client = %T, want *minioClient", store.client)
	}
	objectKey, err := store.normalizeKey(key)
	if err != nil {
		t.Fatalf("normalizeKey() error = %v", err)
	}
	_, err = mc.client.PutObject(ctx, store.bucket, objectKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
