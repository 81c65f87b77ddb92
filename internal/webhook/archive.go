package webhook

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dealerflow_backend/platform/config"
)

// PayloadArchiver stores raw webhook bodies for audit and replay diagnosis.
// Archiving is best-effort: failures are logged, never surfaced to the
// provider.
type PayloadArchiver interface {
	Archive(ctx context.Context, digest string, contentType string, body []byte) (string, error)
}

// MinIOArchiver writes raw payloads to object storage, keyed by receive date
// and body digest so replayed deliveries overwrite their own object.
type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinIOArchiver creates an archiver and ensures the target bucket exists.
func NewMinIOArchiver(ctx context.Context, cfg config.ArchiveConfig) (*MinIOArchiver, error) {
	client, err := minio.New(cfg.GetMinIOEndpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.GetMinIOAccessKey(), cfg.GetMinIOSecretKey(), ""),
		Secure: cfg.GetMinIOUseSSL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	a := &MinIOArchiver{
		client: client,
		bucket: cfg.GetMinioBucketWebhookPayloads(),
	}

	exists, err := client.BucketExists(ctx, a.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
	}

	return a, nil
}

// Archive uploads the raw body and returns the object key.
func (a *MinIOArchiver) Archive(ctx context.Context, digest string, contentType string, body []byte) (string, error) {
	key := fmt.Sprintf("%s/%s", time.Now().UTC().Format("2006/01/02"), digest)

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive payload %s: %w", key, err)
	}
	return key, nil
}

// NoopArchiver is used when object storage is not configured.
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
