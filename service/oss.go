package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"PoemToMedia-server/config"
	"PoemToMedia-server/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore persists generated artifact bytes. Writes are keyed by task id
// so concurrent uploads never collide.
type ObjectStore interface {
	Put(ctx context.Context, objectName string, reader io.Reader, size int64) (models.Artifact, error)
}

// MinIOStore is the production ObjectStore backed by a MinIO/S3 bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore() (*MinIOStore, error) {
	cfg := config.AppConfig.MinIO
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio init failed: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket failed: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket failed: %w", err)
		}
		log.Printf("bucket %q created", s.bucket)
	}
	return nil
}

// Put streams the object into the bucket, hashing it on the way through, and
// returns the artifact record with a presigned URL (72h).
func (s *MinIOStore) Put(ctx context.Context, objectName string, reader io.Reader, size int64) (models.Artifact, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return models.Artifact{}, err
	}

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	info, err := s.client.PutObject(ctx, s.bucket, objectName, tee, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("upload to minio failed: %w", err)
	}

	expiry := 72 * time.Hour
	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, make(url.Values))
	if err != nil {
		return models.Artifact{}, fmt.Errorf("presign url failed: %w", err)
	}

	log.Printf("artifact uploaded: %s (%d bytes)", objectName, info.Size)
	return models.Artifact{
		Kind:      kindFor(objectName),
		ObjectKey: objectName,
		URL:       presignedURL.String(),
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		Size:      info.Size,
		CreatedAt: time.Now(),
	}, nil
}

func contentTypeFor(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func kindFor(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return models.ArtifactKindImage
	case ".mp4":
		return models.ArtifactKindVideo
	case ".mp3", ".wav":
		return models.ArtifactKindAudio
	default:
		return ""
	}
}

// fetchToStore downloads a result resource from the generation service and
// hands it to the object store.
func fetchToStore(ctx context.Context, store ObjectStore, sourceURL, objectName string) (models.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("create download request failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Artifact{}, fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return store.Put(ctx, objectName, resp.Body, resp.ContentLength)
}
