package gcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/scribehub-backend/internal/logger"
)

type BucketCategory string

const (
	// BucketCategoryAudio holds submitted batch audio and retained realtime
	// recordings.
	BucketCategoryAudio BucketCategory = "audio"
	// BucketCategoryArtifact holds per-stage outputs and final transcripts.
	BucketCategoryArtifact BucketCategory = "artifact"
)

type bucketConfig struct {
	name      string
	cdnDomain string
}

// ArtifactStore is the object-store contract: immutable blobs addressed by
// key, byte-range reads, presigned GETs for client download.
type ArtifactStore interface {
	Upload(ctx context.Context, category BucketCategory, key string, r io.Reader) error
	Download(ctx context.Context, category BucketCategory, key string) (io.ReadCloser, error)
	DownloadRange(ctx context.Context, category BucketCategory, key string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, category BucketCategory, key string) error
	DeletePrefix(ctx context.Context, category BucketCategory, prefix string) error
	ListKeys(ctx context.Context, category BucketCategory, prefix string) ([]string, error)
	PresignGET(category BucketCategory, key string, expiry time.Duration) (string, error)
	PublicURL(category BucketCategory, key string) string

	// URIFor renders the canonical gs:// URI stored on job and task rows;
	// Fetch resolves such a URI back to a reader. Fetch rejects URIs that
	// point outside the two configured buckets.
	URIFor(category BucketCategory, key string) string
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// SplitURI breaks a gs://bucket/key URI into its parts.
func SplitURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed gs:// uri: %q", uri)
	}
	return parts[0], parts[1], nil
}

// ArtifactKey is the deterministic object key for a task's output. Re-runs
// of the same task overwrite the same object, which is what makes duplicate
// execution after a lease expiry harmless.
func ArtifactKey(jobID uuid.UUID, stage string, taskID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/%s/%s", jobID, stage, taskID)
}

// JobPrefix is the object prefix owned by one job; the retention sweeper
// deletes it wholesale.
func JobPrefix(jobID uuid.UUID) string { return "jobs/" + jobID.String() + "/" }

// SessionRecordingKey is the object key for a retained realtime recording.
func SessionRecordingKey(sessionID uuid.UUID) string {
	return "sessions/" + sessionID.String() + "/audio"
}

type bucketService struct {
	log            *logger.Logger
	storageClient  *storage.Client
	audioBucket    bucketConfig
	artifactBucket bucketConfig
}

func NewBucketService(log *logger.Logger) (ArtifactStore, error) {
	serviceLog := log.With("service", "BucketService")

	audioBucketName := os.Getenv("AUDIO_GCS_BUCKET_NAME")
	artifactBucketName := os.Getenv("ARTIFACT_GCS_BUCKET_NAME")
	if audioBucketName == "" {
		return nil, fmt.Errorf("missing env var AUDIO_GCS_BUCKET_NAME")
	}
	if artifactBucketName == "" {
		return nil, fmt.Errorf("missing env var ARTIFACT_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		audioBucket: bucketConfig{
			name:      audioBucketName,
			cdnDomain: os.Getenv("AUDIO_CDN_DOMAIN"),
		},
		artifactBucket: bucketConfig{
			name:      artifactBucketName,
			cdnDomain: os.Getenv("ARTIFACT_CDN_DOMAIN"),
		},
	}, nil
}

func (bs *bucketService) getBucketConfig(category BucketCategory) (bucketConfig, error) {
	switch category {
	case BucketCategoryAudio:
		return bs.audioBucket, nil
	case BucketCategoryArtifact:
		return bs.artifactBucket, nil
	default:
		return bucketConfig{}, fmt.Errorf("unknown bucket category: %s", category)
	}
}

func (bs *bucketService) Upload(ctx context.Context, category BucketCategory, key string, r io.Reader) error {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := bs.storageClient.Bucket(cfg.name).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (bs *bucketService) Download(ctx context.Context, category BucketCategory, key string) (io.ReadCloser, error) {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return nil, err
	}
	rc, err := bs.storageClient.Bucket(cfg.name).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %q: %w", key, err)
	}
	return rc, nil
}

func (bs *bucketService) DownloadRange(ctx context.Context, category BucketCategory, key string, offset, length int64) (io.ReadCloser, error) {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return nil, err
	}
	rc, err := bs.storageClient.Bucket(cfg.name).Object(key).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS range reader %q: %w", key, err)
	}
	return rc, nil
}

func (bs *bucketService) Delete(ctx context.Context, category BucketCategory, key string) error {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bs.storageClient.Bucket(cfg.name).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, cfg.name, err)
	}
	return nil
}

func (bs *bucketService) ListKeys(ctx context.Context, category BucketCategory, prefix string) ([]string, error) {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := bs.storageClient.Bucket(cfg.name).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (bs *bucketService) DeletePrefix(ctx context.Context, category BucketCategory, prefix string) error {
	keys, err := bs.ListKeys(ctx, category, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := bs.Delete(ctx, category, key); err != nil {
			return err
		}
	}
	return nil
}

func (bs *bucketService) PresignGET(category BucketCategory, key string, expiry time.Duration) (string, error) {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return "", err
	}
	return bs.storageClient.Bucket(cfg.name).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
}

func (bs *bucketService) PublicURL(category BucketCategory, key string) string {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return ""
	}
	if cfg.cdnDomain != "" {
		return "https://" + cfg.cdnDomain + "/" + key
	}
	return "https://storage.googleapis.com/" + cfg.name + "/" + key
}

func (bs *bucketService) URIFor(category BucketCategory, key string) string {
	cfg, err := bs.getBucketConfig(category)
	if err != nil {
		return ""
	}
	return "gs://" + cfg.name + "/" + key
}

func (bs *bucketService) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return nil, err
	}
	switch bucket {
	case bs.audioBucket.name:
		return bs.Download(ctx, BucketCategoryAudio, key)
	case bs.artifactBucket.name:
		return bs.Download(ctx, BucketCategoryArtifact, key)
	default:
		return nil, fmt.Errorf("uri %q references unmanaged bucket %q", uri, bucket)
	}
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".flac"):
		return "audio/flac"
	case strings.HasSuffix(s, ".ogg"), strings.HasSuffix(s, ".opus"):
		return "audio/ogg"
	case strings.HasSuffix(s, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}
