// Package artifacts uploads result documents and screenshots to S3-compatible
// object storage.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/spachava753/flaskgrader/internal/models"
)

// objectPutter is the subset of *minio.Client used for uploads.
type objectPutter interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOUploader stores artifacts under <bucket>/<student>/<task>/<timestamp>/.
type MinIOUploader struct {
	client objectPutter
	bucket string
}

// NewMinIOUploader connects to the configured endpoint and creates the bucket
// when it does not exist.
func NewMinIOUploader(ctx context.Context, cfg models.ArtifactsConfig) (*MinIOUploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOUploader{client: client, bucket: cfg.Bucket}, nil
}

// ObjectPrefix is the key prefix for one validation attempt.
func ObjectPrefix(r *models.TaskResult) string {
	ts := r.Timestamp
	if ts == "" {
		ts = r.RunID
	}
	return path.Join(safeSegment(r.StudentID), strconv.Itoa(r.TaskID), safeSegment(ts))
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", ":", "-", " ", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Upload stores the result JSON and every screenshot, returning the object
// keys written. It stops at the first failure.
func (u *MinIOUploader) Upload(ctx context.Context, r *models.TaskResult) ([]string, error) {
	prefix := ObjectPrefix(r)
	var files []string
	if r.JSONFile != "" {
		files = append(files, r.JSONFile)
	}
	files = append(files, r.Screenshots...)

	keys := make([]string, 0, len(files))
	for _, f := range files {
		key := path.Join(prefix, filepath.Base(f))
		opts := minio.PutObjectOptions{ContentType: contentType(f)}
		if _, err := u.client.FPutObject(ctx, u.bucket, key, f, opts); err != nil {
			return keys, fmt.Errorf("minio put object %s failed: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}
