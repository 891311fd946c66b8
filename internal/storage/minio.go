package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig holds the connection settings for a MinIO (or S3-compatible)
// endpoint and the bucket the agent works against.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
}

// MinioClient wraps the MinIO client and implements the BlobStore interface.
type MinioClient struct {
	client *minio.Client
	logger *zap.Logger
	bucket string
}

// NewMinioClient creates and returns a new MinIO-backed blob store.
func NewMinioClient(cfg MinioConfig, logger *zap.Logger) (*MinioClient, error) {
	logger.Info("Initializing MinIO client",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("useSSL", cfg.UseSSL),
		zap.String("bucket", cfg.Bucket),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		logger.Error("Failed to create MinIO client", zap.Error(err))
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	// A cheap operation to verify connectivity and credentials up front.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		logger.Error("Failed to connect to MinIO server or authenticate", zap.Error(err))
		return nil, fmt.Errorf("failed to connect/authenticate with MinIO: %w", err)
	}

	return &MinioClient{
		client: client,
		logger: logger.Named("minio_storage"),
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not already exist.
func (mc *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := mc.client.BucketExists(ctx, mc.bucket)
	if err != nil {
		return fmt.Errorf("failed to check for bucket %s: %w", mc.bucket, err)
	}
	if !exists {
		mc.logger.Info("Bucket does not exist, creating it", zap.String("bucket", mc.bucket))
		if err := mc.client.MakeBucket(ctx, mc.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", mc.bucket, err)
		}
	}
	return nil
}

// DownloadPrefix fetches every object under prefix into destDir, preserving
// relative paths. If the prefix names a single object exactly, just that
// object is downloaded. Returns the number of objects written.
func (mc *MinioClient) DownloadPrefix(ctx context.Context, prefix, destDir string) (int, error) {
	mc.logger.Debug("Downloading objects", zap.String("bucket", mc.bucket), zap.String("prefix", prefix))

	count := 0
	objectCh := mc.client.ListObjects(ctx, mc.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return count, fmt.Errorf("error listing objects under %s: %w", prefix, object.Err)
		}
		// Directory placeholder objects carry no data.
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		relPath := strings.TrimPrefix(object.Key, prefix)
		relPath = strings.TrimPrefix(relPath, "/")
		if relPath == "" {
			relPath = filepath.Base(object.Key)
		}
		if err := mc.downloadObject(ctx, object.Key, filepath.Join(destDir, filepath.FromSlash(relPath))); err != nil {
			return count, err
		}
		count++
	}

	if count == 0 {
		return 0, fmt.Errorf("no objects found under prefix %s in bucket %s", prefix, mc.bucket)
	}
	mc.logger.Info("Objects downloaded",
		zap.String("bucket", mc.bucket),
		zap.String("prefix", prefix),
		zap.Int("count", count),
	)
	return count, nil
}

func (mc *MinioClient) downloadObject(ctx context.Context, objectKey, destPath string) error {
	obj, err := mc.client.GetObject(ctx, mc.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object %s/%s: %w", mc.bucket, objectKey, err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", destPath, err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, obj); err != nil {
		return fmt.Errorf("failed to write object %s to %s: %w", objectKey, destPath, err)
	}
	return nil
}

// UploadFile stores a local file under the given object key.
func (mc *MinioClient) UploadFile(ctx context.Context, objectKey, filePath, contentType string) (*ObjectInfo, error) {
	mc.logger.Debug("Uploading file",
		zap.String("bucket", mc.bucket),
		zap.String("key", objectKey),
		zap.String("path", filePath),
	)

	uploadInfo, err := mc.client.FPutObject(ctx, mc.bucket, objectKey, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		mc.logger.Error("Failed to upload file", zap.String("bucket", mc.bucket), zap.String("key", objectKey), zap.Error(err))
		return nil, fmt.Errorf("failed to upload to %s/%s: %w", mc.bucket, objectKey, err)
	}

	mc.logger.Info("Object uploaded successfully",
		zap.String("bucket", uploadInfo.Bucket),
		zap.String("key", uploadInfo.Key),
		zap.Int64("size", uploadInfo.Size),
	)
	return &ObjectInfo{
		Key:          uploadInfo.Key,
		Size:         uploadInfo.Size,
		ETag:         uploadInfo.ETag,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
	}, nil
}

// PresignGet generates a time-limited download URL for an object.
func (mc *MinioClient) PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	presignedURL, err := mc.client.PresignedGetObject(ctx, mc.bucket, objectKey, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL for %s/%s: %w", mc.bucket, objectKey, err)
	}
	return presignedURL.String(), nil
}
