package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/virtbak/vmclone/pkg/errors"
)

// Client provides S3 storage operations for backup artifacts
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client using the default credential chain
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// UploadResult contains upload metadata
type UploadResult struct {
	Key    string
	SHA256 string
	Size   int64
}

// Upload stores one local artifact under prefix/<basename> in the
// bucket, computing its SHA256 along the way.
func (c *Client) Upload(ctx context.Context, localPath, prefix string) (*UploadResult, error) {
	key := path.Join(prefix, path.Base(localPath))

	slog.Info("s3_upload_start", "bucket", c.bucket, "key", key, "local_path", localPath)

	f, err := os.Open(localPath)
	if err != nil {
		slog.Error("artifact_open_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat artifact")
	}

	hash := sha256.New()
	reader := io.TeeReader(f, hash)

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to upload artifact")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_upload_complete",
		"key", key,
		"size_mb", info.Size()/1024/1024,
		"sha256", checksum[:16]+"...",
	)

	return &UploadResult{
		Key:    key,
		SHA256: checksum,
		Size:   info.Size(),
	}, nil
}

// UploadAll uploads every artifact, stopping at the first failure.
func (c *Client) UploadAll(ctx context.Context, localPaths []string, prefix string) ([]*UploadResult, error) {
	results := make([]*UploadResult, 0, len(localPaths))
	for _, p := range localPaths {
		res, err := c.Upload(ctx, p, prefix)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		if err.Error() == "NotFound" {
			return false, nil
		}
		slog.Error("s3_head_object_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	return true, nil
}
