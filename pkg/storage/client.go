// Package storage moves source images and built packages in and out of S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// Scheme prefixes every object location this package accepts.
const Scheme = "s3://"

// Location is a parsed s3://bucket/key URL.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return Scheme + l.Bucket + "/" + l.Key
}

// Join appends name to the key, treating the key as a prefix.
func (l Location) Join(name string) Location {
	return Location{Bucket: l.Bucket, Key: strings.TrimPrefix(path.Join(l.Key, name), "/")}
}

// IsURL reports whether s looks like an s3:// location.
func IsURL(s string) bool {
	return strings.HasPrefix(s, Scheme)
}

// ParseURL splits s3://bucket/key. The key may be empty when allowEmptyKey is set,
// which is how upload prefixes are given.
func ParseURL(s string, allowEmptyKey bool) (Location, error) {
	rest, ok := strings.CutPrefix(s, Scheme)
	if !ok {
		return Location{}, errors.Usage("%q is not an %s URL", s, Scheme)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, errors.Usage("%q has no bucket", s)
	}
	key = strings.Trim(key, "/")
	if key == "" && !allowEmptyKey {
		return Location{}, errors.Usage("%q has no object key", s)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
}

// NewClient creates a new S3 client. Anonymous clients can only read public buckets.
func NewClient(ctx context.Context, region string, anonymous bool) (*Client, error) {
	slog.Debug("s3_client_init", "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download fetches an object into localPath and computes its SHA256
func (c *Client) Download(ctx context.Context, loc Location, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "location", loc.String())

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "location", loc.String(), "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "location", loc.String(), "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to write local file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"location", loc.String(),
		"size", humanize.Bytes(uint64(size)),
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// Upload stores the file at localPath under loc.
func (c *Client) Upload(ctx context.Context, localPath string, loc Location) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to open upload source")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat upload source")
	}

	if exists, err := c.Exists(ctx, loc); err == nil && exists {
		slog.Warn("s3_object_replaced", "location", loc.String())
	}

	slog.Info("s3_upload_start", "location", loc.String(), "size", humanize.Bytes(uint64(fi.Size())))
	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(loc.Key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String("application/vnd.debian.binary-package"),
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "location", loc.String(), "error", err)
		return errors.Wrap(err, "failed to upload object")
	}

	slog.Info("s3_upload_complete", "location", loc.String())
	return nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}
