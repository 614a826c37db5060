// Package storage provides S3 object access for artifacts published to a
// bucket and referenced as s3://bucket/key in a repo list.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fly-io/modelworker/pkg/errors"
)

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
}

// NewClient creates an S3 client. With anonymous set, requests are unsigned,
// which is what public model buckets expect.
func NewClient(ctx context.Context, region string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "region", region, "anonymous", anonymous)

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

// Location is a parsed s3:// link.
type Location struct {
	Bucket string
	Key    string
}

// ParseLocation parses s3://bucket/key.
func ParseLocation(link string) (Location, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Location{}, errors.Wrap(err, "invalid s3 link")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return Location{}, fmt.Errorf("not an s3 link: %s", link)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return Location{}, fmt.Errorf("s3 link has no object key: %s", link)
	}
	return Location{Bucket: u.Host, Key: key}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	SHA256 string
	Size   int64
}

// Download streams an object into w and computes its SHA256.
func (c *Client) Download(ctx context.Context, loc Location, w io.Writer) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", loc.Bucket, "s3_key", loc.Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", loc.Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(w, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", loc.Key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_download_complete",
		"s3_key", loc.Key,
		"size_mb", size/1024/1024,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{SHA256: checksum, Size: size}, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if stderrors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "s3_key", loc.Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", loc.Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}
