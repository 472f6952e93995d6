package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"fleetledger/internal/config"
	"fleetledger/internal/ledger"
)

// versionKey is the object metadata key holding a metadata item's version.
const versionKey = "ledger-version"

// S3Vault stores chunks and metadata as objects in an S3 bucket:
//
//	<prefix>/content/<blobID>/<index>
//	<prefix>/metadata/<name>
//
// Metadata versions are kept in the object's user metadata.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault creates an S3 vault from cfg. Empty credentials fall back to the
// default AWS credential chain. A custom endpoint (e.g. MinIO) switches to
// path-style addressing.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) chunkKey(blobID string, index int) string {
	return path.Join(v.prefix, "content", blobID, strconv.Itoa(index))
}

func (v *S3Vault) metadataKey(name string) string {
	return path.Join(v.prefix, "metadata", name)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (v *S3Vault) put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	counter := &countingReader{r: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(v.bucket),
		Key:      aws.String(key),
		Body:     counter,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if counter.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counter.n)
	}
	return nil
}

func (v *S3Vault) get(ctx context.Context, key string, w io.Writer, notFound error) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return notFound
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

// PutChunk uploads chunk index of blobID. Uploading the same chunk twice
// overwrites it with identical bytes.
func (v *S3Vault) PutChunk(ctx context.Context, blobID string, index int, r io.Reader, size int64) error {
	return v.put(ctx, v.chunkKey(blobID, index), r, size, nil)
}

func (v *S3Vault) GetChunk(ctx context.Context, blobID string, index int, w io.Writer) error {
	return v.get(ctx, v.chunkKey(blobID, index), w,
		fmt.Errorf("%w: %s/%d", ledger.ErrChunkNotFound, blobID, index))
}

func (v *S3Vault) PutMetadata(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	return v.put(ctx, v.metadataKey(name), r, size, map[string]string{
		versionKey: strconv.FormatInt(version, 10),
	})
}

func (v *S3Vault) GetMetadata(ctx context.Context, name string, w io.Writer) error {
	return v.get(ctx, v.metadataKey(name), w, fmt.Errorf("metadata %q not found", name))
}

// GetMetadataVersion returns 0 when the item does not exist.
func (v *S3Vault) GetMetadataVersion(ctx context.Context, name string) (int64, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.metadataKey(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading metadata version: %w", err)
	}
	raw, ok := out.Metadata[versionKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Compile-time check that S3Vault implements ledger.Vault interface
var _ ledger.Vault = (*S3Vault)(nil)
