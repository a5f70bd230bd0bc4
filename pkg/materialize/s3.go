package materialize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/3leaps/golade/pkg/resolve"
)

// DefaultAWSRegion is used for AWS S3 when no region resolves.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3 publishing sink.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores set Endpoint and,
// usually, ForcePathStyle.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Validate checks required fields.
func (c *S3Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("s3 publish: bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 publish: access key ID and secret access key must be provided together")
	}
	return nil
}

// PutObjectAPI is the subset of the S3 client used by S3Writer.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer publishes artifacts as objects. A single PutObject is atomic:
// readers see the previous object or the new one, never a partial upload.
type S3Writer struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Writer builds an S3 client from cfg.
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3WriterWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WriterWithClient wraps an existing client.
func NewS3WriterWithClient(client PutObjectAPI, bucket, prefix string) *S3Writer {
	return &S3Writer{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Key returns the object key for id.
func (w *S3Writer) Key(id resolve.Identity) string {
	if w.prefix == "" {
		return id.LogicalPath
	}
	return path.Join(w.prefix, id.LogicalPath)
}

// Commit uploads data with the identity's MIME type.
func (w *S3Writer) Commit(ctx context.Context, id resolve.Identity, data []byte) (string, error) {
	key := w.Key(id)
	uri := "s3://" + w.bucket + "/" + key

	mime := id.ContentType.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mime),
		Metadata:      map[string]string{"golade-source": id.SourcePath},
	})
	if err != nil {
		return "", &WriteError{Op: "put", Path: uri, Err: describeS3Error(err)}
	}
	return uri, nil
}

// describeS3Error surfaces the service error code when there is one.
func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
