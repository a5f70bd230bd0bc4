// Package cloudtest provides helpers for publish integration tests against a
// local moto server.
//
// Tests using this package should be tagged with //go:build cloudintegration.
//
// Usage:
//
//	func TestPublish(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    // ... publish artifacts ...
//	    obj := cloudtest.GetObject(t, ctx, bucket, "data/a.csv")
//	}
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// AccessKeyID and SecretAccessKey are accepted by moto as-is.
	AccessKeyID     = "testing"
	SecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint (MOTO_ENDPOINT).
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the region used for tests (MOTO_REGION).
	Region = envOr("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s", Endpoint)
	}
}

// Client returns a shared S3 client configured for moto.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(AccessKeyID, SecretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

// ClientT returns the S3 client, failing the test on error.
func ClientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	return c
}

// CreateBucket creates a uniquely named bucket and deletes it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := ClientT(t)

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { DeleteBucket(t, context.Background(), name) })
	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()
	c := ClientT(t)

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// Object is a published object as read back from the bucket.
type Object struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// GetObject reads key from bucket, failing the test if it is missing.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) Object {
	t.Helper()
	c := ClientT(t)

	out, err := c.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("failed to get object %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("failed to read object %s/%s: %v", bucket, key, err)
	}
	return Object{Body: body, ContentType: aws.ToString(out.ContentType), Metadata: out.Metadata}
}
