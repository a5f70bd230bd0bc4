//go:build cloudintegration

package materialize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/golade/pkg/resolve"
	"github.com/3leaps/golade/test/cloudtest"
)

func TestS3Writer_PublishToMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	w, err := NewS3Writer(ctx, S3Config{
		Bucket:          bucket,
		Prefix:          "site/data",
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.AccessKeyID,
		SecretAccessKey: cloudtest.SecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	id, err := resolve.New(nil, nil).Resolve("quakes/latest.json.py")
	require.NoError(t, err)

	dest, err := w.Commit(ctx, id, []byte(`{"n":3}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/site/data/quakes/latest.json", dest)

	obj := cloudtest.GetObject(t, ctx, bucket, "site/data/quakes/latest.json")
	assert.JSONEq(t, `{"n":3}`, string(obj.Body))
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Equal(t, "quakes/latest.json.py", obj.Metadata["golade-source"])

	// A second commit replaces the object.
	_, err = w.Commit(ctx, id, []byte(`{"n":4}`))
	require.NoError(t, err)
	obj = cloudtest.GetObject(t, ctx, bucket, "site/data/quakes/latest.json")
	assert.JSONEq(t, `{"n":4}`, string(obj.Body))
}
