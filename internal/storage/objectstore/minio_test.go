package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	bucket, key, err := ParseRef("s3://rzapply-artifacts/t1/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "rzapply-artifacts", bucket)
	assert.Equal(t, "t1/report.pdf", key)

	_, _, err = ParseRef("/tmp/report.pdf")
	assert.ErrorIs(t, err, ErrNotReference)

	_, _, err = ParseRef("s3://bucket-only")
	assert.Error(t, err)

	_, _, err = ParseRef("s3://bucket/")
	assert.Error(t, err)
}

func TestRefRoundTrip(t *testing.T) {
	ref := Ref("b", "/tasks/t1/a.zip")
	assert.Equal(t, "s3://b/tasks/t1/a.zip", ref)

	bucket, key, err := ParseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "tasks/t1/a.zip", key)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "artifacts/t1/out.json", ObjectKey("artifacts", "t1", "out.json"))
	assert.Equal(t, "artifacts/t1/sub/out.json", ObjectKey("artifacts/", "/t1", "sub\\out.json"))
	assert.Equal(t, "a/b", ObjectKey("a", "", "..", "b"))
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}
