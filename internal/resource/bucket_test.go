package resource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const principal = "arn:aws:iam::614251495211:root"

func newTestBucket(t *testing.T) (*Bucket, *fake.Storage) {
	t.Helper()
	st := fake.NewStorage()
	b := NewBucket(st, "forest-abc12345", "forest", "eu-central-1", nil)
	require.NoError(t, b.Create(context.Background()))
	return b, st
}

func statements(t *testing.T, policy string) []map[string]any {
	t.Helper()
	var doc struct {
		Version   string
		Statement []map[string]any
	}
	require.NoError(t, json.Unmarshal([]byte(policy), &doc))
	assert.Equal(t, "2012-10-17", doc.Version)
	return doc.Statement
}

func TestBucketCreateToleratesOwnedBucket(t *testing.T) {
	b, _ := newTestBucket(t)
	assert.NoError(t, b.Create(context.Background()))
}

func TestBucketCreateFailure(t *testing.T) {
	st := fake.NewStorage()
	st.Fail("CreateBucket", errors.New("AccessDenied"))
	err := NewBucket(st, "b", "f", "", nil).Create(context.Background())
	assert.ErrorIs(t, err, failure.ErrRemoteCreation)
}

func TestMergePolicyIsIdempotentBySid(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	read := ServiceReadStatement(b.Name, principal)

	require.NoError(t, b.MergePolicy(ctx, read))
	first := st.Policy(b.Name)
	require.NoError(t, b.MergePolicy(ctx, read))
	assert.JSONEq(t, first, st.Policy(b.Name))

	got := statements(t, first)
	require.Len(t, got, 1)
	assert.Equal(t, "Sentinel Hub permissions", got[0]["Sid"])
}

func TestMergePolicyKeepsForeignStatements(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	foreign := `{"Version":"2012-10-17","Statement":[{"Sid":"Backup","Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::forest-abc12345/*"},{"Sid":"Async Permissions","Effect":"Deny"}]}`
	require.NoError(t, st.SetBucketPolicy(ctx, b.Name, foreign))

	require.NoError(t, b.MergePolicy(ctx, ServiceReadStatement(b.Name, principal), AsyncWriteStatement(b.Name, "arn:aws:iam::1:role/async")))

	got := statements(t, st.Policy(b.Name))
	require.Len(t, got, 3)
	assert.Equal(t, "Backup", got[0]["Sid"])
	assert.Equal(t, "s3:GetObject", got[0]["Action"])
	assert.Equal(t, "Async Permissions", got[1]["Sid"])
	assert.Equal(t, "Deny", got[1]["Effect"], "existing statement with the same Sid wins")
	assert.Equal(t, "Sentinel Hub permissions", got[2]["Sid"])
}

func TestMergePolicyDoesNotRewriteExistingSid(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	require.NoError(t, b.MergePolicy(ctx, ServiceReadStatement(b.Name, principal)))
	before := st.Policy(b.Name)

	require.NoError(t, b.MergePolicy(ctx, ServiceReadStatement(b.Name, "arn:aws:iam::999:root")))

	assert.JSONEq(t, before, st.Policy(b.Name))
	assert.NotContains(t, st.Policy(b.Name), "arn:aws:iam::999:root")
}

func TestMergePolicyFailures(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	require.NoError(t, st.SetBucketPolicy(ctx, b.Name, "{not json"))
	assert.ErrorIs(t, b.MergePolicy(ctx, ServiceReadStatement(b.Name, principal)), failure.ErrPolicyMerge)

	require.NoError(t, st.SetBucketPolicy(ctx, b.Name, ""))
	st.Fail("SetBucketPolicy", errors.New("MalformedPolicy"))
	assert.ErrorIs(t, b.MergePolicy(ctx, ServiceReadStatement(b.Name, principal)), failure.ErrPolicyMerge)
}

func TestBucketDeleteIsIdempotent(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "f1/c.tif", []byte("x"), "image/tiff"))

	status, err := b.Delete(ctx)
	require.NoError(t, err)
	assert.Equal(t, Deleted, status)
	assert.False(t, st.HasBucket(b.Name))

	status, err = b.Delete(ctx)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, status)
}

func TestBucketDeleteKeepsForeignObjects(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	st.Seed(b.Name, map[string][]byte{"other/keep.txt": []byte("k"), "forest/f1/c.tif": []byte("x")})

	status, err := b.Delete(ctx)
	require.NoError(t, err)
	assert.Equal(t, Deleted, status)
	assert.Equal(t, []string{"other/keep.txt"}, st.Keys(b.Name))
}

func TestBucketDeleteFailure(t *testing.T) {
	b, st := newTestBucket(t)
	st.Fail("RemoveBucket", errors.New("AccessDenied"))
	status, err := b.Delete(context.Background())
	assert.Equal(t, DeleteFailed, status)
	assert.ErrorIs(t, err, failure.ErrDeletion)
}

func TestBucketReadAndRelocate(t *testing.T) {
	b, st := newTestBucket(t)
	ctx := context.Background()
	st.Seed(b.Name, map[string][]byte{
		"forest/job-1/default.tif":  []byte("A"),
		"forest/job-1/userdata.json": []byte("{}"),
	})

	_, err := b.Read(ctx, "job-1/error.json")
	assert.ErrorIs(t, err, failure.ErrNotFound)

	require.NoError(t, b.Relocate(ctx, "job-1", "f1", map[string]string{"default.tif": "metric.tif"}))
	assert.Equal(t, []string{"forest/f1/metric.tif", "forest/f1/userdata.json"}, st.Keys(b.Name))

	data, err := b.Read(ctx, "f1/metric.tif")
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
	assert.Equal(t, "s3://forest-abc12345/forest", b.Root())
}
