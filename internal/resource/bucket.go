package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/s3"
)

// ObjectStore is the storage surface a Bucket needs. Errors are expected to
// match the s3 package sentinels.
type ObjectStore interface {
	CreateBucket(ctx context.Context, name, region string) error
	BucketPolicy(ctx context.Context, bucket string) (string, error)
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	RemovePrefix(ctx context.Context, bucket, prefix string) error
	RemoveBucket(ctx context.Context, name string) error
}

// Bucket is a storage container scoped to one folder. Keys passed to its
// methods are relative to the folder.
type Bucket struct {
	Name   string
	Folder string
	Region string

	store  ObjectStore
	logger logging.Logger
}

func NewBucket(store ObjectStore, name, folder, region string, logger logging.Logger) *Bucket {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bucket{Name: name, Folder: folder, Region: region, store: store, logger: logger}
}

func (b *Bucket) Describe() string { return "bucket " + b.Name + "/" + b.Folder }

// Create makes the bucket. A bucket we already own counts as created.
func (b *Bucket) Create(ctx context.Context) error {
	err := b.store.CreateBucket(ctx, b.Name, b.Region)
	if errors.Is(err, s3.ErrBucketOwned) {
		b.logger.Info("bucket already owned", "bucket", b.Name)
		return nil
	}
	if err != nil {
		return failure.Wrap(failure.ErrRemoteCreation, "create bucket "+b.Name, err)
	}
	return nil
}

// Statement is one access-policy statement. Statements are merged by Sid.
type Statement struct {
	Sid       string            `json:"Sid"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource"`
}

const policyVersion = "2012-10-17"

// ServiceReadStatement lets the processing service read the bucket.
func ServiceReadStatement(bucket, principalARN string) Statement {
	return Statement{
		Sid:       "Sentinel Hub permissions",
		Effect:    "Allow",
		Principal: map[string]string{"AWS": principalARN},
		Action:    []string{"s3:GetBucketLocation", "s3:ListBucket", "s3:GetObject"},
		Resource:  []string{"arn:aws:s3:::" + bucket, "arn:aws:s3:::" + bucket + "/*"},
	}
}

// AsyncWriteStatement lets the asynchronous processing role deliver output.
func AsyncWriteStatement(bucket, roleARN string) Statement {
	return Statement{
		Sid:       "Async Permissions",
		Effect:    "Allow",
		Principal: map[string]string{"AWS": roleARN},
		Action:    []string{"s3:GetObject", "s3:PutObject"},
		Resource:  []string{"arn:aws:s3:::" + bucket + "/*"},
	}
}

type policyDoc struct {
	Version   string            `json:"Version"`
	Statement []json.RawMessage `json:"Statement"`
}

// MergePolicy appends statements whose Sid the bucket policy lacks. A
// statement already present under the same Sid wins and is left untouched,
// so merging twice is a no-op.
func (b *Bucket) MergePolicy(ctx context.Context, statements ...Statement) error {
	op := "merge policy " + b.Name
	current, err := b.store.BucketPolicy(ctx, b.Name)
	switch {
	case errors.Is(err, s3.ErrNoSuchPolicy):
		current = ""
	case err != nil:
		return failure.Wrap(failure.ErrPolicyMerge, op, err)
	}
	merged, err := mergePolicy(current, statements)
	if err != nil {
		return failure.Wrap(failure.ErrPolicyMerge, op, err)
	}
	if err := b.store.SetBucketPolicy(ctx, b.Name, merged); err != nil {
		return failure.Wrap(failure.ErrPolicyMerge, op, err)
	}
	return nil
}

func mergePolicy(current string, statements []Statement) (string, error) {
	doc := policyDoc{Version: policyVersion}
	if strings.TrimSpace(current) != "" {
		if err := json.Unmarshal([]byte(current), &doc); err != nil {
			return "", fmt.Errorf("decode existing policy: %w", err)
		}
	}
	present := map[string]bool{}
	for i, raw := range doc.Statement {
		var head struct {
			Sid string `json:"Sid"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return "", fmt.Errorf("decode statement %d: %w", i, err)
		}
		if head.Sid != "" {
			present[head.Sid] = true
		}
	}
	for _, st := range statements {
		if present[st.Sid] {
			continue
		}
		raw, err := json.Marshal(st)
		if err != nil {
			return "", err
		}
		present[st.Sid] = true
		doc.Statement = append(doc.Statement, raw)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *Bucket) key(rel string) string { return path.Join(b.Folder, rel) }

// Root is the s3:// URL of the folder.
func (b *Bucket) Root() string { return "s3://" + b.Name + "/" + b.Folder }

func (b *Bucket) Write(ctx context.Context, rel string, data []byte, contentType string) error {
	if err := b.store.PutObject(ctx, b.Name, b.key(rel), data, contentType); err != nil {
		return fmt.Errorf("write %s/%s: %w", b.Name, b.key(rel), err)
	}
	return nil
}

// Read returns failure.ErrNotFound for a missing object.
func (b *Bucket) Read(ctx context.Context, rel string) ([]byte, error) {
	data, err := b.store.GetObject(ctx, b.Name, b.key(rel))
	if errors.Is(err, s3.ErrNoSuchKey) {
		return nil, failure.Wrap(failure.ErrNotFound, "read "+b.key(rel), err)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", b.Name, b.key(rel), err)
	}
	return data, nil
}

// Relocate copies every object below from to the same relative path below
// to, renaming files found in rename, then removes from.
func (b *Bucket) Relocate(ctx context.Context, from, to string, rename map[string]string) error {
	prefix := b.key(from) + "/"
	keys, err := b.store.ListKeys(ctx, b.Name, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, k := range keys {
		rel := strings.TrimPrefix(k, prefix)
		if n, ok := rename[rel]; ok {
			rel = n
		}
		if err := b.store.CopyObject(ctx, b.Name, k, b.key(path.Join(to, rel))); err != nil {
			return fmt.Errorf("copy %s: %w", k, err)
		}
	}
	return b.RemoveFolder(ctx, from)
}

func (b *Bucket) RemoveFolder(ctx context.Context, rel string) error {
	if err := b.store.RemovePrefix(ctx, b.Name, b.key(rel)+"/"); err != nil && !errors.Is(err, s3.ErrNoSuchBucket) {
		return fmt.Errorf("remove %s: %w", b.key(rel), err)
	}
	return nil
}

// Delete removes the folder, then the bucket. A bucket still holding other
// data is left in place; the folder is what this monitor owns.
func (b *Bucket) Delete(ctx context.Context) (DeleteStatus, error) {
	err := b.store.RemovePrefix(ctx, b.Name, b.Folder+"/")
	if errors.Is(err, s3.ErrNoSuchBucket) {
		return AlreadyAbsent, nil
	}
	if err != nil {
		return DeleteFailed, failure.Wrap(failure.ErrDeletion, "delete folder "+b.Name+"/"+b.Folder, err)
	}
	err = b.store.RemoveBucket(ctx, b.Name)
	switch {
	case err == nil:
		return Deleted, nil
	case errors.Is(err, s3.ErrNoSuchBucket):
		return AlreadyAbsent, nil
	case errors.Is(err, s3.ErrBucketNotEmpty):
		b.logger.Warn("bucket kept, holds foreign objects", "bucket", b.Name)
		return Deleted, nil
	}
	return DeleteFailed, failure.Wrap(failure.ErrDeletion, "delete bucket "+b.Name, err)
}
