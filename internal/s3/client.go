package s3

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client is the MinIO driver, used for S3-compatible stores.
type Client struct{ mc *minio.Client }

func normalizeEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	secure = useSSL
	if endpoint == "" {
		return "", secure
	}
	// scheme wins over the useSSL flag
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil {
			secure = u.Scheme == "https"
			return u.Host, secure
		}
	}
	return endpoint, secure
}

func NewMinio(o Options) (*Client, error) {
	endpoint, secure := normalizeEndpoint(o.Endpoint, o.UseSSL)
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: secure,
		Region: o.Region,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc}, nil
}

func minioErr(err error) error {
	if err == nil {
		return nil
	}
	return classify(minio.ToErrorResponse(err).Code, err)
}

func (c *Client) CreateBucket(ctx context.Context, name, region string) error {
	return minioErr(c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}))
}

func (c *Client) BucketPolicy(ctx context.Context, bucket string) (string, error) {
	p, err := c.mc.GetBucketPolicy(ctx, bucket)
	if err != nil {
		return "", minioErr(err)
	}
	if p == "" {
		return "", ErrNoSuchPolicy
	}
	return p, nil
}

func (c *Client) SetBucketPolicy(ctx context.Context, bucket, policy string) error {
	return minioErr(c.mc.SetBucketPolicy(ctx, bucket, policy))
}

func (c *Client) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	return minioErr(err)
}

func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioErr(err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, minioErr(err)
	}
	return b, nil
}

func (c *Client) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: bucket, Object: dstKey}
	_, err := c.mc.CopyObject(ctx, dst, src)
	return minioErr(err)
}

func (c *Client) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var out []string
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, minioErr(obj.Err)
		}
		out = append(out, obj.Key)
	}
	return out, nil
}

// RemovePrefix deletes every object under prefix.
func (c *Client) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	keys, err := c.ListKeys(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	objCh := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objCh <- minio.ObjectInfo{Key: k}
	}
	close(objCh)
	for rErr := range c.mc.RemoveObjects(ctx, bucket, objCh, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil {
			return minioErr(rErr.Err)
		}
	}
	return nil
}

func (c *Client) RemoveBucket(ctx context.Context, name string) error {
	return minioErr(c.mc.RemoveBucket(ctx, name))
}
