package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// AWSClient is the AWS SDK driver. Bucket policies granting the processing
// service access only exist on AWS, so this is the default driver.
type AWSClient struct{ api *awss3.Client }

func NewAWS(o Options) *AWSClient {
	cfg := aws.Config{Region: o.Region}
	if o.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")
	}
	api := awss3.NewFromConfig(cfg, func(opts *awss3.Options) {
		if o.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.Endpoint)
			opts.UsePathStyle = true
		}
	})
	return &AWSClient{api: api}
}

func awsErr(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return classify(ae.ErrorCode(), err)
	}
	return err
}

func (c *AWSClient) CreateBucket(ctx context.Context, name, region string) error {
	in := &awss3.CreateBucketInput{Bucket: aws.String(name)}
	// us-east-1 rejects an explicit location constraint
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{LocationConstraint: types.BucketLocationConstraint(region)}
	}
	_, err := c.api.CreateBucket(ctx, in)
	return awsErr(err)
}

func (c *AWSClient) BucketPolicy(ctx context.Context, bucket string) (string, error) {
	out, err := c.api.GetBucketPolicy(ctx, &awss3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	if err != nil {
		return "", awsErr(err)
	}
	if p := aws.ToString(out.Policy); p != "" {
		return p, nil
	}
	return "", ErrNoSuchPolicy
}

func (c *AWSClient) SetBucketPolicy(ctx context.Context, bucket, policy string) error {
	_, err := c.api.PutBucketPolicy(ctx, &awss3.PutBucketPolicyInput{Bucket: aws.String(bucket), Policy: aws.String(policy)})
	return awsErr(err)
}

func (c *AWSClient) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := c.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return awsErr(err)
}

func (c *AWSClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, awsErr(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (c *AWSClient) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := c.api.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(bucket, srcKey)),
	})
	return awsErr(err)
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func (c *AWSClient) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var out []string
	p := awss3.NewListObjectsV2Paginator(c.api, &awss3.ListObjectsV2Input{Bucket: aws.String(bucket), Prefix: aws.String(prefix)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, awsErr(err)
		}
		for _, obj := range page.Contents {
			out = append(out, aws.ToString(obj.Key))
		}
	}
	return out, nil
}

// deleteBatch is the DeleteObjects request limit.
const deleteBatch = 1000

func (c *AWSClient) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	keys, err := c.ListKeys(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := c.api.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return awsErr(err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return classify(aws.ToString(e.Code), errors.New(aws.ToString(e.Key)+": "+aws.ToString(e.Message)))
		}
	}
	return nil
}

func (c *AWSClient) RemoveBucket(ctx context.Context, name string) error {
	_, err := c.api.DeleteBucket(ctx, &awss3.DeleteBucketInput{Bucket: aws.String(name)})
	return awsErr(err)
}
