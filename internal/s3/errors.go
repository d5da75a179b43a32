package s3

import (
	"errors"
	"fmt"
)

// Driver-independent storage errors. Both clients translate service error
// codes into these so callers never look at driver types.
var (
	ErrNoSuchBucket    = errors.New("no such bucket")
	ErrNoSuchKey       = errors.New("no such key")
	ErrNoSuchPolicy    = errors.New("no such bucket policy")
	ErrBucketNotEmpty  = errors.New("bucket not empty")
	ErrBucketOwned     = errors.New("bucket already owned by you")
	ErrBucketTakenElse = errors.New("bucket name taken by another account")
)

var codes = map[string]error{
	"NoSuchBucket":            ErrNoSuchBucket,
	"NoSuchKey":               ErrNoSuchKey,
	"NotFound":                ErrNoSuchKey,
	"NoSuchBucketPolicy":      ErrNoSuchPolicy,
	"BucketNotEmpty":          ErrBucketNotEmpty,
	"BucketAlreadyOwnedByYou": ErrBucketOwned,
	"BucketAlreadyExists":     ErrBucketTakenElse,
}

// classify wraps err with the sentinel matching the service error code.
func classify(code string, err error) error {
	if err == nil {
		return nil
	}
	if s, ok := codes[code]; ok {
		return fmt.Errorf("%w: %v", s, err)
	}
	return err
}

// Options configures either driver.
type Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}
