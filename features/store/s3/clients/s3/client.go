// Package s3 wraps the AWS S3 SDK behind the narrow surface the object-store
// backend and the results uploader need: byte-level get and put against one
// bucket. Callers build the SDK client from their AWS config and pass it in.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNoSuchKey reports an absent object.
var ErrNoSuchKey = errors.New("s3: no such key")

type (
	// Options configures the client.
	Options struct {
		// API is the SDK S3 client. Required.
		API API
		// Bucket holds every object. Required.
		Bucket string
	}

	// API is the subset of the SDK client the wrapper calls. The SDK's
	// *s3.Client satisfies it.
	API interface {
		GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
		PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	}

	// Client is the narrow object-store surface.
	Client interface {
		// Get returns the object's bytes, or ErrNoSuchKey.
		Get(ctx context.Context, key string) ([]byte, error)
		// Put stores the object.
		Put(ctx context.Context, key string, data []byte, contentType string) error
		// Bucket returns the bucket name, for building s3:// URIs.
		Bucket() string
	}
)

type client struct {
	api    API
	bucket string
}

// New validates the options and returns the client.
func New(opts Options) (Client, error) {
	if opts.API == nil {
		return nil, errors.New("s3 api client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &client{api: opts.API, bucket: opts.Bucket}, nil
}

func (c *client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, key)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close() //nolint:errcheck // read-only body
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

func (c *client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	in := &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (c *client) Bucket() string { return c.bucket }

// isNoSuchKey classifies SDK errors that mean the object is absent.
func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
