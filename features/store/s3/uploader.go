package s3

import (
	"context"
	"errors"
	"fmt"
	"path"

	clients3 "causalis.dev/retrodict/features/store/s3/clients/s3"
)

// Uploader persists run summaries to the bucket under
// `<prefix>/results/<key>` and returns s3:// URIs. It satisfies the results
// writer's Uploader interface.
type Uploader struct {
	client clients3.Client
	prefix string
}

// NewUploader returns an Uploader sharing the backend's client.
func NewUploader(client clients3.Client, prefix string) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if prefix == "" {
		prefix = "retrodict"
	}
	return &Uploader{client: client, prefix: prefix}, nil
}

// Upload stores the document and returns its URI.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if key == "" {
		return "", errors.New("upload key is required")
	}
	objectKey := path.Join(u.prefix, "results", key)
	if err := u.client.Put(ctx, objectKey, data, "application/json"); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.client.Bucket(), objectKey), nil
}
