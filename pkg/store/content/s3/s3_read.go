package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/lockfs/pkg/store/content"
)

// Exists reports whether key exists, using HeadObject.
func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.Size(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, content.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Size returns the object's content length, or content.ErrNotFound.
func (d *Driver) Size(ctx context.Context, key string) (size int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() { d.observe("HeadObject", start, err) }()

	result, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%s: %w", key, content.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	return aws.ToInt64(result.ContentLength), nil
}

// Open streams the whole object with a single GetObject.
func (d *Driver) Open(ctx context.Context, key string) (_ io.ReadCloser, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { d.observe("GetObject", start, err) }()

	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, content.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	return &downloadBody{ReadCloser: result.Body, metrics: d.metrics}, nil
}

// OpenReaderAt returns a random-access reader on key. Each ReadAt issues a
// ranged GetObject; the size is fixed when the reader is opened.
func (d *Driver) OpenReaderAt(ctx context.Context, key string) (content.ReadAtCloser, error) {
	size, err := d.Size(ctx, key)
	if err != nil {
		return nil, err
	}
	return &objectReader{ctx: ctx, driver: d, key: key, size: size}, nil
}

// objectReader serves ReadAt with ranged GetObject calls.
type objectReader struct {
	ctx    context.Context
	driver *Driver
	key    string
	size   int64
}

func (r *objectReader) Size() int64 {
	return r.size
}

func (r *objectReader) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	start := time.Now()
	defer func() { r.driver.observe("GetObjectRange", start, err) }()

	result, err := r.driver.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.driver.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read range of %s: %w", r.key, err)
	}
	defer func() { _ = result.Body.Close() }()

	want := int(end - off + 1)
	n, err = io.ReadFull(result.Body, p[:want])
	r.driver.metrics.AddBytes("download", int64(n))
	if err != nil {
		return n, fmt.Errorf("failed to read range of %s: %w", r.key, err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *objectReader) Close() error {
	return nil
}
