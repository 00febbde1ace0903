package s3

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/marmos91/lockfs/internal/logger"
)

// Stage uploads localFile to "<finalKey>.lockfs-stage-<uuid>" and returns
// that key. Files above the multipart threshold are uploaded in parts.
func (d *Driver) Stage(ctx context.Context, localFile, finalKey string) (_ string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("failed to open staged payload %s: %w", localFile, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat staged payload %s: %w", localFile, err)
	}

	tempKey := finalKey + ".lockfs-stage-" + uuid.NewString()

	if info.Size() > d.multipartThreshold {
		if err := d.uploadParts(ctx, f, tempKey, info.Size()); err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", tempKey, err)
		}
		return tempKey, nil
	}

	start := time.Now()
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(tempKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	d.observe("PutObject", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", tempKey, err)
	}

	d.metrics.AddBytes("upload", info.Size())
	return tempKey, nil
}

// AtomicReplace copies tempKey over finalKey server-side, then removes tempKey.
// Objects above the multipart threshold are copied with UploadPartCopy, since
// CopyObject rejects sources larger than 5 GiB. A leftover staging object
// after a failed cleanup is harmless and logged.
func (d *Driver) AtomicReplace(ctx context.Context, tempKey, finalKey string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	size, err := d.Size(ctx, tempKey)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", tempKey, finalKey, err)
	}

	source := (&url.URL{Path: d.bucket + "/" + tempKey}).EscapedPath()

	if size > d.multipartThreshold {
		err = d.copyParts(ctx, source, finalKey, size)
	} else {
		start := time.Now()
		_, err = d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(finalKey),
			CopySource: aws.String(source),
		})
		d.observe("CopyObject", start, err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", tempKey, finalKey, err)
	}

	if err := d.Delete(ctx, tempKey); err != nil {
		logger.Warn("Failed to remove staging object %s: %v", tempKey, err)
	}

	return nil
}

// Delete removes key. A missing key is not an error.
func (d *Driver) Delete(ctx context.Context, key string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	defer func() { d.observe("DeleteObject", start, err) }()

	_, err = d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
