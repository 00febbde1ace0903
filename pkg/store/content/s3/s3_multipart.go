package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/lockfs/internal/logger"
)

const (
	// maxSingleRequest is the largest object a single PutObject or CopyObject
	// may carry.
	maxSingleRequest = 5 << 30

	// defaultPartSize keeps a 5 TiB object under the 10,000 part limit.
	defaultPartSize = 512 << 20

	maxParts = 10000
)

// byteRange is an inclusive [first, last] span of an object.
type byteRange struct {
	first, last int64
}

func (r byteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.first, r.last)
}

func (r byteRange) length() int64 {
	return r.last - r.first + 1
}

// partRanges splits size bytes into consecutive parts of at most partSize.
// The part size grows when size would otherwise need more than maxParts.
func partRanges(size, partSize int64) []byteRange {
	if size <= 0 {
		return nil
	}
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	if floor := (size + maxParts - 1) / maxParts; partSize < floor {
		partSize = floor
	}

	ranges := make([]byteRange, 0, (size+partSize-1)/partSize)
	for off := int64(0); off < size; off += partSize {
		last := off + partSize - 1
		if last >= size {
			last = size - 1
		}
		ranges = append(ranges, byteRange{first: off, last: last})
	}
	return ranges
}

// multipart runs one multipart upload of key. part is called for every range
// in order and returns the ETag of the uploaded part. The upload is aborted
// when any part fails.
func (d *Driver) multipart(ctx context.Context, key string, ranges []byteRange,
	part func(ctx context.Context, uploadID string, number int32, r byteRange) (*string, error)) (err error) {
	start := time.Now()
	created, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	d.observe("CreateMultipartUpload", start, err)
	if err != nil {
		return fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	defer func() {
		if err != nil {
			d.abortMultipart(key, uploadID)
		}
	}()

	completed := make([]types.CompletedPart, 0, len(ranges))
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}
		number := int32(i + 1)
		etag, err := part(ctx, uploadID, number, r)
		if err != nil {
			return fmt.Errorf("failed to upload part %d of %s: %w", number, key, err)
		}
		completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(number)})
	}

	start = time.Now()
	_, err = d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	d.observe("CompleteMultipartUpload", start, err)
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

// abortMultipart runs on a fresh context so a cancelled caller still cleans
// up its parts.
func (d *Driver) abortMultipart(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	_, err := d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	d.observe("AbortMultipartUpload", start, err)

	var noSuchUpload *types.NoSuchUpload
	if err != nil && !errors.As(err, &noSuchUpload) {
		logger.Warn("Failed to abort multipart upload %s of %s: %v", uploadID, key, err)
	}
}

// uploadParts uploads f to key in parts read straight from the file.
func (d *Driver) uploadParts(ctx context.Context, f *os.File, key string, size int64) error {
	return d.multipart(ctx, key, partRanges(size, d.partSize),
		func(ctx context.Context, uploadID string, number int32, r byteRange) (_ *string, err error) {
			start := time.Now()
			defer func() { d.observe("UploadPart", start, err) }()

			result, err := d.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(d.bucket),
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(number),
				Body:          io.NewSectionReader(f, r.first, r.length()),
				ContentLength: aws.Int64(r.length()),
			})
			if err != nil {
				return nil, err
			}
			d.metrics.AddBytes("upload", r.length())
			return result.ETag, nil
		})
}

// copyParts copies source (bucket/key, escaped) over key with ranged
// UploadPartCopy calls.
func (d *Driver) copyParts(ctx context.Context, source, key string, size int64) error {
	return d.multipart(ctx, key, partRanges(size, d.partSize),
		func(ctx context.Context, uploadID string, number int32, r byteRange) (_ *string, err error) {
			start := time.Now()
			defer func() { d.observe("UploadPartCopy", start, err) }()

			result, err := d.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(d.bucket),
				Key:             aws.String(key),
				UploadId:        aws.String(uploadID),
				PartNumber:      aws.Int32(number),
				CopySource:      aws.String(source),
				CopySourceRange: aws.String(r.header()),
			})
			if err != nil {
				return nil, err
			}
			if result.CopyPartResult == nil {
				return nil, fmt.Errorf("no copy result for part %d", number)
			}
			return result.CopyPartResult.ETag, nil
		})
}
