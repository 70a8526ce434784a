package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Store implements Store against an S3-compatible bucket, using the
// same two-level hash-sharded key layout as FSStore. S3 has no rename
// primitive, so Put emulates FSStore's atomic-rename contract with a
// temporary key plus a copy-then-delete once the hash is known, guarded
// by a HeadObject check against the destination key so two concurrent
// uploads of the same content still produce exactly one winner.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

func NewS3Store(client *s3.Client, bucket, keyPrefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, keyPrefix: keyPrefix}
}

func (s *S3Store) key(hash string) string {
	d1, d2 := Shard(hash)
	return s.keyPrefix + d1 + "/" + d2 + "/" + hash
}

func (s *S3Store) Put(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}

	tmpKey := s.keyPrefix + ".tmp/" + uuid.New().String()

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("blobstore: s3: incomplete upload: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(tmpKey),
		Body:   bytes.NewReader(buf),
	}); err != nil {
		return fmt.Errorf("blobstore: s3: put temp object: %w", err)
	}
	defer s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(tmpKey),
	})

	finalKey := s.key(hash)

	if exists, err := s.Exists(ctx, hash); err == nil && exists {
		return nil
	}

	copySource := s.bucket + "/" + tmpKey
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(copySource),
	}); err != nil {
		return fmt.Errorf("blobstore: s3: copy into place: %w", err)
	}

	return nil
}

func (s *S3Store) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, 0, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("blobstore: s3: get object: %w", err)
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: s3: head object: %w", err)
	}
	return true, nil
}

// ListHashes pages through every object under keyPrefix and returns
// the hash component of each key, skipping the ".tmp/" staging prefix
// Put uses for in-flight uploads.
func (s *S3Store) ListHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	var token *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("blobstore: s3: list objects: %w", err)
		}

		for _, obj := range out.Contents {
			hash := (*obj.Key)[strings.LastIndex(*obj.Key, "/")+1:]
			if ValidateHash(hash) == nil {
				hashes = append(hashes, hash)
			}
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return hashes, nil
}

// Delete removes the object for hash. Deleting a hash that isn't
// present is not an error, matching S3's own DeleteObject semantics.
func (s *S3Store) Delete(ctx context.Context, hash string) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return fmt.Errorf("blobstore: s3: delete object: %w", err)
	}
	return nil
}

// FreeSpace reports a practically unbounded value: S3 buckets don't
// expose a free-space quota the way local filesystems do. Under
// weighted-random placement by free space, this backend is therefore
// chosen over filesystem-backed data services almost every time.
func (s *S3Store) FreeSpace(ctx context.Context) (int64, error) {
	return 1 << 62, nil
}
