// Package artifacts offloads large artifact content to a blob store and
// hands back a URI. Content at or under the threshold stays inline in the
// row.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// OffloadThreshold is the inline-content ceiling in bytes.
const OffloadThreshold = 64 << 10

// BlobStore persists artifact blobs addressed by content hash.
type BlobStore interface {
	Put(ctx context.Context, key string, content []byte) (uri string, err error)
}

// Key derives the content-addressed blob key.
func Key(workspaceID string, content []byte) string {
	sum := sha256.Sum256(content)
	return workspaceID + "/" + hex.EncodeToString(sum[:])
}

// Offloader splits artifact content between inline storage and blobs.
type Offloader struct {
	blobs BlobStore
}

// NewOffloader wraps a blob store. A nil store keeps everything inline.
func NewOffloader(b BlobStore) *Offloader { return &Offloader{blobs: b} }

// Place returns either the inline content or a blob URI for the given
// bytes, never both.
func (o *Offloader) Place(ctx context.Context, workspaceID string, content []byte) (inline string, uri string, err error) {
	if o == nil || o.blobs == nil || len(content) <= OffloadThreshold {
		return string(content), "", nil
	}
	uri, err = o.blobs.Put(ctx, Key(workspaceID, content), content)
	if err != nil {
		return "", "", fmt.Errorf("offload artifact: %w", err)
	}
	return "", uri, nil
}

// DirStore is the default blob backend: a directory on local disk.
type DirStore struct {
	Root string
}

func (d *DirStore) Put(_ context.Context, key string, content []byte) (string, error) {
	full := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", err
	}
	return "file://" + full, nil
}

// S3Store offloads blobs to an S3 bucket when ARTIFACT_S3_BUCKET is set.
type S3Store struct {
	Client *s3.Client
	Bucket string
}

func (s *S3Store) Put(ctx context.Context, key string, content []byte) (string, error) {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}
