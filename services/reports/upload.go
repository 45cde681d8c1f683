package reports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ObjectPutter stores objects in a bucket.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256hex string) error
}

// Upload copies a bundle to bucket/key with its SHA-256 checksum.
func Upload(ctx context.Context, store ObjectPutter, bundlePath, bucket, key string) error {
	if store == nil {
		return errors.New("object store is required")
	}
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hash bundle: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := store.PutObject(ctx, bucket, key, f, size, hex.EncodeToString(h.Sum(nil))); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
