package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LogBuffer keeps the most recent limit bytes of service logs for shipping
// on exit.
type LogBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped bool
}

func NewLogBuffer(limit int) *LogBuffer {
	return &LogBuffer{limit: limit}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if b.limit > 0 && b.buf.Len() > b.limit {
		over := b.buf.Len() - b.limit
		// drop whole lines
		if i := bytes.IndexByte(b.buf.Bytes()[over:], '\n'); i >= 0 {
			over += i + 1
		}
		b.buf.Next(over)
		b.dropped = true
	}
	return n, nil
}

// Bytes returns a copy of the buffered logs and whether older lines were
// dropped.
func (b *LogBuffer) Bytes() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes()), b.dropped
}

// LogKey names a shipped log object.
func LogKey(service, host string, at time.Time) string {
	at = at.UTC()
	return path.Join("logs", service, at.Format("2006/01/02"), fmt.Sprintf("%s-%d.log.zst", host, at.Unix()))
}

// ShipLogs uploads logs zstd-compressed to bucket/key.
func ShipLogs(ctx context.Context, store ObjectPutter, bucket, key string, logs []byte) error {
	if store == nil {
		return errors.New("object store is required")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(logs, nil)
	if err := enc.Close(); err != nil {
		return err
	}
	sum := sha256.Sum256(compressed)
	return store.PutObject(ctx, bucket, key, bytes.NewReader(compressed), int64(len(compressed)), hex.EncodeToString(sum[:]))
}

func sha256File(f io.ReadSeeker) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
