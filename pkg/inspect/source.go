package inspect

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bhakti/pkg/container"
)

// Blob is an opened artifact.
type Blob interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Source opens the bytes of an artifact.
type Source interface {
	Open() (Blob, error)
}

// ArtifactHandle identifies one artifact to inspect. It is never modified by the
// pipeline.
type ArtifactHandle struct {
	ID     string
	Kind   container.Kind
	Source Source
}

// HandleForPath builds a handle for a local file, choosing the container kind
// from the file name. An empty id defaults to the path.
func HandleForPath(path, id string) (ArtifactHandle, error) {
	kind, ok := container.KindFromPath(path)
	if !ok {
		return ArtifactHandle{}, fmt.Errorf("inspect: cannot tell container kind of %s", filepath.Base(path))
	}
	if id == "" {
		id = path
	}
	return ArtifactHandle{ID: id, Kind: kind, Source: FileSource(path)}, nil
}

// FileSource reads an artifact from the local filesystem.
func FileSource(path string) Source {
	return fileSource(path)
}

type fileSource string

func (s fileSource) Open() (Blob, error) {
	f, err := os.Open(string(s))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", s)
	}
	return &fileBlob{File: f, size: info.Size()}, nil
}

type fileBlob struct {
	*os.File
	size int64
}

func (b *fileBlob) Size() int64 { return b.size }

// BytesSource serves an artifact held in memory.
func BytesSource(data []byte) Source {
	return bytesSource(data)
}

type bytesSource []byte

func (s bytesSource) Open() (Blob, error) {
	return bytesBlob{bytes.NewReader(s)}, nil
}

type bytesBlob struct {
	*bytes.Reader
}

func (bytesBlob) Close() error { return nil }
