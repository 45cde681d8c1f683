package results

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"bhakti/pkg/inspect"
)

// FileSink appends records to a file, one JSON object per line.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink returns a sink writing to path. The file is created on first use.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("results file path is required")
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Path() string { return s.path }

// Append writes rec as a single line.
func (s *FileSink) Append(rec *inspect.Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open results file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append result: %w", err)
	}
	return f.Close()
}

// ReadRecords parses a results file written by FileSink.
func ReadRecords(r io.Reader) ([]inspect.Record, error) {
	var out []inspect.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 64<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec inspect.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("results line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
