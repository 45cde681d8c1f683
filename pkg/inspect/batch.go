package inspect

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult pairs a handle's record with its error, if any.
type BatchResult struct {
	Handle ArtifactHandle
	Record *Record
	Err    error
}

// InspectBatch inspects handles with at most concurrency in flight. Results are
// in input order and one failure never stops the others.
func (p *Pipeline) InspectBatch(ctx context.Context, handles []ArtifactHandle, concurrency int) []BatchResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]BatchResult, len(handles))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, h := range handles {
		g.Go(func() error {
			rec, err := p.Inspect(ctx, h)
			results[i] = BatchResult{Handle: h, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
