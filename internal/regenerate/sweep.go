package regenerate

import (
	"context"
	"errors"
	"time"
)

// Batcher is anything that can count and process batches: the local
// Regenerator or the admin API client.
type Batcher interface {
	CountImages(ctx context.Context) (int, error)
	ProcessBatch(ctx context.Context, offset, limit int) (Result, error)
}

// Progress is the running total of a sweep.
type Progress struct {
	Total     int
	Offset    int
	Processed int
	Errors    int
	Messages  []string
}

// Local adapts a Regenerator to Batcher.
type Local struct{ *Regenerator }

func (l Local) ProcessBatch(ctx context.Context, offset, limit int) (Result, error) {
	return l.Regenerator.ProcessBatch(ctx, offset, limit), nil
}

// Sweep drives batches from offset 0 until every counted asset has been
// attempted, pausing between batches. Cancelling ctx stops it between
// batches; an in-flight batch always completes. The offset advances by
// the number of assets attempted so a failing asset is never retried
// within one sweep.
func Sweep(ctx context.Context, b Batcher, limit int, pause time.Duration, onBatch func(Progress)) (Progress, error) {
	var p Progress

	total, err := b.CountImages(ctx)
	if err != nil {
		return p, err
	}
	p.Total = total

	for p.Offset < p.Total {
		if err := ctx.Err(); err != nil {
			return p, err
		}

		res, err := b.ProcessBatch(ctx, p.Offset, limit)
		if err != nil {
			return p, err
		}

		attempted := res.Processed + res.Errors
		p.Processed += res.Processed
		p.Errors += res.Errors
		p.Messages = append(p.Messages, res.Messages...)

		if attempted == 0 {
			// Catalog shrank under us, or the listing failed.
			if len(res.Messages) > 0 {
				return p, errors.New(res.Messages[0])
			}
			break
		}
		p.Offset += attempted

		if onBatch != nil {
			onBatch(p)
		}

		if p.Offset < p.Total && pause > 0 {
			select {
			case <-ctx.Done():
				return p, ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return p, nil
}
