// Package deadletter aggregates dead-lettered jobs across the pipeline's
// queues into a single query surface, mirroring the filter-by-type/
// since/limit shape storage.AuditFilter uses for audit records.
package deadletter

import (
	"context"
	"sort"
	"time"

	"fpai/internal/jobqueue"
)

// Filter narrows a dead-letter query. A zero QueueName matches every
// queue.
type Filter struct {
	QueueName jobqueue.Name
	Since     *time.Time
	Limit     int
}

const defaultQueryLimit = 100

// Record is a dead-lettered job annotated with the queue it fell out of.
type Record struct {
	Queue jobqueue.Name
	jobqueue.DeadLetterRecord
}

// Aggregator queries dead letters across a fixed set of queues.
type Aggregator struct {
	queues []*jobqueue.Queue
}

// New builds an Aggregator over queues. Callers pass the same Queue
// instances the worker pools dequeue from, one per jobqueue.Name.
func New(queues ...*jobqueue.Queue) *Aggregator {
	return &Aggregator{queues: queues}
}

// List returns dead letters matching filter, newest failure first.
func (a *Aggregator) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var records []Record
	for _, q := range a.queues {
		if filter.QueueName != "" && q.Name() != filter.QueueName {
			continue
		}
		// Over-fetch per queue so a sort across queues before truncating
		// to limit doesn't miss a queue's newest failures.
		recs, err := q.ListDeadLetters(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if filter.Since != nil && r.FailedAt.Before(*filter.Since) {
				continue
			}
			records = append(records, Record{Queue: q.Name(), DeadLetterRecord: r})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].FailedAt.After(records[j].FailedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
