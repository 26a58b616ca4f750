package broker

import (
	"context"
	"fmt"
)

// CompactionResult summarizes one compaction run over all partitions of a topic.
type CompactionResult struct {
	Topic         string
	RecordsBefore int
	RecordsAfter  int
}

// Compactor rewrites a topic keeping only the latest record per key.
type Compactor interface {
	Compact(ctx context.Context, topic string) (CompactionResult, error)
}

type topicCompactor struct {
	svc *Service
}

func (c *topicCompactor) Compact(ctx context.Context, topicName string) (CompactionResult, error) {
	name, err := ParseTopicName(topicName)
	if err != nil {
		return CompactionResult{}, err
	}
	t, ok := c.svc.getTopic(name)
	if !ok {
		return CompactionResult{}, fmt.Errorf("%s: %w", name, ErrTopicNotFound)
	}
	result := CompactionResult{Topic: name.String()}
	for _, p := range t.partitions {
		var (
			before, after int
			err           error
		)
		done := make(chan struct{})
		// Compaction shares the partition's ordered lane with appends.
		if execErr := c.svc.exec.ExecuteOrdered(name.PartitionName(p.index), func() {
			defer close(done)
			before, after, err = p.compact(ctx)
		}); execErr != nil {
			return result, execErr
		}
		<-done
		if err != nil {
			return result, fmt.Errorf("compacting %s: %w", name.PartitionName(p.index), err)
		}
		result.RecordsBefore += before
		result.RecordsAfter += after
	}
	c.svc.metrics.compactions.Inc()
	return result, nil
}
