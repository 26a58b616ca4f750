package broker

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/streamnative/kop-test-harness/recordbatch"
)

// appendOrdered runs the append on the ordered executor, keyed by partition, and waits for it.
func (s *Service) appendOrdered(p *partitionLog, batches [][]byte) (int64, error) {
	var (
		base int64
		err  error
	)
	done := make(chan struct{})
	if execErr := s.exec.ExecuteOrdered(p.topic.PartitionName(p.index), func() {
		defer close(done)
		base, err = p.appendBatches(batches)
	}); execErr != nil {
		return -1, execErr
	}
	<-done
	return base, err
}

func (c *conn) handleProduce(ctx context.Context, req *kmsg.ProduceRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.ProduceResponse)
	for _, rt := range req.Topics {
		st := kmsg.NewProduceResponseTopic()
		st.Topic = rt.Topic
		t, topicErr := c.svc.lookupKafkaTopic(ctx, rt.Topic, false)
		for _, rp := range rt.Partitions {
			sp := kmsg.NewProduceResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.BaseOffset = -1
			sp.LogAppendTime = -1
			sp.ErrorCode = c.produceTo(t, topicErr, rp, &sp)
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	if req.Acks == 0 {
		return nil
	}
	return resp
}

func (c *conn) produceTo(t *topic, topicErr error, rp kmsg.ProduceRequestTopicPartition, sp *kmsg.ProduceResponseTopicPartition) int16 {
	if topicErr != nil {
		if errors.Is(topicErr, ErrInvalidTopicName) {
			return kerr.InvalidTopicException.Code
		}
		return kerr.UnknownTopicOrPartition.Code
	}
	p := t.partition(rp.Partition)
	if p == nil {
		return kerr.UnknownTopicOrPartition.Code
	}
	batches, err := recordbatch.Split(rp.Records)
	if err != nil {
		c.logger.Infof("Rejecting produce to %s: %s", p.topic.PartitionName(p.index), err)
		return kerr.CorruptMessage.Code
	}
	var records, size int
	for _, b := range batches {
		if err := recordbatch.Validate(b); err != nil {
			c.logger.Infof("Rejecting produce to %s: %s", p.topic.PartitionName(p.index), err)
			return kerr.CorruptMessage.Code
		}
		h, _ := recordbatch.ParseHeader(b)
		records += int(h.RecordCount)
		size += len(b)
	}
	if len(batches) == 0 {
		sp.BaseOffset = p.highWatermark()
		return 0
	}
	base, err := c.svc.appendOrdered(p, batches)
	if err != nil {
		c.logger.Warnf("Append to %s failed: %s", p.topic.PartitionName(p.index), err)
		return kerr.KafkaStorageError.Code
	}
	sp.BaseOffset = base
	sp.LogStartOffset = p.startOffset()
	kafkaName := t.name.KafkaName()
	c.svc.metrics.producedRecords.WithLabelValues(kafkaName).Add(float64(records))
	c.svc.metrics.producedBytes.WithLabelValues(kafkaName).Add(float64(size))
	return 0
}

func (c *conn) handleFetch(ctx context.Context, req *kmsg.FetchRequest) kmsg.Response {
	deadline := time.Now().Add(time.Duration(req.MaxWaitMillis) * time.Millisecond)
	for {
		wait := c.svc.dataSignal()
		resp, size := c.readFetch(ctx, req)
		remaining := time.Until(deadline)
		if size >= int(req.MinBytes) || remaining <= 0 {
			return resp
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			resp, _ = c.readFetch(ctx, req)
			return resp
		case <-ctx.Done():
			timer.Stop()
			return resp
		}
	}
}

func (c *conn) readFetch(ctx context.Context, req *kmsg.FetchRequest) (*kmsg.FetchResponse, int) {
	resp := req.ResponseKind().(*kmsg.FetchResponse)
	resp.SessionID = 0
	total := 0
	for _, rt := range req.Topics {
		st := kmsg.NewFetchResponseTopic()
		st.Topic = rt.Topic
		st.TopicID = rt.TopicID
		t, topicErr := c.svc.lookupKafkaTopic(ctx, rt.Topic, false)
		for _, rp := range rt.Partitions {
			sp := kmsg.NewFetchResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.HighWatermark = -1
			var p *partitionLog
			if topicErr == nil {
				p = t.partition(rp.Partition)
			}
			if p == nil {
				sp.ErrorCode = kerr.UnknownTopicOrPartition.Code
				st.Partitions = append(st.Partitions, sp)
				continue
			}
			sp.HighWatermark = p.highWatermark()
			sp.LastStableOffset = sp.HighWatermark
			sp.LogStartOffset = p.startOffset()
			if req.MaxBytes > 0 && total >= int(req.MaxBytes) {
				st.Partitions = append(st.Partitions, sp)
				continue
			}
			data, err := p.read(rp.FetchOffset, int(rp.PartitionMaxBytes))
			switch {
			case errors.Is(err, errOffsetOutOfRange):
				sp.ErrorCode = kerr.OffsetOutOfRange.Code
			case err != nil:
				c.logger.Warnf("Read from %s failed: %s", p.topic.PartitionName(p.index), err)
				sp.ErrorCode = kerr.KafkaStorageError.Code
			default:
				sp.RecordBatches = data
				total += len(data)
				if len(data) > 0 {
					c.svc.metrics.fetchedBytes.WithLabelValues(t.name.KafkaName()).Add(float64(len(data)))
				}
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp, total
}
