package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/streamnative/kop-test-harness/coordination"
)

var (
	ErrTopicExists   = errors.New("topic already exists")
	ErrTopicNotFound = errors.New("topic not found")
)

type topicMetadata struct {
	Partitions  int   `json:"partitions"`
	Partitioned bool  `json:"partitioned"`
	Ctime       int64 `json:"ctime"`
}

type topic struct {
	name        TopicName
	partitioned bool
	partitions  []*partitionLog
}

func (t *topic) partition(index int32) *partitionLog {
	if index < 0 || int(index) >= len(t.partitions) {
		return nil
	}
	return t.partitions[index]
}

func (s *Service) getTopic(name TopicName) (*topic, bool) {
	v, ok := s.topics.Load(name.String())
	if !ok {
		return nil, false
	}
	return v.(*topic), true
}

// lookupKafkaTopic resolves a Kafka topic name, creating the topic when allowed.
func (s *Service) lookupKafkaTopic(ctx context.Context, kafkaName string, allowCreate bool) (*topic, error) {
	name, err := ParseTopicName(kafkaName)
	if err != nil {
		return nil, err
	}
	if t, ok := s.getTopic(name); ok {
		return t, nil
	}
	if !allowCreate || !s.conf.AllowAutoTopicCreation {
		return nil, ErrTopicNotFound
	}
	partitions, partitioned := 1, false
	if s.conf.AllowAutoTopicCreationType == TopicTypePartitioned {
		partitions, partitioned = s.conf.DefaultNumPartitions, true
	}
	t, err := s.createTopic(ctx, name, partitions, partitioned)
	if errors.Is(err, ErrTopicExists) {
		if t, ok := s.getTopic(name); ok {
			return t, nil
		}
	}
	return t, err
}

// createTopic registers a topic and opens its partitions.
func (s *Service) createTopic(ctx context.Context, name TopicName, partitions int, partitioned bool) (*topic, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("topic %s needs at least one partition", name)
	}
	s.topicsLock.Lock()
	defer s.topicsLock.Unlock()
	if _, ok := s.getTopic(name); ok {
		return nil, fmt.Errorf("%s: %w", name, ErrTopicExists)
	}
	meta := topicMetadata{Partitions: partitions, Partitioned: partitioned, Ctime: time.Now().UnixMilli()}
	data, _ := json.Marshal(meta)
	if err := s.coord.CreateFullPathOptimistic(name.storePath(), data, nil, coordination.Persistent); err != nil {
		if errors.Is(err, coordination.ErrNodeExists) {
			return nil, fmt.Errorf("%s: %w", name, ErrTopicExists)
		}
		return nil, err
	}
	t, err := s.openTopic(ctx, name, meta)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("Topic", name.String()).Infof("Created topic with %d partition(s)", partitions)
	return t, nil
}

func (s *Service) openTopic(ctx context.Context, name TopicName, meta topicMetadata) (*topic, error) {
	t := &topic{name: name, partitioned: meta.Partitioned}
	for i := 0; i < meta.Partitions; i++ {
		p, err := openPartition(ctx, s, name, int32(i))
		if err != nil {
			for _, opened := range t.partitions {
				opened.close()
			}
			return nil, err
		}
		t.partitions = append(t.partitions, p)
	}
	s.topics.Store(name.String(), t)
	s.metrics.topics.Set(float64(s.topics.Size()))
	return t, nil
}

// deleteTopic removes a topic, its partitions' ledgers and its metadata.
func (s *Service) deleteTopic(ctx context.Context, name TopicName) error {
	s.topicsLock.Lock()
	defer s.topicsLock.Unlock()
	t, ok := s.getTopic(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrTopicNotFound)
	}
	s.topics.Delete(name.String())
	s.metrics.topics.Set(float64(s.topics.Size()))
	var errs []error
	for _, p := range t.partitions {
		errs = append(errs, p.delete(ctx))
	}
	if err := s.coord.DeleteRecursive(name.storePath()); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		errs = append(errs, err)
	}
	s.logger.WithField("Topic", name.String()).Info("Deleted topic")
	return errors.Join(errs...)
}

// loadTopics opens every topic recorded in the coordination store.
func (s *Service) loadTopics(ctx context.Context) error {
	tenants, err := s.coord.Children(managedLedgersRoot)
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		namespaces, err := s.coord.Children(managedLedgersRoot + "/" + tenant)
		if err != nil {
			return err
		}
		for _, ns := range namespaces {
			base := managedLedgersRoot + "/" + tenant + "/" + ns + "/persistent"
			locals, err := s.coord.Children(base)
			if errors.Is(err, coordination.ErrNoNode) {
				continue
			}
			if err != nil {
				return err
			}
			for _, local := range locals {
				data, _, err := s.coord.Get(base + "/" + local)
				if err != nil {
					return err
				}
				var meta topicMetadata
				if err := json.Unmarshal(data, &meta); err != nil {
					return fmt.Errorf("malformed topic metadata at %s/%s: %w", base, local, err)
				}
				name := TopicName{Tenant: tenant, Namespace: ns, Local: local}
				if _, err := s.openTopic(ctx, name, meta); err != nil {
					return err
				}
			}
		}
	}
	if n := s.topics.Size(); n > 0 {
		s.logger.Infof("Loaded %d topic(s)", n)
	}
	return nil
}

// allTopics returns every topic sorted by fully qualified name.
func (s *Service) allTopics() []*topic {
	var ret []*topic
	s.topics.Range(func(key string, value interface{}) bool {
		ret = append(ret, value.(*topic))
		return true
	})
	sort.Slice(ret, func(i, j int) bool { return ret[i].name.String() < ret[j].name.String() })
	return ret
}

// topicsInNamespace lists the fully qualified topic names of a tenant/namespace.
func (s *Service) topicsInNamespace(tenant, namespace string) []string {
	var ret []string
	for _, t := range s.allTopics() {
		if t.name.Tenant == tenant && t.name.Namespace == namespace {
			ret = append(ret, t.name.String())
		}
	}
	return ret
}

// sweepInactiveTopics deletes topics that hold no data and have seen no traffic for maxIdle.
func (s *Service) sweepInactiveTopics(ctx context.Context, maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	for _, t := range s.allTopics() {
		inactive := true
		for _, p := range t.partitions {
			if p.idleSince().After(cutoff) || p.highWatermark() > p.startOffset() {
				inactive = false
				break
			}
		}
		if !inactive {
			continue
		}
		if err := s.deleteTopic(ctx, t.name); err != nil && !errors.Is(err, ErrTopicNotFound) {
			s.logger.WithField("Topic", t.name.String()).Warnf("Failed to delete inactive topic: %s", err)
		}
	}
}
