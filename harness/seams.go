package harness

import (
	"context"
	"sync"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/servicedef"
)

// LookupHook can replace the result of a topic lookup. Returning nil data and a nil error lets the
// lookup proceed normally.
type LookupHook func(ctx context.Context, topic broker.TopicName) (*servicedef.LookupData, error)

// InterceptingNamespaceService wraps the broker's namespace service, recording every lookup and
// optionally overriding results.
type InterceptingNamespaceService struct {
	delegate broker.NamespaceService
	lock     sync.Mutex
	lookups  []broker.TopicName
	hook     LookupHook
}

var _ broker.NamespaceService = (*InterceptingNamespaceService)(nil)

// NewInterceptingNamespaceService records lookups and then answers them with delegate unless a hook
// is set.
func NewInterceptingNamespaceService(delegate broker.NamespaceService) *InterceptingNamespaceService {
	return &InterceptingNamespaceService{delegate: delegate}
}

func (s *InterceptingNamespaceService) Lookup(ctx context.Context, topic broker.TopicName) (servicedef.LookupData, error) {
	s.lock.Lock()
	s.lookups = append(s.lookups, topic)
	hook := s.hook
	s.lock.Unlock()
	if hook != nil {
		data, err := hook(ctx, topic)
		if err != nil {
			return servicedef.LookupData{}, err
		}
		if data != nil {
			return *data, nil
		}
	}
	return s.delegate.Lookup(ctx, topic)
}

func (s *InterceptingNamespaceService) BundleFor(topic broker.TopicName) string {
	return s.delegate.BundleFor(topic)
}

func (s *InterceptingNamespaceService) Namespaces() []string {
	return s.delegate.Namespaces()
}

// SetLookupHook installs or, with nil, removes a LookupHook.
func (s *InterceptingNamespaceService) SetLookupHook(hook LookupHook) {
	s.lock.Lock()
	s.hook = hook
	s.lock.Unlock()
}

// Lookups returns the topics looked up so far, in order.
func (s *InterceptingNamespaceService) Lookups() []broker.TopicName {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]broker.TopicName(nil), s.lookups...)
}

// CompactionCall is one recorded invocation of a RecordingCompactor.
type CompactionCall struct {
	Topic  string
	Result broker.CompactionResult
	Err    error
}

// RecordingCompactor wraps the broker's compactor so tests can see which topics were compacted
// and can make a compaction fail.
type RecordingCompactor struct {
	delegate broker.Compactor
	lock     sync.Mutex
	calls    []CompactionCall
	failNext error
}

var _ broker.Compactor = (*RecordingCompactor)(nil)

// NewRecordingCompactor records compaction requests and forwards them to delegate.
func NewRecordingCompactor(delegate broker.Compactor) *RecordingCompactor {
	return &RecordingCompactor{delegate: delegate}
}

func (c *RecordingCompactor) Compact(ctx context.Context, topic string) (broker.CompactionResult, error) {
	c.lock.Lock()
	injected := c.failNext
	c.failNext = nil
	c.lock.Unlock()

	var (
		result broker.CompactionResult
		err    error
	)
	if injected != nil {
		result, err = broker.CompactionResult{Topic: topic}, injected
	} else {
		result, err = c.delegate.Compact(ctx, topic)
	}
	c.lock.Lock()
	c.calls = append(c.calls, CompactionCall{Topic: topic, Result: result, Err: err})
	c.lock.Unlock()
	return result, err
}

// FailNext makes the next compaction return err without running.
func (c *RecordingCompactor) FailNext(err error) {
	c.lock.Lock()
	c.failNext = err
	c.lock.Unlock()
}

func (c *RecordingCompactor) Calls() []CompactionCall {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]CompactionCall(nil), c.calls...)
}

func (c *RecordingCompactor) Delegate() broker.Compactor {
	return c.delegate
}
