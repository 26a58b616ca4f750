package kafkaclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/streamnative/kop-test-harness/logging"
)

var errNoOutcome = errors.New("send completed with neither metadata nor an error")

// CompletionCallback reports how an asynchronous send ended. It logs the partition and offset on
// success or the error on failure, never both.
type CompletionCallback struct {
	key     int32
	message string
	start   time.Time
	logger  logging.Logger

	once     sync.Once
	done     chan struct{}
	metadata *RecordMetadata
	err      error
	elapsed  time.Duration
}

// NewCompletionCallback starts timing a send of key and message.
func NewCompletionCallback(key int32, message string, logger logging.Logger) *CompletionCallback {
	if logger == nil {
		logger = logging.NullLogger()
	}
	return &CompletionCallback{
		key:     key,
		message: message,
		start:   time.Now(),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// OnCompletion records the outcome. Only the first call has any effect.
func (c *CompletionCallback) OnCompletion(metadata *RecordMetadata, err error) {
	c.once.Do(func() {
		c.elapsed = time.Since(c.start)
		if err == nil && metadata == nil {
			err = errNoOutcome
		}
		if err != nil {
			c.err = err
			c.logger.Printf("message(%d, %s) failed after %d ms: %s", c.key, c.message, c.elapsed.Milliseconds(), err)
		} else {
			c.metadata = metadata
			c.logger.Printf("message(%d, %s) sent to partition(%d), offset(%d) in %d ms",
				c.key, c.message, metadata.Partition, metadata.Offset, c.elapsed.Milliseconds())
		}
		close(c.done)
	})
}

// Wait blocks until OnCompletion has been called or ctx ends.
func (c *CompletionCallback) Wait(ctx context.Context) (*RecordMetadata, error) {
	select {
	case <-c.done:
		return c.metadata, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the outcome is known.
func (c *CompletionCallback) Done() <-chan struct{} {
	return c.done
}

// Elapsed is the time from creation to completion, or zero before completion.
func (c *CompletionCallback) Elapsed() time.Duration {
	select {
	case <-c.done:
		return c.elapsed
	default:
		return 0
	}
}
