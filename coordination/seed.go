package coordination

import (
	"fmt"

	"github.com/streamnative/kop-test-harness/executor"
)

const (
	// LedgersRoot is the root under which log-store metadata lives.
	LedgersRoot = "/ledgers"
	// AvailableBookiesPath lists the log-store nodes that are ready to accept writes.
	AvailableBookiesPath = LedgersRoot + "/available"
	// LayoutPath holds the log-store metadata layout record.
	LayoutPath = LedgersRoot + "/LAYOUT"
	// LayoutRecord is the layout payload: format version 1, flat ledger manager version 1.
	LayoutRecord = "1\nflat:1"
	// DefaultBookieAddress is the placement record seeded by NewSeeded.
	DefaultBookieAddress = "192.168.1.1:5000"
)

// NewSeeded creates a store whose callbacks run inline and which already contains the two
// records a log store needs before it can initialize: an available placement record for
// bookieAddr and the layout record. Any seeding failure is returned and the store discarded.
func NewSeeded(bookieAddr string) (*Store, error) {
	if bookieAddr == "" {
		bookieAddr = DefaultBookieAddress
	}
	s := New(executor.Direct{})
	if err := Seed(s, bookieAddr); err != nil {
		s.Shutdown()
		return nil, err
	}
	return s, nil
}

// Seed writes the two startup records into an existing store. It fails if either already exists.
func Seed(s *Store, bookieAddr string) error {
	var noACL []ACL
	if err := s.CreateFullPathOptimistic(AvailableBookiesPath+"/"+bookieAddr, []byte(""), noACL, Persistent); err != nil {
		return fmt.Errorf("seeding placement record: %w", err)
	}
	if _, err := s.Create(LayoutPath, []byte(LayoutRecord), noACL, Persistent); err != nil {
		return fmt.Errorf("seeding layout record: %w", err)
	}
	return nil
}
