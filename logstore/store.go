// Package logstore implements an in-memory double of a distributed append-only log store.
//
// Data is organized in ledgers: numbered, append-only sequences of entries. A ledger is written
// through the handle that created it until it is closed or fenced; any number of readers can
// open it afterwards. Ledger metadata is mirrored into the coordination store the same way a real
// log store would, so the store refuses to start unless the coordination store has been seeded
// with the layout and placement records.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync"
	"github.com/sirupsen/logrus"

	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logging"
)

var (
	ErrStoreClosed    = errors.New("log store is closed")
	ErrNoSuchLedger   = errors.New("no such ledger")
	ErrLedgerClosed   = errors.New("ledger is closed")
	ErrLedgerFenced   = errors.New("ledger has been fenced")
	ErrReadOnly       = errors.New("ledger handle is read-only")
	ErrNoEntry        = errors.New("no such entry")
	ErrNotInitialized = errors.New("coordination store has not been initialized for the log store")
)

const ledgerPathPrefix = coordination.LedgersRoot + "/L"

// Entry is one record read back from a ledger.
type Entry struct {
	LedgerID int64
	EntryID  int64
	Data     []byte
}

// LedgerState is the persisted state of a ledger.
type LedgerState string

const (
	LedgerOpen   LedgerState = "OPEN"
	LedgerClosed LedgerState = "CLOSED"
)

// LedgerMetadata is what the store writes to the coordination store for each ledger.
type LedgerMetadata struct {
	LedgerID     int64       `json:"ledgerId"`
	EnsembleSize int         `json:"ensembleSize"`
	WriteQuorum  int         `json:"writeQuorumSize"`
	State        LedgerState `json:"state"`
	LastEntryID  int64       `json:"lastEntryId"`
	Ctime        int64       `json:"ctime"`
}

type ledger struct {
	id       int64
	meta     LedgerMetadata
	entries  [][]byte
	closed   bool
	fenced   bool
	lock     sync.RWMutex
	appended chan struct{}
}

// Store is the in-memory log store.
type Store struct {
	coord   *coordination.Store
	exec    executor.Executor
	ledgers *xsync.Map
	nextID  int64
	closed  int32
	logger  *logrus.Entry
}

// New creates a store bound to a coordination store and an executor for asynchronous
// completions. It fails with ErrNotInitialized unless the layout record and at least one
// available placement record are present.
func New(coord *coordination.Store, exec executor.Executor) (*Store, error) {
	if coord == nil {
		return nil, errors.New("log store requires a coordination store")
	}
	if exec == nil {
		exec = executor.Direct{}
	}
	layout, _, err := coord.Get(coordination.LayoutPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, err)
	}
	if string(layout) != coordination.LayoutRecord {
		return nil, fmt.Errorf("%w: unsupported layout %q", ErrNotInitialized, string(layout))
	}
	bookies, err := coord.Children(coordination.AvailableBookiesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, err)
	}
	if len(bookies) == 0 {
		return nil, fmt.Errorf("%w: no available bookies", ErrNotInitialized)
	}
	return &Store{
		coord:   coord,
		exec:    exec,
		ledgers: xsync.NewMap(),
		logger:  logging.New("logstore").WithField("Bookies", bookies),
	}, nil
}

func ledgerKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func ledgerPath(id int64) string {
	return fmt.Sprintf("%s%010d", ledgerPathPrefix, id)
}

func (s *Store) checkOpen() error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return ErrStoreClosed
	}
	return nil
}

// CreateLedger allocates a new ledger and returns a writable handle to it.
func (s *Store) CreateLedger(ctx context.Context, ensembleSize, writeQuorum int) (*Ledger, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ensembleSize <= 0 {
		ensembleSize = 1
	}
	if writeQuorum <= 0 || writeQuorum > ensembleSize {
		writeQuorum = ensembleSize
	}
	id := atomic.AddInt64(&s.nextID, 1)
	l := &ledger{
		id: id,
		meta: LedgerMetadata{
			LedgerID:     id,
			EnsembleSize: ensembleSize,
			WriteQuorum:  writeQuorum,
			State:        LedgerOpen,
			LastEntryID:  -1,
			Ctime:        time.Now().UnixMilli(),
		},
		appended: make(chan struct{}),
	}
	data, _ := json.Marshal(l.meta)
	if _, err := s.coord.Create(ledgerPath(id), data, nil, coordination.Persistent); err != nil {
		return nil, fmt.Errorf("writing metadata for ledger %d: %w", id, err)
	}
	s.ledgers.Store(ledgerKey(id), l)
	s.logger.WithField("Ledger", id).Debug("Created ledger")
	return &Ledger{store: s, l: l, writable: true}, nil
}

// OpenLedger opens an existing ledger for reading. Like recovery-open on a real log store, this
// fences the ledger: the handle that created it can no longer append.
func (s *Store) OpenLedger(ctx context.Context, id int64) (*Ledger, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.ledgers.Load(ledgerKey(id))
	if !ok {
		return nil, fmt.Errorf("open ledger %d: %w", id, ErrNoSuchLedger)
	}
	l := v.(*ledger)
	l.lock.Lock()
	wasOpen := !l.closed
	if wasOpen {
		close(l.appended)
	}
	l.fenced = true
	l.closed = true
	l.meta.State = LedgerClosed
	meta := l.meta
	l.lock.Unlock()
	if wasOpen {
		s.persistMetadata(meta)
	}
	return &Ledger{store: s, l: l}, nil
}

// DeleteLedger removes a ledger and its metadata.
func (s *Store) DeleteLedger(ctx context.Context, id int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.ledgers.Load(ledgerKey(id)); !ok {
		return fmt.Errorf("delete ledger %d: %w", id, ErrNoSuchLedger)
	}
	s.ledgers.Delete(ledgerKey(id))
	if err := s.coord.Delete(ledgerPath(id), coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return fmt.Errorf("deleting metadata for ledger %d: %w", id, err)
	}
	s.logger.WithField("Ledger", id).Debug("Deleted ledger")
	return nil
}

// LedgerIDs returns the ids of all live ledgers.
func (s *Store) LedgerIDs() []int64 {
	var ids []int64
	s.ledgers.Range(func(key string, value interface{}) bool {
		ids = append(ids, value.(*ledger).id)
		return true
	})
	return ids
}

// Metadata reads a ledger's metadata back from the coordination store.
func (s *Store) Metadata(id int64) (LedgerMetadata, error) {
	data, _, err := s.coord.Get(ledgerPath(id))
	if err != nil {
		return LedgerMetadata{}, err
	}
	var meta LedgerMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return LedgerMetadata{}, fmt.Errorf("malformed metadata for ledger %d: %w", id, err)
	}
	return meta, nil
}

func (s *Store) persistMetadata(meta LedgerMetadata) {
	data, _ := json.Marshal(meta)
	if _, err := s.coord.Set(ledgerPath(meta.LedgerID), data, coordination.AnyVersion); err != nil {
		s.logger.WithField("Ledger", meta.LedgerID).Warnf("Failed to update ledger metadata: %s", err)
	}
}

// Close releases the store. It is equivalent to Shutdown.
func (s *Store) Close() error {
	s.Shutdown()
	return nil
}

// Shutdown discards every ledger. All later operations fail with ErrStoreClosed.
func (s *Store) Shutdown() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.ledgers.Range(func(key string, value interface{}) bool {
		l := value.(*ledger)
		l.lock.Lock()
		if !l.closed {
			l.closed = true
			close(l.appended)
		}
		l.lock.Unlock()
		s.ledgers.Delete(key)
		return true
	})
	s.logger.Info("Log store shut down")
}

// IsShutdown reports whether the store has been released.
func (s *Store) IsShutdown() bool {
	return atomic.LoadInt32(&s.closed) != 0
}

// Ledger is a handle to one ledger.
type Ledger struct {
	store    *Store
	l        *ledger
	writable bool
}

// ID returns the ledger id.
func (h *Ledger) ID() int64 {
	return h.l.id
}

// AddEntry appends data and returns its entry id.
func (h *Ledger) AddEntry(data []byte) (int64, error) {
	if err := h.store.checkOpen(); err != nil {
		return -1, err
	}
	if !h.writable {
		return -1, ErrReadOnly
	}
	l := h.l
	l.lock.Lock()
	if l.fenced {
		l.lock.Unlock()
		return -1, fmt.Errorf("ledger %d: %w", l.id, ErrLedgerFenced)
	}
	if l.closed {
		l.lock.Unlock()
		return -1, fmt.Errorf("ledger %d: %w", l.id, ErrLedgerClosed)
	}
	l.entries = append(l.entries, append([]byte(nil), data...))
	entryID := int64(len(l.entries) - 1)
	l.meta.LastEntryID = entryID
	close(l.appended)
	l.appended = make(chan struct{})
	l.lock.Unlock()
	return entryID, nil
}

// AsyncAddEntry appends data on the store's executor and then invokes cb on that executor.
func (h *Ledger) AsyncAddEntry(data []byte, cb func(entryID int64, err error)) {
	payload := append([]byte(nil), data...)
	if err := h.store.exec.Execute(func() {
		cb(h.AddEntry(payload))
	}); err != nil {
		cb(-1, err)
	}
}

// ReadEntries returns entries first through last inclusive.
func (h *Ledger) ReadEntries(first, last int64) ([]Entry, error) {
	if err := h.store.checkOpen(); err != nil {
		return nil, err
	}
	l := h.l
	l.lock.RLock()
	defer l.lock.RUnlock()
	if first < 0 || last < first || last >= int64(len(l.entries)) {
		return nil, fmt.Errorf("ledger %d: read [%d, %d] with last entry %d: %w",
			l.id, first, last, len(l.entries)-1, ErrNoEntry)
	}
	ret := make([]Entry, 0, last-first+1)
	for i := first; i <= last; i++ {
		ret = append(ret, Entry{LedgerID: l.id, EntryID: i, Data: l.entries[i]})
	}
	return ret, nil
}

// LastAddConfirmed returns the id of the last entry, or -1 if the ledger is empty.
func (h *Ledger) LastAddConfirmed() int64 {
	h.l.lock.RLock()
	defer h.l.lock.RUnlock()
	return int64(len(h.l.entries)) - 1
}

// Appended returns a channel that is closed the next time an entry is added or the ledger closes.
func (h *Ledger) Appended() <-chan struct{} {
	h.l.lock.RLock()
	defer h.l.lock.RUnlock()
	return h.l.appended
}

// IsClosed reports whether the ledger has been closed or fenced.
func (h *Ledger) IsClosed() bool {
	h.l.lock.RLock()
	defer h.l.lock.RUnlock()
	return h.l.closed
}

// Close seals a writable ledger. Closing a read handle does nothing.
func (h *Ledger) Close() error {
	if !h.writable {
		return nil
	}
	if err := h.store.checkOpen(); err != nil {
		return err
	}
	l := h.l
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	l.meta.State = LedgerClosed
	meta := l.meta
	close(l.appended)
	l.lock.Unlock()
	h.store.persistMetadata(meta)
	return nil
}
