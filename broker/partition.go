package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/logstore"
	"github.com/streamnative/kop-test-harness/recordbatch"
)

var errOffsetOutOfRange = errors.New("offset out of range")

type batchRef struct {
	entryID      int64
	baseOffset   int64
	nextOffset   int64
	maxTimestamp int64
	records      int32
}

type segment struct {
	handle  *logstore.Ledger
	batches []batchRef
}

func (s *segment) id() int64 {
	return s.handle.ID()
}

type partitionMetadata struct {
	Ledgers        []int64 `json:"ledgers"`
	LogStartOffset int64   `json:"logStartOffset"`
	NextOffset     int64   `json:"nextOffset"`
}

// partitionLog is the broker's view of one partition: an ordered list of log-store ledgers whose
// entries are record batches, plus an in-memory offset index rebuilt from entry headers on load.
type partitionLog struct {
	topic   TopicName
	index   int32
	store   logstore.Client
	coord   *coordination.Store
	cache   *entryCache
	conf    logstore.ClientConfig
	signal  func()
	logger  *logrus.Entry
	lock    sync.RWMutex
	segs    []*segment
	current *segment

	nextOffset     int64
	logStartOffset int64
	lastActive     int64
	msgIn          int64
	bytesIn        int64
}

func (p *partitionLog) path() string {
	return p.topic.storePath() + "/partition-" + strconv.Itoa(int(p.index))
}

// openPartition loads a partition from the coordination store, or initializes it if absent.
func openPartition(ctx context.Context, svc *Service, topic TopicName, index int32) (*partitionLog, error) {
	p := &partitionLog{
		topic:      topic,
		index:      index,
		store:      svc.logStore,
		coord:      svc.coord,
		cache:      svc.cache,
		conf:       svc.ledgerConfig(),
		signal:     svc.signalData,
		logger:     svc.logger.WithField("Partition", topic.PartitionName(index)),
		lastActive: time.Now().UnixNano(),
	}
	data, _, err := p.coord.Get(p.path())
	switch {
	case errors.Is(err, coordination.ErrNoNode):
	case err != nil:
		return nil, err
	default:
		var meta partitionMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("malformed metadata for %s: %w", p.topic.PartitionName(index), err)
		}
		if err := p.recover(ctx, meta); err != nil {
			return nil, err
		}
	}
	if err := p.rollLedger(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *partitionLog) recover(ctx context.Context, meta partitionMetadata) error {
	p.logStartOffset = meta.LogStartOffset
	p.nextOffset = meta.LogStartOffset
	for _, id := range meta.Ledgers {
		handle, err := p.store.OpenLedger(ctx, id)
		if err != nil {
			return fmt.Errorf("opening ledger %d of %s: %w", id, p.topic.PartitionName(p.index), err)
		}
		seg := &segment{handle: handle}
		if lac := handle.LastAddConfirmed(); lac >= 0 {
			entries, err := handle.ReadEntries(0, lac)
			if err != nil {
				return err
			}
			for _, e := range entries {
				h, err := recordbatch.ParseHeader(e.Data)
				if err != nil {
					return fmt.Errorf("ledger %d entry %d: %w", id, e.EntryID, err)
				}
				seg.batches = append(seg.batches, batchRef{
					entryID:      e.EntryID,
					baseOffset:   h.BaseOffset,
					nextOffset:   h.NextOffset(),
					maxTimestamp: h.MaxTimestamp,
					records:      h.RecordCount,
				})
				if h.NextOffset() > p.nextOffset {
					p.nextOffset = h.NextOffset()
				}
			}
		}
		p.segs = append(p.segs, seg)
	}
	if meta.NextOffset > p.nextOffset {
		p.nextOffset = meta.NextOffset
	}
	p.logger.WithField("Ledgers", meta.Ledgers).Debugf("Recovered partition at offset %d", p.nextOffset)
	return nil
}

// rollLedger seals the current ledger, if any, and starts writing to a new one. Caller must
// hold the write lock or have exclusive access.
func (p *partitionLog) rollLedger(ctx context.Context) error {
	handle, err := p.store.CreateLedger(ctx, p.conf.EnsembleSize, p.conf.WriteQuorum)
	if err != nil {
		return fmt.Errorf("creating ledger for %s: %w", p.topic.PartitionName(p.index), err)
	}
	if p.current != nil {
		_ = p.current.handle.Close()
	}
	p.current = &segment{handle: handle}
	p.segs = append(p.segs, p.current)
	return p.persist()
}

func (p *partitionLog) persist() error {
	meta := partitionMetadata{LogStartOffset: p.logStartOffset, NextOffset: p.nextOffset}
	for _, s := range p.segs {
		meta.Ledgers = append(meta.Ledgers, s.id())
	}
	data, _ := json.Marshal(meta)
	_, err := p.coord.Set(p.path(), data, coordination.AnyVersion)
	if errors.Is(err, coordination.ErrNoNode) {
		err = p.coord.CreateFullPathOptimistic(p.path(), data, nil, coordination.Persistent)
	}
	if err != nil {
		return fmt.Errorf("persisting metadata for %s: %w", p.topic.PartitionName(p.index), err)
	}
	return nil
}

func (p *partitionLog) touch() {
	atomic.StoreInt64(&p.lastActive, time.Now().UnixNano())
}

func (p *partitionLog) idleSince() time.Time {
	return time.Unix(0, atomic.LoadInt64(&p.lastActive))
}

// appendBatches writes each batch as one ledger entry, assigning consecutive offsets. It returns
// the base offset of the first batch.
func (p *partitionLog) appendBatches(batches [][]byte) (int64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.touch()
	if p.current == nil {
		return -1, fmt.Errorf("%s is closed", p.topic.PartitionName(p.index))
	}
	base := p.nextOffset
	for _, b := range batches {
		entry := append([]byte(nil), b...)
		recordbatch.SetBaseOffset(entry, p.nextOffset)
		h, err := recordbatch.ParseHeader(entry)
		if err != nil {
			return -1, err
		}
		entryID, err := p.current.handle.AddEntry(entry)
		if err != nil {
			return -1, fmt.Errorf("appending to %s: %w", p.topic.PartitionName(p.index), err)
		}
		p.current.batches = append(p.current.batches, batchRef{
			entryID:      entryID,
			baseOffset:   h.BaseOffset,
			nextOffset:   h.NextOffset(),
			maxTimestamp: h.MaxTimestamp,
			records:      h.RecordCount,
		})
		p.cache.put(p.current.id(), entryID, entry)
		p.nextOffset = h.NextOffset()
		atomic.AddInt64(&p.msgIn, int64(h.RecordCount))
		atomic.AddInt64(&p.bytesIn, int64(len(entry)))
	}
	p.signal()
	return base, nil
}

func (p *partitionLog) readEntry(seg *segment, entryID int64) ([]byte, error) {
	if data, ok := p.cache.get(seg.id(), entryID); ok {
		return data, nil
	}
	entries, err := seg.handle.ReadEntries(entryID, entryID)
	if err != nil {
		return nil, err
	}
	p.cache.put(seg.id(), entryID, entries[0].Data)
	return entries[0].Data, nil
}

// read returns concatenated batches starting with the one that contains offset. At least one
// batch is returned if any exists past offset, even when it exceeds maxBytes.
func (p *partitionLog) read(offset int64, maxBytes int) ([]byte, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	p.touch()
	if offset < p.logStartOffset || offset > p.nextOffset {
		return nil, errOffsetOutOfRange
	}
	var out []byte
	for _, seg := range p.segs {
		for _, b := range seg.batches {
			if b.nextOffset <= offset {
				continue
			}
			data, err := p.readEntry(seg, b.entryID)
			if err != nil {
				return nil, err
			}
			if len(out) > 0 && len(out)+len(data) > maxBytes {
				return out, nil
			}
			out = append(out, data...)
		}
	}
	return out, nil
}

func (p *partitionLog) highWatermark() int64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.nextOffset
}

func (p *partitionLog) startOffset() int64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.logStartOffset
}

// offsetForTimestamp returns the first offset whose record timestamp is at or after ts, or -1.
func (p *partitionLog) offsetForTimestamp(ts int64) (int64, int64, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, seg := range p.segs {
		for _, b := range seg.batches {
			if b.maxTimestamp < ts {
				continue
			}
			data, err := p.readEntry(seg, b.entryID)
			if err != nil {
				return -1, -1, err
			}
			records, err := recordbatch.Records(data)
			if err != nil {
				return -1, -1, err
			}
			for _, r := range records {
				if r.Timestamp >= ts && r.Offset >= p.logStartOffset {
					return r.Offset, r.Timestamp, nil
				}
			}
		}
	}
	return -1, -1, nil
}

func (p *partitionLog) ledgerIDs() []int64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	ids := make([]int64, 0, len(p.segs))
	for _, s := range p.segs {
		ids = append(ids, s.id())
	}
	return ids
}

func (p *partitionLog) stats() (msgIn, bytesIn int64) {
	return atomic.LoadInt64(&p.msgIn), atomic.LoadInt64(&p.bytesIn)
}

// compact rewrites the partition so that only the latest record for each key remains. Records
// with a nil value delete their key; records without a key are kept. Offsets are preserved.
func (p *partitionLog) compact(ctx context.Context) (before, after int, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	var all []recordbatch.Record
	for _, seg := range p.segs {
		for _, b := range seg.batches {
			data, err := p.readEntry(seg, b.entryID)
			if err != nil {
				return 0, 0, err
			}
			records, err := recordbatch.Records(data)
			if err != nil {
				return 0, 0, err
			}
			all = append(all, records...)
		}
	}
	latest := make(map[string]int, len(all))
	for i, r := range all {
		if r.Key != nil {
			latest[string(r.Key)] = i
		}
	}
	var kept []recordbatch.Record
	for i, r := range all {
		if r.Key == nil {
			kept = append(kept, r)
			continue
		}
		if latest[string(r.Key)] == i && r.Value != nil {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Offset < kept[j].Offset })

	old := p.segs
	p.segs = nil
	if len(kept) > 0 {
		handle, err := p.store.CreateLedger(ctx, p.conf.EnsembleSize, p.conf.WriteQuorum)
		if err != nil {
			p.segs = old
			return 0, 0, err
		}
		batch, err := recordbatch.Build(kept, recordbatch.CodecNone)
		if err != nil {
			p.segs = old
			return 0, 0, err
		}
		h, _ := recordbatch.ParseHeader(batch)
		entryID, err := handle.AddEntry(batch)
		if err != nil {
			p.segs = old
			return 0, 0, err
		}
		_ = handle.Close()
		p.segs = append(p.segs, &segment{handle: handle, batches: []batchRef{{
			entryID:      entryID,
			baseOffset:   h.BaseOffset,
			nextOffset:   h.NextOffset(),
			maxTimestamp: h.MaxTimestamp,
			records:      h.RecordCount,
		}}})
	}
	p.current = nil
	if err := p.rollLedger(ctx); err != nil {
		return 0, 0, err
	}
	for _, seg := range old {
		_ = seg.handle.Close()
		if err := p.store.DeleteLedger(ctx, seg.id()); err != nil {
			p.logger.Warnf("Failed to delete compacted ledger %d: %s", seg.id(), err)
		}
		p.cache.invalidateLedger(seg.id())
	}
	p.logger.Infof("Compacted %d records down to %d", len(all), len(kept))
	return len(all), len(kept), nil
}

// close seals the ledger being written. The ledgers themselves stay in the log store.
func (p *partitionLog) close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.current != nil {
		_ = p.current.handle.Close()
		p.current = nil
	}
	_ = p.persist()
}

// delete removes every ledger and the partition metadata.
func (p *partitionLog) delete(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	var errs []error
	for _, seg := range p.segs {
		_ = seg.handle.Close()
		if err := p.store.DeleteLedger(ctx, seg.id()); err != nil && !errors.Is(err, logstore.ErrNoSuchLedger) {
			errs = append(errs, err)
		}
		p.cache.invalidateLedger(seg.id())
	}
	p.segs = nil
	p.current = nil
	if err := p.coord.Delete(p.path(), coordination.AnyVersion); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
