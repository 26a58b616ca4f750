// Package coordination implements an in-memory double of a hierarchical coordination service.
//
// The store keeps a tree of nodes addressed by slash-separated paths, each with a payload, an ACL
// list, a creation mode and a version. It supports the subset of operations a log store and a
// broker need at startup: create (including sequential nodes), optimistic full-path creation,
// get/set with version checks, delete, child listing and one-shot watches.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logging"
)

var (
	ErrNodeExists     = errors.New("node already exists")
	ErrNoNode         = errors.New("no node")
	ErrBadVersion     = errors.New("bad version")
	ErrNotEmpty       = errors.New("node has children")
	ErrSessionExpired = errors.New("session expired")
	ErrBadPath        = errors.New("invalid path")
)

// AnyVersion disables the optimistic version check in Set and Delete.
const AnyVersion int32 = -1

// CreateMode controls the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	PersistentSequential
	Ephemeral
	EphemeralSequential
)

func (m CreateMode) sequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// ACL is an access control entry. The mock stores ACLs but never enforces them.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// Stat describes a node.
type Stat struct {
	Version     int32
	NumChildren int
	Ctime       time.Time
	Mtime       time.Time
	Mode        CreateMode
}

// EventType identifies what fired a watch.
type EventType int

const (
	EventNodeCreated EventType = iota
	EventNodeDataChanged
	EventNodeDeleted
	EventNodeChildrenChanged
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to watchers.
type Event struct {
	Type EventType
	Path string
}

type node struct {
	data     []byte
	acl      []ACL
	mode     CreateMode
	version  int32
	ctime    time.Time
	mtime    time.Time
	seq      int64
	children map[string]struct{}
}

// Store is the in-memory coordination service. It is safe for concurrent use.
type Store struct {
	exec         executor.Executor
	nodes        map[string]*node
	dataWatches  map[string][]func(Event)
	childWatches map[string][]func(Event)
	closed       bool
	lock         sync.Mutex
	logger       *logrus.Entry
}

// New creates an empty store whose root node exists. Watch callbacks are dispatched on exec; a nil
// exec means callbacks run inline on the goroutine that triggered them.
func New(exec executor.Executor) *Store {
	if exec == nil {
		exec = executor.Direct{}
	}
	now := time.Now()
	return &Store{
		exec: exec,
		nodes: map[string]*node{
			"/": {ctime: now, mtime: now, children: make(map[string]struct{})},
		},
		dataWatches:  make(map[string][]func(Event)),
		childWatches: make(map[string][]func(Event)),
		logger:       logging.New("coordination"),
	}
}

func validatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("%w: %q must be absolute", ErrBadPath, p)
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q has a trailing slash", ErrBadPath, p)
	}
	if strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q has an empty segment", ErrBadPath, p)
	}
	return nil
}

func parentOf(p string) string {
	return path.Dir(p)
}

// Create adds a node. The parent must exist. For sequential modes a zero-padded ten digit
// counter is appended to the name; the actual path created is returned.
func (s *Store) Create(p string, data []byte, acl []ACL, mode CreateMode) (string, error) {
	if err := validatePath(p); err != nil {
		return "", err
	}
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return "", ErrSessionExpired
	}
	parentPath := parentOf(p)
	parent, ok := s.nodes[parentPath]
	if !ok {
		s.lock.Unlock()
		return "", fmt.Errorf("create %s: parent %s: %w", p, parentPath, ErrNoNode)
	}
	actual := p
	if mode.sequential() {
		actual = fmt.Sprintf("%s%010d", p, parent.seq)
		parent.seq++
	}
	if _, exists := s.nodes[actual]; exists {
		s.lock.Unlock()
		return "", fmt.Errorf("create %s: %w", actual, ErrNodeExists)
	}
	now := time.Now()
	s.nodes[actual] = &node{
		data:     append([]byte(nil), data...),
		acl:      append([]ACL(nil), acl...),
		mode:     mode,
		ctime:    now,
		mtime:    now,
		children: make(map[string]struct{}),
	}
	parent.children[path.Base(actual)] = struct{}{}
	fire := s.takeWatches(actual, parentPath, EventNodeCreated)
	s.lock.Unlock()
	s.dispatch(fire)
	return actual, nil
}

// CreateFullPathOptimistic creates p and any missing ancestors. Ancestors are created with an
// empty payload; only the leaf receives data. It fails if the leaf already exists.
func (s *Store) CreateFullPathOptimistic(p string, data []byte, acl []ACL, mode CreateMode) error {
	if err := validatePath(p); err != nil {
		return err
	}
	_, err := s.Create(p, data, acl, mode)
	if err == nil || !errors.Is(err, ErrNoNode) {
		return err
	}
	if err := s.ensureParents(parentOf(p), acl); err != nil {
		return err
	}
	_, err = s.Create(p, data, acl, mode)
	return err
}

func (s *Store) ensureParents(p string, acl []ACL) error {
	if p == "/" {
		return nil
	}
	if ok, err := s.Exists(p); err != nil || ok {
		return err
	}
	if err := s.ensureParents(parentOf(p), acl); err != nil {
		return err
	}
	if _, err := s.Create(p, nil, acl, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
		return err
	}
	return nil
}

// Get returns a copy of the node's payload and its stat.
func (s *Store) Get(p string) ([]byte, Stat, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, Stat{}, ErrSessionExpired
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, Stat{}, fmt.Errorf("get %s: %w", p, ErrNoNode)
	}
	return append([]byte(nil), n.data...), n.stat(), nil
}

func (n *node) stat() Stat {
	return Stat{
		Version:     n.version,
		NumChildren: len(n.children),
		Ctime:       n.ctime,
		Mtime:       n.mtime,
		Mode:        n.mode,
	}
}

// Exists reports whether a node is present.
func (s *Store) Exists(p string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false, ErrSessionExpired
	}
	_, ok := s.nodes[p]
	return ok, nil
}

// Set replaces a node's payload if its version matches (or version is AnyVersion) and returns
// the new version.
func (s *Store) Set(p string, data []byte, version int32) (int32, error) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return 0, ErrSessionExpired
	}
	n, ok := s.nodes[p]
	if !ok {
		s.lock.Unlock()
		return 0, fmt.Errorf("set %s: %w", p, ErrNoNode)
	}
	if version != AnyVersion && version != n.version {
		s.lock.Unlock()
		return 0, fmt.Errorf("set %s: expected version %d, found %d: %w", p, version, n.version, ErrBadVersion)
	}
	n.data = append([]byte(nil), data...)
	n.version++
	n.mtime = time.Now()
	newVersion := n.version
	fire := s.takeWatches(p, "", EventNodeDataChanged)
	s.lock.Unlock()
	s.dispatch(fire)
	return newVersion, nil
}

// Delete removes a leaf node.
func (s *Store) Delete(p string, version int32) error {
	if p == "/" {
		return fmt.Errorf("%w: cannot delete root", ErrBadPath)
	}
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrSessionExpired
	}
	n, ok := s.nodes[p]
	if !ok {
		s.lock.Unlock()
		return fmt.Errorf("delete %s: %w", p, ErrNoNode)
	}
	if version != AnyVersion && version != n.version {
		s.lock.Unlock()
		return fmt.Errorf("delete %s: %w", p, ErrBadVersion)
	}
	if len(n.children) > 0 {
		s.lock.Unlock()
		return fmt.Errorf("delete %s: %w", p, ErrNotEmpty)
	}
	delete(s.nodes, p)
	parentPath := parentOf(p)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, path.Base(p))
	}
	fire := s.takeWatches(p, parentPath, EventNodeDeleted)
	s.lock.Unlock()
	s.dispatch(fire)
	return nil
}

// DeleteRecursive removes a node and everything below it.
func (s *Store) DeleteRecursive(p string) error {
	children, err := s.Children(p)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.DeleteRecursive(path.Join(p, c)); err != nil {
			return err
		}
	}
	return s.Delete(p, AnyVersion)
}

// Children returns the sorted names of a node's children.
func (s *Store) Children(p string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrSessionExpired
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", p, ErrNoNode)
	}
	ret := make([]string, 0, len(n.children))
	for c := range n.children {
		ret = append(ret, c)
	}
	sort.Strings(ret)
	return ret, nil
}

// WatchData registers a one-shot watch fired when the node at p is created, changed or deleted.
func (s *Store) WatchData(p string, fn func(Event)) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSessionExpired
	}
	s.dataWatches[p] = append(s.dataWatches[p], fn)
	return nil
}

// WatchChildren registers a one-shot watch fired when a child of p is created or deleted.
func (s *Store) WatchChildren(p string, fn func(Event)) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSessionExpired
	}
	s.childWatches[p] = append(s.childWatches[p], fn)
	return nil
}

type pendingEvent struct {
	fn    func(Event)
	event Event
}

// takeWatches must be called with the lock held.
func (s *Store) takeWatches(p, parentPath string, t EventType) []pendingEvent {
	var ret []pendingEvent
	for _, fn := range s.dataWatches[p] {
		ret = append(ret, pendingEvent{fn: fn, event: Event{Type: t, Path: p}})
	}
	delete(s.dataWatches, p)
	if parentPath != "" {
		for _, fn := range s.childWatches[parentPath] {
			ret = append(ret, pendingEvent{fn: fn, event: Event{Type: EventNodeChildrenChanged, Path: parentPath}})
		}
		delete(s.childWatches, parentPath)
	}
	return ret
}

func (s *Store) dispatch(events []pendingEvent) {
	for _, e := range events {
		e := e
		if err := s.exec.Execute(func() { e.fn(e.event) }); err != nil {
			s.logger.WithError(err).WithField("Path", e.event.Path).Warnf("Dropped %s watch notification", e.event.Type)
		}
	}
}

// NodeCount returns the number of nodes including the root.
func (s *Store) NodeCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.nodes)
}

// Shutdown releases the store. Every subsequent call fails with ErrSessionExpired.
func (s *Store) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.nodes = nil
	s.dataWatches = nil
	s.childWatches = nil
}

// IsShutdown reports whether Shutdown has been called.
func (s *Store) IsShutdown() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Factory yields a coordination client for a connection string.
type Factory interface {
	Create(ctx context.Context, serverList string, sessionTimeout time.Duration) (*Store, error)
}

// StaticFactory always returns the same store, whatever connection string it is given, so that
// the store's contents outlive the clients that use it.
type StaticFactory struct {
	Store *Store
}

func (f StaticFactory) Create(ctx context.Context, serverList string, sessionTimeout time.Duration) (*Store, error) {
	if f.Store == nil {
		return nil, errors.New("no coordination store configured")
	}
	if f.Store.IsShutdown() {
		return nil, ErrSessionExpired
	}
	return f.Store, nil
}
