package logstore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/logging"
)

// Client is the capability a broker needs from a log store.
type Client interface {
	CreateLedger(ctx context.Context, ensembleSize, writeQuorum int) (*Ledger, error)
	OpenLedger(ctx context.Context, id int64) (*Ledger, error)
	DeleteLedger(ctx context.Context, id int64) error
	Close() error
	Shutdown()
}

var _ Client = (*Store)(nil)
var _ Client = (*NonClosable)(nil)

// NonClosable hands a Store to a broker without letting the broker release it. Stopping a broker
// closes its log-store client; wrapping the store in NonClosable keeps ledgers alive across a
// broker restart until the owner calls ReallyShutdown.
type NonClosable struct {
	store  *Store
	once   sync.Once
	logger *logrus.Entry
}

// NewNonClosable wraps a store.
func NewNonClosable(store *Store) *NonClosable {
	return &NonClosable{store: store, logger: logging.New("logstore")}
}

func (n *NonClosable) CreateLedger(ctx context.Context, ensembleSize, writeQuorum int) (*Ledger, error) {
	return n.store.CreateLedger(ctx, ensembleSize, writeQuorum)
}

func (n *NonClosable) OpenLedger(ctx context.Context, id int64) (*Ledger, error) {
	return n.store.OpenLedger(ctx, id)
}

func (n *NonClosable) DeleteLedger(ctx context.Context, id int64) error {
	return n.store.DeleteLedger(ctx, id)
}

// Close does nothing.
func (n *NonClosable) Close() error {
	n.logger.Debug("Ignoring close of non-closable log store")
	return nil
}

// Shutdown does nothing.
func (n *NonClosable) Shutdown() {
	n.logger.Debug("Ignoring shutdown of non-closable log store")
}

// ReallyShutdown releases the wrapped store. Only the first call has any effect.
func (n *NonClosable) ReallyShutdown() {
	n.once.Do(n.store.Shutdown)
}

// Store returns the wrapped store.
func (n *NonClosable) Store() *Store {
	return n.store
}

// ClientConfig carries the ledger placement settings a broker passes to a Factory.
type ClientConfig struct {
	EnsembleSize int
	WriteQuorum  int
	AckQuorum    int
}

// Factory creates log-store clients for a broker.
type Factory interface {
	Create(conf ClientConfig, coord *coordination.Store, placementPolicy string,
		properties map[string]interface{}) (Client, error)
	Close()
}

// StaticFactory returns the same client regardless of its arguments.
type StaticFactory struct {
	Client Client
}

func (f StaticFactory) Create(ClientConfig, *coordination.Store, string, map[string]interface{}) (Client, error) {
	return f.Client, nil
}

// Close does nothing; the client's owner releases it.
func (f StaticFactory) Close() {}
