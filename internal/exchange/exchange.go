// Package exchange defines the contract every per-client worker
// implements and the registry concrete implementations install
// themselves into.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
)

// Credentials are the decrypted api credentials of one client. They
// exist only inside the worker process memory.
type Credentials struct {
	APIKey     string
	Secret     string
	Subaccount string
}

// RawTransfer is a deposit/withdraw event in its native coin before the
// reconciliation core converts it into account currency.
type RawTransfer struct {
	Coin   string
	Amount decimal.Decimal
	Time   time.Time
	Fee    decimal.Decimal
}

// ExecutionBatch is the result of a historical execution pull: all
// fills after the requested time, the transfers in the same window, and
// the fills grouped by symbol. All is sorted by time and includes the
// synthetic TRANSFER executions for tradeable coins.
type ExecutionBatch struct {
	Transfers []*model.Transfer
	BySymbol  map[string][]*model.Execution
	All       []*model.Execution
}

// ExecutionHandler receives fills. realtime is true for fills delivered
// over the websocket stream.
type ExecutionHandler func(e *model.Execution, realtime bool)

// Worker is one exchange account agent. Implementations own all
// exchange-specific signing and parsing; every REST call goes through
// the scheduler passed at construction.
type Worker interface {
	Exchange() string
	RequiredExtraArgs() []string
	SupportsExtendedData() bool

	// GetBalance returns an instantaneous equity snapshot. With
	// upnl=false the snapshot is realized-only.
	GetBalance(ctx context.Context, at time.Time, upnl bool) (*model.Balance, error)

	// GetExecutions returns all fills and transfers with time > since.
	GetExecutions(ctx context.Context, since time.Time) (*ExecutionBatch, error)

	// GetTransfers returns raw deposit/withdraw events since the given
	// time.
	GetTransfers(ctx context.Context, since time.Time) ([]RawTransfer, error)

	// GetOHLC returns candles for the window at the given resolution.
	GetOHLC(ctx context.Context, symbol string, since, to time.Time, resolution time.Duration) ([]model.OHLC, error)

	// Connect opens the live fill stream; Disconnect closes it and
	// cancels outstanding work.
	Connect(ctx context.Context) error
	Disconnect()

	SetExecutionHandler(h ExecutionHandler)
}

// Options carries worker construction knobs shared by all exchanges.
type Options struct {
	Sandbox bool
}

// Factory builds a worker for one client.
type Factory func(client *model.Client, creds Credentials, scheduler *sched.Scheduler, opts Options) (Worker, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under the exchange name. Concrete workers
// call this from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds a worker for the client's exchange.
func New(client *model.Client, creds Credentials, scheduler *sched.Scheduler, opts Options) (Worker, error) {
	registryMu.RLock()
	f, ok := registry[client.Exchange]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", client.Exchange)
	}
	return f(client, creds, scheduler, opts)
}

// Supported lists the registered exchange names.
func Supported() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortExecutions orders a batch by time, breaking ties by id so replay
// is deterministic.
func SortExecutions(execs []*model.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].Time.Before(execs[j].Time)
	})
}
