// Package replication drives outbound propagation of newly stored records
// to other nodes, adapted from internal/node/retry_worker.go's ticker-based
// background worker but retargeted from message redelivery to record
// replication.
package replication

import (
	"context"
	"time"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

// FetchNotifier is told about a pending replication fetch the moment a PUT
// is accepted, before any other await in the commit path: this is the
// cancellation-safety ordering put_validation.rs relies on so a
// replication-fetcher task started elsewhere can be told "don't bother,
// it's already here" without a race.
type FetchNotifier interface {
	NotifyFetch(key address.Key)
}

// Outbound pushes a freshly committed record out toward the record's
// closest peers.
type Outbound interface {
	TriggerReplication(key address.Key, kind record.Kind)
}

// Config configures the background replication worker.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns the default replication worker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
	}
}

type pending struct {
	key  address.Key
	kind record.Kind
}

// Worker batches outbound replication requests and drains them on a
// ticker, mirroring RetryWorker's Start/Stop/run shape.
type Worker struct {
	sender Sender
	config Config
	log    *logging.Logger

	queue  chan pending
	ctx    context.Context
	cancel context.CancelFunc
}

// Sender is the transport-level collaborator that actually pushes a record
// to its closest peers; the production implementation lives in p2pnet.
type Sender interface {
	ReplicateToClosestPeers(ctx context.Context, key address.Key, kind record.Kind) error
}

// NewWorker creates a replication worker. Call Start to begin draining.
func NewWorker(sender Sender, cfg Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		sender: sender,
		config: cfg,
		log:    logging.GetDefault().Component("replication"),
		queue:  make(chan pending, 1024),
		ctx:    ctx,
		cancel: cancel,
	}
}

// TriggerReplication implements Outbound: it enqueues without blocking,
// dropping (with a log) only if the queue is saturated, since replication
// is best-effort and will be retried by the next periodic sweep from
// whichever peer still lacks the record.
func (w *Worker) TriggerReplication(key address.Key, kind record.Kind) {
	select {
	case w.queue <- pending{key: key, kind: kind}:
	default:
		w.log.Warn("replication queue full, dropping trigger", "key", key.Hex())
	}
}

// Start begins the worker's drain loop in a background goroutine.
func (w *Worker) Start() {
	go w.run()
	w.log.Info("replication worker started", "poll_interval", w.config.PollInterval)
}

// Stop halts the worker.
func (w *Worker) Stop() {
	w.cancel()
	w.log.Info("replication worker stopped")
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drainBatch()
		}
	}
}

func (w *Worker) drainBatch() {
	for i := 0; i < w.config.BatchSize; i++ {
		select {
		case p := <-w.queue:
			w.replicate(p)
		default:
			return
		}
	}
}

func (w *Worker) replicate(p pending) {
	if err := w.sender.ReplicateToClosestPeers(w.ctx, p.key, p.kind); err != nil {
		w.log.Warn("replication attempt failed", "key", p.key.Hex(), "error", err)
	}
}

// Notifier implements FetchNotifier by logging; a node wires it to
// whatever in-flight fetch-cancellation registry its replication-fetch
// path maintains.
type Notifier struct {
	log *logging.Logger
}

// NewNotifier builds a FetchNotifier.
func NewNotifier() *Notifier {
	return &Notifier{log: logging.GetDefault().Component("replication-fetch")}
}

// NotifyFetch implements FetchNotifier.
func (n *Notifier) NotifyFetch(key address.Key) {
	n.log.Debug("record now stored locally, cancelling any pending fetch", "key", key.Hex())
}
