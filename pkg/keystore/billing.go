package keystore

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
)

const billingFlushInterval = time.Second

// BillingLedger keeps per-api-key token balances in memory and persists them
// asynchronously to the billing namespace of the store. Balances may go
// negative; the ledger is an accounting surface, not an admission gate.
type BillingLedger struct {
	store *Store

	mu       sync.RWMutex
	balances map[string]*atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]int64

	done chan struct{}
	once sync.Once
}

func NewBillingLedger(store *Store) (*BillingLedger, error) {
	loaded, err := store.loadBalances()
	if err != nil {
		return nil, err
	}
	l := &BillingLedger{
		store:    store,
		balances: make(map[string]*atomic.Int64, len(loaded)),
		pending:  map[string]int64{},
		done:     make(chan struct{}),
	}
	for key, balance := range loaded {
		v := &atomic.Int64{}
		v.Store(balance)
		l.balances[key] = v
	}
	go l.flushLoop()
	return l, nil
}

func (l *BillingLedger) flushLoop() {
	t := time.NewTicker(billingFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			l.flushPending()
			return
		case <-t.C:
			l.flushPending()
		}
	}
}

func (l *BillingLedger) flushPending() {
	l.pendingMu.Lock()
	if len(l.pending) == 0 {
		l.pendingMu.Unlock()
		return
	}
	batch := l.pending
	l.pending = map[string]int64{}
	l.pendingMu.Unlock()
	for key, balance := range batch {
		if err := l.store.setBalance(key, balance); err != nil {
			log.Warn("billing balance persist failed", "err", err)
		}
	}
}

func (l *BillingLedger) enqueue(key string, balance int64) {
	l.pendingMu.Lock()
	l.pending[key] = balance
	l.pendingMu.Unlock()
}

// Close stops the flush loop, which writes outstanding balances once more
// before it exits. Close returns without waiting for that write.
func (l *BillingLedger) Close() {
	l.once.Do(func() { close(l.done) })
}

// CreateKey registers a ledger entry. Returns false if the key already exists.
func (l *BillingLedger) CreateKey(key string, balance int64) bool {
	l.mu.Lock()
	if _, ok := l.balances[key]; ok {
		l.mu.Unlock()
		return false
	}
	v := &atomic.Int64{}
	v.Store(balance)
	l.balances[key] = v
	l.mu.Unlock()
	l.enqueue(key, balance)
	return true
}

func (l *BillingLedger) Balance(key string) (int64, bool) {
	l.mu.RLock()
	v, ok := l.balances[key]
	l.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return v.Load(), true
}

// Adjust adds delta to the balance of key and returns the new balance.
func (l *BillingLedger) Adjust(key string, delta int64) (int64, bool) {
	l.mu.RLock()
	v, ok := l.balances[key]
	l.mu.RUnlock()
	if !ok {
		return 0, false
	}
	balance := v.Add(delta)
	l.enqueue(key, balance)
	return balance, true
}

// ApplyUsage deducts total token usage from the ledger entry for key, when
// one exists. Unknown keys are ignored.
func (l *BillingLedger) ApplyUsage(key string, totalTokens int64) {
	if key == "" || totalTokens <= 0 {
		return
	}
	l.Adjust(key, -totalTokens)
}
