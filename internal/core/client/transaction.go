package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/janusgw/internal/core/domain"
)

// Matcher builds the reply predicate for a transaction once its token is
// known. A nil Matcher means exact transaction-token equality.
type Matcher func(token string) domain.MatchFunc

// Transaction is one outstanding request awaiting a correlated reply. It is
// owned by its Table from registration until resolution or timeout.
type Transaction struct {
	token string
	match domain.MatchFunc
	timer *time.Timer
	tbl   *Table

	once sync.Once
	done chan struct{}
	env  domain.Envelope
	err  error
}

// Token returns the correlation token generated at registration.
func (tx *Transaction) Token() string { return tx.token }

// Await blocks until the transaction resolves, times out, or ctx is done.
// A ctx cancellation removes the transaction from the table.
func (tx *Transaction) Await(ctx context.Context) (domain.Envelope, error) {
	select {
	case <-tx.done:
		return tx.env, tx.err
	case <-ctx.Done():
		tx.tbl.discard(tx.token)
		tx.resolve(domain.Envelope{}, ctx.Err())
		return domain.Envelope{}, ctx.Err()
	}
}

func (tx *Transaction) resolve(env domain.Envelope, err error) {
	tx.once.Do(func() {
		tx.env = env
		tx.err = err
		close(tx.done)
	})
}

func (tx *Transaction) stopTimer() {
	if tx.timer != nil {
		tx.timer.Stop()
	}
}

// Table is the registry of pending transactions. It is the sole shared
// structure between concurrent callers; token registration and feed matching
// are serialized by its mutex.
type Table struct {
	mu      sync.Mutex
	order   []string
	pending map[string]*Transaction
}

func NewTable() *Table {
	return &Table{pending: make(map[string]*Transaction)}
}

// Register creates a transaction with a fresh unique token. The matcher is
// handed the token so it can bind it into its pattern. A ttl of zero means
// no deadline.
func (t *Table) Register(match Matcher, ttl time.Duration) *Transaction {
	tx := &Transaction{tbl: t, done: make(chan struct{})}

	t.mu.Lock()
	token := uuid.NewString()
	for _, dup := t.pending[token]; dup; _, dup = t.pending[token] {
		token = uuid.NewString()
	}
	tx.token = token
	if match != nil {
		tx.match = match(token)
	} else {
		tx.match = domain.Fingerprint{Transaction: token}.Match
	}
	t.pending[token] = tx
	t.order = append(t.order, token)
	t.mu.Unlock()

	if ttl > 0 {
		tx.timer = time.AfterFunc(ttl, func() { t.expire(token) })
	}
	return tx
}

// Feed offers an inbound envelope to the pending transactions and reports
// whether one claimed it. At most one transaction resolves per envelope;
// when several matchers would accept, the first registered wins.
func (t *Table) Feed(env *domain.Envelope) bool {
	t.mu.Lock()
	for i, token := range t.order {
		tx := t.pending[token]
		if !tx.match(env) {
			continue
		}
		delete(t.pending, token)
		t.order = append(t.order[:i], t.order[i+1:]...)
		t.mu.Unlock()

		tx.stopTimer()
		tx.resolve(*env, nil)
		return true
	}
	t.mu.Unlock()
	return false
}

// CancelAll resolves every pending transaction with err, so no caller blocks
// past a teardown. Later Feed calls for those tokens are no-ops.
func (t *Table) CancelAll(err error) {
	if err == nil {
		err = domain.ErrCancelled
	}
	t.mu.Lock()
	cancelled := make([]*Transaction, 0, len(t.order))
	for _, token := range t.order {
		cancelled = append(cancelled, t.pending[token])
	}
	t.order = nil
	t.pending = make(map[string]*Transaction)
	t.mu.Unlock()

	for _, tx := range cancelled {
		tx.stopTimer()
		tx.resolve(domain.Envelope{}, err)
	}
}

// Discard drops a registered transaction without resolving it, e.g. when
// the request could not be sent at all.
func (t *Table) Discard(tx *Transaction) {
	t.discard(tx.token)
}

// Len reports the number of pending transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// expire removes a timed-out transaction. The request itself cannot be
// un-sent; only the wait is cancelled.
func (t *Table) expire(token string) {
	if tx := t.remove(token); tx != nil {
		tx.resolve(domain.Envelope{}, domain.ErrTimeout)
	}
}

// discard drops a transaction without resolving it (caller gave up).
func (t *Table) discard(token string) {
	if tx := t.remove(token); tx != nil {
		tx.stopTimer()
	}
}

func (t *Table) remove(token string) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.pending[token]
	if !ok {
		return nil
	}
	delete(t.pending, token)
	for i, tok := range t.order {
		if tok == token {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return tx
}
