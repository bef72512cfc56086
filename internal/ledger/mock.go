package ledger

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Mock is an in-memory ledger for tests. It serves historical logs, a finalized
// height, and live subscriptions fed through EmitHead and EmitLog.
type Mock struct {
	mu           sync.Mutex
	logs         []types.Log
	finalized    uint64
	filterErrs   []error
	finalityErr  error
	subscribeErr error
	filterCalls  []ethereum.FilterQuery
	subs         map[*mockSubscription]struct{}
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{subs: make(map[*mockSubscription]struct{})}
}

// AddLogs appends logs to the historical record.
func (m *Mock) AddLogs(logs ...types.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
}

// RemoveLogs drops logs matching pred from the historical record, emulating a reorg.
func (m *Mock) RemoveLogs(pred func(types.Log) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = slices.DeleteFunc(m.logs, pred)
}

func (m *Mock) SetFinalized(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = height
}

// FailFilterLogs makes the next len(errs) FilterLogs calls return errs in order.
func (m *Mock) FailFilterLogs(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterErrs = append(m.filterErrs, errs...)
}

func (m *Mock) SetFinalityError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalityErr = err
}

func (m *Mock) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// FilterCalls returns a copy of every query served so far.
func (m *Mock) FilterCalls() []ethereum.FilterQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.filterCalls)
}

func (m *Mock) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.filterCalls = append(m.filterCalls, q)
	if len(m.filterErrs) > 0 {
		err := m.filterErrs[0]
		m.filterErrs = m.filterErrs[1:]
		return nil, err
	}

	var out []types.Log
	for _, l := range m.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matches(q, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Mock) FinalizedBlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalityErr != nil {
		return 0, m.finalityErr
	}
	return m.finalized, nil
}

func (m *Mock) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return m.subscribe(&mockSubscription{heads: ch})
}

func (m *Mock) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return m.subscribe(&mockSubscription{query: q, logs: ch})
}

func (m *Mock) subscribe(sub *mockSubscription) (ethereum.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	sub.mock = m
	sub.errCh = make(chan error, 1)
	m.subs[sub] = struct{}{}
	return sub, nil
}

// ActiveSubscriptions returns the number of subscriptions not yet unsubscribed.
func (m *Mock) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// EmitHead delivers a header at height to every head subscription.
func (m *Mock) EmitHead(ctx context.Context, height uint64) error {
	header := &types.Header{
		Number:     new(big.Int).SetUint64(height),
		Difficulty: big.NewInt(0),
		ParentHash: common.BigToHash(new(big.Int).SetUint64(height - 1)),
	}
	for _, sub := range m.active() {
		if sub.heads == nil {
			continue
		}
		select {
		case sub.heads <- header:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// EmitLog delivers l to every log subscription whose filter matches it.
func (m *Mock) EmitLog(ctx context.Context, l types.Log) error {
	for _, sub := range m.active() {
		if sub.logs == nil || !matches(sub.query, l) {
			continue
		}
		select {
		case sub.logs <- l:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Disconnect fails every active subscription with err.
func (m *Mock) Disconnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		select {
		case sub.errCh <- err:
		default:
		}
	}
}

func (m *Mock) active() []*mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mockSubscription, 0, len(m.subs))
	for sub := range m.subs {
		out = append(out, sub)
	}
	return out
}

func matches(q ethereum.FilterQuery, l types.Log) bool {
	if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
		return false
	}
	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(l.Topics) || !slices.Contains(alternatives, l.Topics[i]) {
			return false
		}
	}
	return true
}

type mockSubscription struct {
	mock  *Mock
	query ethereum.FilterQuery
	heads chan<- *types.Header
	logs  chan<- types.Log
	errCh chan error
	once  sync.Once
}

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mock.mu.Lock()
		defer s.mock.mu.Unlock()
		delete(s.mock.subs, s)
		close(s.errCh)
	})
}

func (s *mockSubscription) Err() <-chan error {
	return s.errCh
}

func (s *mockSubscription) String() string {
	if s.heads != nil {
		return "newHeads"
	}
	return fmt.Sprintf("logs%v", s.query.Topics)
}
