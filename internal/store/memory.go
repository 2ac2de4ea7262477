package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence, single
// process only).
//
// Units of work are serialized through a single slot, which gives the same
// guarantees as row locks held for the whole unit. Writes are staged in an
// overlay and applied on commit, so a failed unit leaves no trace.
type MemoryStore struct {
	mu          sync.RWMutex
	slot        chan struct{}
	lockTimeout time.Duration

	users    map[string]*model.User
	tracks   map[string]*model.Track
	holdings map[holdingKey]*model.Holding
	txs      []model.Transaction
	txKeys   map[string]int
	orders   map[string]*model.LimitOrder
	orderSeq []string
	alerts   map[string]*model.PriceAlert
	alertSeq []string
	intents  map[string]*model.PaymentIntent
}

type holdingKey struct {
	userID  string
	trackID string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout sets how long WithTx waits for the transaction slot.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		slot:        make(chan struct{}, 1),
		lockTimeout: DefaultLockTimeout,
		users:       make(map[string]*model.User),
		tracks:      make(map[string]*model.Track),
		holdings:    make(map[holdingKey]*model.Holding),
		txKeys:      make(map[string]int),
		orders:      make(map[string]*model.LimitOrder),
		alerts:      make(map[string]*model.PriceAlert),
		intents:     make(map[string]*model.PaymentIntent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) release() { <-s.slot }

// write runs a single-statement mutation under the transaction slot so it
// cannot interleave with an open unit of work.
func (s *MemoryStore) write(ctx context.Context, fn func() error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	tx := &memTx{
		s:        s,
		users:    make(map[string]model.User),
		tracks:   make(map[string]model.Track),
		holdings: make(map[holdingKey]*model.Holding),
		orders:   make(map[string]model.LimitOrder),
		alerts:   make(map[string]model.PriceAlert),
		intents:  make(map[string]model.PaymentIntent),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range tx.users {
		u := u
		s.users[id] = &u
	}
	for id, t := range tx.tracks {
		t := t
		s.tracks[id] = &t
	}
	for k, h := range tx.holdings {
		if h == nil {
			delete(s.holdings, k)
			continue
		}
		cp := *h
		s.holdings[k] = &cp
	}
	for _, t := range tx.txs {
		s.txs = append(s.txs, t)
		if t.IdempotencyKey != "" {
			s.txKeys[t.IdempotencyKey] = len(s.txs) - 1
		}
	}
	for id, o := range tx.orders {
		o := o
		s.orders[id] = &o
	}
	for id, a := range tx.alerts {
		a := a
		s.alerts[id] = &a
	}
	for ref, p := range tx.intents {
		p := p
		s.intents[ref] = &p
	}
}

// --- Users ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.write(ctx, func() error {
		if _, ok := s.users[u.ID]; ok {
			return fmt.Errorf("%w: user %s", ErrDuplicateKey, u.ID)
		}
		cp := *u
		s.users[u.ID] = &cp
		return nil
	})
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// --- Tracks ---

func (s *MemoryStore) CreateTrack(ctx context.Context, t *model.Track) error {
	return s.write(ctx, func() error {
		if _, ok := s.tracks[t.ID]; ok {
			return fmt.Errorf("%w: track %s", ErrDuplicateKey, t.ID)
		}
		for _, existing := range s.tracks {
			if t.ISRC != "" && existing.ISRC == t.ISRC {
				return fmt.Errorf("%w: isrc %s", ErrDuplicateKey, t.ISRC)
			}
		}
		cp := *t
		s.tracks[t.ID] = &cp
		return nil
	})
}

func (s *MemoryStore) GetTrack(_ context.Context, id string) (*model.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tracks[id]
	if !ok {
		return nil, fmt.Errorf("track %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTracks(_ context.Context) ([]model.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracks := make([]model.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, *t)
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].CreatedAt.Equal(tracks[j].CreatedAt) {
			return tracks[i].ID < tracks[j].ID
		}
		return tracks[i].CreatedAt.Before(tracks[j].CreatedAt)
	})
	return tracks, nil
}

func (s *MemoryStore) SetTrackPrice(ctx context.Context, id string, price decimal.Decimal) error {
	return s.write(ctx, func() error {
		t, ok := s.tracks[id]
		if !ok {
			return fmt.Errorf("track %s: %w", id, ErrNotFound)
		}
		t.CurrentPrice = price
		return nil
	})
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, trackID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey{userID, trackID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, trackID, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.userID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TrackID < result[j].TrackID })
	return result, nil
}

// --- Transactions ---

func (s *MemoryStore) GetTransactionByKey(_ context.Context, key string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.txKeys[key]
	if !ok {
		return nil, fmt.Errorf("transaction key %s: %w", key, ErrNotFound)
	}
	cp := s.txs[i]
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, f TransactionFilter) ([]model.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Transaction
	// Walk backwards so equal timestamps keep newest-inserted first.
	for i := len(s.txs) - 1; i >= 0; i-- {
		t := s.txs[i]
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.TrackID != "" && t.TrackID != f.TrackID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && t.CreatedAt.After(f.To) {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []model.Transaction{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	if matched == nil {
		matched = []model.Transaction{}
	}
	return matched, total, nil
}

// --- Limit orders ---

func (s *MemoryStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.write(ctx, func() error {
		if _, ok := s.orders[o.ID]; ok {
			return fmt.Errorf("%w: order %s", ErrDuplicateKey, o.ID)
		}
		cp := *o
		s.orders[o.ID] = &cp
		s.orderSeq = append(s.orderSeq, o.ID)
		return nil
	})
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.LimitOrder{}
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.TrackID != "" && o.TrackID != f.TrackID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, *o)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- Price alerts ---

func (s *MemoryStore) CreateAlert(ctx context.Context, a *model.PriceAlert) error {
	return s.write(ctx, func() error {
		if _, ok := s.alerts[a.ID]; ok {
			return fmt.Errorf("%w: alert %s", ErrDuplicateKey, a.ID)
		}
		cp := *a
		s.alerts[a.ID] = &cp
		s.alertSeq = append(s.alertSeq, a.ID)
		return nil
	})
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*model.PriceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DeleteAlert(ctx context.Context, id string) error {
	return s.write(ctx, func() error {
		if _, ok := s.alerts[id]; !ok {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		delete(s.alerts, id)
		return nil
	})
}

func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]model.PriceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.PriceAlert{}
	for _, id := range s.alertSeq {
		a, ok := s.alerts[id]
		if !ok {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.TrackID != "" && a.TrackID != f.TrackID {
			continue
		}
		if f.Armed && (!a.IsActive || a.Triggered) {
			continue
		}
		result = append(result, *a)
	}
	return result, nil
}

// --- Payment intents ---

func (s *MemoryStore) CreateIntent(ctx context.Context, p *model.PaymentIntent) error {
	return s.write(ctx, func() error {
		if _, ok := s.intents[p.Reference]; ok {
			return fmt.Errorf("%w: intent %s", ErrDuplicateKey, p.Reference)
		}
		cp := *p
		s.intents[p.Reference] = &cp
		return nil
	})
}

func (s *MemoryStore) GetIntent(_ context.Context, reference string) (*model.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.intents[reference]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", reference, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListIntentsExpiring(_ context.Context, now time.Time) ([]model.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PaymentIntent
	for _, p := range s.intents {
		if p.Status == model.IntentPending && !now.Before(p.ExpiresAt) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

// memTx stages writes for one unit of work. Reads see the overlay first,
// then committed state. A nil holding in the overlay marks a deletion.
type memTx struct {
	s        *MemoryStore
	users    map[string]model.User
	tracks   map[string]model.Track
	holdings map[holdingKey]*model.Holding
	txs      []model.Transaction
	orders   map[string]model.LimitOrder
	alerts   map[string]model.PriceAlert
	intents  map[string]model.PaymentIntent
}

func (tx *memTx) LockTrack(_ context.Context, id string) (*model.Track, error) {
	if t, ok := tx.tracks[id]; ok {
		return &t, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	t, ok := tx.s.tracks[id]
	if !ok {
		return nil, fmt.Errorf("track %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (tx *memTx) LockUser(_ context.Context, id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		return &u, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	u, ok := tx.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (tx *memTx) LockHolding(_ context.Context, userID, trackID string) (*model.Holding, error) {
	k := holdingKey{userID, trackID}
	if h, ok := tx.holdings[k]; ok {
		if h == nil {
			return nil, fmt.Errorf("holding %s/%s: %w", userID, trackID, ErrNotFound)
		}
		cp := *h
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	h, ok := tx.s.holdings[k]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, trackID, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (tx *memTx) LockOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	if o, ok := tx.orders[id]; ok {
		return &o, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (tx *memTx) LockAlert(_ context.Context, id string) (*model.PriceAlert, error) {
	if a, ok := tx.alerts[id]; ok {
		return &a, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	a, ok := tx.s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (tx *memTx) LockIntent(_ context.Context, reference string) (*model.PaymentIntent, error) {
	if p, ok := tx.intents[reference]; ok {
		return &p, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	p, ok := tx.s.intents[reference]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", reference, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) TransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	for i := range tx.txs {
		if tx.txs[i].IdempotencyKey == key {
			cp := tx.txs[i]
			return &cp, nil
		}
	}
	return tx.s.GetTransactionByKey(ctx, key)
}

func (tx *memTx) UpdateTrackSupply(ctx context.Context, id string, available decimal.Decimal) error {
	t, err := tx.LockTrack(ctx, id)
	if err != nil {
		return err
	}
	t.AvailableSupply = available
	tx.tracks[id] = *t
	return nil
}

func (tx *memTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	u, err := tx.LockUser(ctx, id)
	if err != nil {
		return err
	}
	u.CashBalance = balance
	tx.users[id] = *u
	return nil
}

func (tx *memTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	if _, err := tx.LockHolding(ctx, h.UserID, h.TrackID); err == nil {
		return fmt.Errorf("%w: holding %s/%s", ErrDuplicateKey, h.UserID, h.TrackID)
	}
	cp := *h
	tx.holdings[holdingKey{h.UserID, h.TrackID}] = &cp
	return nil
}

func (tx *memTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	if _, err := tx.LockHolding(ctx, h.UserID, h.TrackID); err != nil {
		return err
	}
	cp := *h
	tx.holdings[holdingKey{h.UserID, h.TrackID}] = &cp
	return nil
}

func (tx *memTx) DeleteHolding(ctx context.Context, userID, trackID string) error {
	if _, err := tx.LockHolding(ctx, userID, trackID); err != nil {
		return err
	}
	tx.holdings[holdingKey{userID, trackID}] = nil
	return nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	if t.IdempotencyKey != "" {
		if _, err := tx.TransactionByKey(ctx, t.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: idempotency key %s", ErrDuplicateKey, t.IdempotencyKey)
		}
	}
	tx.txs = append(tx.txs, *t)
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o *model.LimitOrder) error {
	if _, err := tx.LockOrder(ctx, o.ID); err != nil {
		return err
	}
	tx.orders[o.ID] = *o
	return nil
}

func (tx *memTx) UpdateAlert(ctx context.Context, a *model.PriceAlert) error {
	if _, err := tx.LockAlert(ctx, a.ID); err != nil {
		return err
	}
	tx.alerts[a.ID] = *a
	return nil
}

func (tx *memTx) UpdateIntent(ctx context.Context, p *model.PaymentIntent) error {
	if _, err := tx.LockIntent(ctx, p.Reference); err != nil {
		return err
	}
	tx.intents[p.Reference] = *p
	return nil
}
