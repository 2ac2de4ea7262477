package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Units of work always read and lock rows on the primary. After a unit
// commits, the cache entries of every user, track and holding it touched
// are dropped.
//
// Each cached key has a generation counter bumped on every invalidation. A
// read that missed only fills the cache if the generation it saw before
// reading the primary is still current, so a slow reader never writes back
// a row that a commit already invalidated.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		rec.keys = rec.keys[:0]
		return fn(rec)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, rec.keys...)
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateTrack(ctx context.Context, t *model.Track) error {
	if err := s.primary.CreateTrack(ctx, t); err != nil {
		return err
	}
	s.cache(ctx, trackKey(t.ID), t)
	return nil
}

func (s *CachedStore) SetTrackPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if err := s.primary.SetTrackPrice(ctx, id, price); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, trackKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}
	gen, ok := s.generation(ctx, userKey(id))
	fresh, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userKey(id), gen, fresh)
	}
	return fresh, nil
}

func (s *CachedStore) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	var t model.Track
	if s.lookup(ctx, trackKey(id), &t) {
		return &t, nil
	}
	gen, ok := s.generation(ctx, trackKey(id))
	fresh, err := s.primary.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, trackKey(id), gen, fresh)
	}
	return fresh, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	var holdings []model.Holding
	if s.lookup(ctx, holdingsKey(userID), &holdings) {
		return holdings, nil
	}
	gen, ok := s.generation(ctx, holdingsKey(userID))
	fresh, err := s.primary.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, holdingsKey(userID), gen, fresh)
	}
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTracks(ctx context.Context) ([]model.Track, error) {
	return s.primary.ListTracks(ctx)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, trackID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, trackID)
}

func (s *CachedStore) GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	return s.primary.GetTransactionByKey(ctx, key)
}

func (s *CachedStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int, error) {
	return s.primary.ListTransactions(ctx, f)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.LimitOrder, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) CreateAlert(ctx context.Context, a *model.PriceAlert) error {
	return s.primary.CreateAlert(ctx, a)
}

func (s *CachedStore) GetAlert(ctx context.Context, id string) (*model.PriceAlert, error) {
	return s.primary.GetAlert(ctx, id)
}

func (s *CachedStore) DeleteAlert(ctx context.Context, id string) error {
	return s.primary.DeleteAlert(ctx, id)
}

func (s *CachedStore) ListAlerts(ctx context.Context, f AlertFilter) ([]model.PriceAlert, error) {
	return s.primary.ListAlerts(ctx, f)
}

func (s *CachedStore) CreateIntent(ctx context.Context, p *model.PaymentIntent) error {
	return s.primary.CreateIntent(ctx, p)
}

func (s *CachedStore) GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	return s.primary.GetIntent(ctx, reference)
}

func (s *CachedStore) ListIntentsExpiring(ctx context.Context, now time.Time) ([]model.PaymentIntent, error) {
	return s.primary.ListIntentsExpiring(ctx, now)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// fillScript sets KEYS[1] only while the generation in KEYS[2] still equals
// ARGV[1]. A missing generation counts as "0".
var fillScript = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
	return false
end
if tonumber(ARGV[3]) > 0 then
	return redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return redis.call('SET', KEYS[1], ARGV[2])
`)

// minGenerationTTL bounds how long a generation counter outlives its last
// bump. It must exceed the longest primary read.
const minGenerationTTL = time.Minute

// generation returns the current generation of key. ok is false when Redis
// could not answer, in which case the caller must not fill.
func (s *CachedStore) generation(ctx context.Context, key string) (string, bool) {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0", true
	case err != nil:
		return "", false
	}
	return gen, true
}

func (s *CachedStore) fill(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = fillScript.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds()).Err()
}

// invalidate drops keys and bumps their generations in one MULTI.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	genTTL := s.ttl
	if genTTL < minGenerationTTL {
		genTTL = minGenerationTTL
	}
	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Incr(ctx, genKey(k))
		pipe.Expire(ctx, genKey(k), genTTL)
		pipe.Del(ctx, k)
	}
	_, _ = pipe.Exec(ctx)
}

func genKey(key string) string      { return "gen:" + key }
func userKey(id string) string      { return fmt.Sprintf("user:%s", id) }
func trackKey(id string) string     { return fmt.Sprintf("track:%s", id) }
func holdingsKey(uid string) string { return fmt.Sprintf("holdings:%s", uid) }

// recordingTx notes the cache keys a unit of work dirties.
type recordingTx struct {
	Tx
	keys []string
}

func (r *recordingTx) UpdateTrackSupply(ctx context.Context, id string, available decimal.Decimal) error {
	r.keys = append(r.keys, trackKey(id))
	return r.Tx.UpdateTrackSupply(ctx, id, available)
}

func (r *recordingTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	r.keys = append(r.keys, userKey(id))
	return r.Tx.UpdateUserBalance(ctx, id, balance)
}

func (r *recordingTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	r.keys = append(r.keys, holdingsKey(h.UserID))
	return r.Tx.InsertHolding(ctx, h)
}

func (r *recordingTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	r.keys = append(r.keys, holdingsKey(h.UserID))
	return r.Tx.UpdateHolding(ctx, h)
}

func (r *recordingTx) DeleteHolding(ctx context.Context, userID, trackID string) error {
	r.keys = append(r.keys, holdingsKey(userID))
	return r.Tx.DeleteHolding(ctx, userID, trackID)
}
