// Package position implements the hot path's in-memory position
// aggregate, grounded on the teacher's risk checker: a mutex-guarded
// nested map keyed by (trader, symbol), generalized here with a secondary
// trader->symbols index and striped locking so updates to distinct keys
// contend only when their keys hash to the same one of the 64 stripes.
package position

import (
	"sync"

	"github.com/rishav/eod-stream-engine/internal/domain"
)

const stripeCount = 64

type stripe struct {
	mu    sync.Mutex
	byKey map[string]*domain.Position
}

// Store is a concurrent map of (trader_id, symbol) -> *domain.Position.
// Each key's updates serialize through its stripe's mutex; distinct keys
// on different stripes do not block each other, while distinct keys that
// share a stripe serialize as well.
type Store struct {
	stripes [stripeCount]*stripe

	idxMu       sync.RWMutex
	traderIndex map[string]map[string]struct{} // trader -> set<symbol>
}

// New constructs an empty store.
func New() *Store {
	s := &Store{traderIndex: make(map[string]map[string]struct{})}
	for i := range s.stripes {
		s.stripes[i] = &stripe{byKey: make(map[string]*domain.Position)}
	}
	return s
}

func key(traderID, symbol string) string {
	return traderID + "\x00" + symbol
}

func (s *Store) stripeFor(k string) *stripe {
	var h uint32
	for i := 0; i < len(k); i++ {
		h = h*31 + uint32(k[i])
	}
	return s.stripes[h%stripeCount]
}

// GetOrCreate returns the position for (traderID, symbol), creating a
// zero-value entry on first access and recording the secondary index.
func (s *Store) GetOrCreate(traderID, symbol string) *domain.Position {
	k := key(traderID, symbol)
	st := s.stripeFor(k)

	st.mu.Lock()
	pos, ok := st.byKey[k]
	if !ok {
		pos = &domain.Position{TraderID: traderID, Symbol: symbol}
		st.byKey[k] = pos
	}
	st.mu.Unlock()

	if !ok {
		s.idxMu.Lock()
		if s.traderIndex[traderID] == nil {
			s.traderIndex[traderID] = make(map[string]struct{})
		}
		s.traderIndex[traderID][symbol] = struct{}{}
		s.idxMu.Unlock()
	}
	return pos
}

// ApplyTrade folds a trade into the (traderID, symbol) position under that
// key's stripe lock, returning a value copy of the post-update state so
// callers never hold a reference that could be mutated concurrently.
func (s *Store) ApplyTrade(traderID, symbol string, side domain.Side, qty, priceMantissa, nowNS int64) domain.Position {
	k := key(traderID, symbol)
	st := s.stripeFor(k)

	st.mu.Lock()
	defer st.mu.Unlock()

	pos, ok := st.byKey[k]
	if !ok {
		pos = &domain.Position{TraderID: traderID, Symbol: symbol}
		st.byKey[k] = pos
		s.idxMu.Lock()
		if s.traderIndex[traderID] == nil {
			s.traderIndex[traderID] = make(map[string]struct{})
		}
		s.traderIndex[traderID][symbol] = struct{}{}
		s.idxMu.Unlock()
	}
	pos.ApplyTrade(side, qty, priceMantissa, nowNS)
	return *pos
}

// Get returns a snapshot copy of the position, or false if it doesn't exist.
func (s *Store) Get(traderID, symbol string) (domain.Position, bool) {
	k := key(traderID, symbol)
	st := s.stripeFor(k)
	st.mu.Lock()
	defer st.mu.Unlock()
	pos, ok := st.byKey[k]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// SetMark updates the mark price/source for an existing position under its
// stripe lock. No-op if the position does not exist.
func (s *Store) SetMark(traderID, symbol string, markMantissa int64, source domain.MarkSource) {
	k := key(traderID, symbol)
	st := s.stripeFor(k)
	st.mu.Lock()
	defer st.mu.Unlock()
	if pos, ok := st.byKey[k]; ok {
		pos.MarkPriceMantissa = markMantissa
		pos.MarkSource = source
	}
}

// SymbolsForTrader returns the set of symbols held by a trader.
func (s *Store) SymbolsForTrader(traderID string) []string {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	symbols := make([]string, 0, len(s.traderIndex[traderID]))
	for sym := range s.traderIndex[traderID] {
		symbols = append(symbols, sym)
	}
	return symbols
}

// All returns a snapshot copy of every position currently held. Intended
// for diagnostics/tests, not the hot path.
func (s *Store) All() []domain.Position {
	var out []domain.Position
	for _, st := range s.stripes {
		st.mu.Lock()
		for _, pos := range st.byKey {
			out = append(out, *pos)
		}
		st.mu.Unlock()
	}
	return out
}
