package position

import (
	"sync"
	"time"

	"funding_arb/internal/core"
)

// maxSingleLegRetries is the fixed retry budget for completing a missing leg.
// The 5th exhausted retry closes the surviving leg and cools the pair down.
const maxSingleLegRetries = 5

// SingleLegRetryInfo records the intent behind a partially opened pair so the
// handler knows which venue the missing leg belongs on. Created when a plan
// is submitted, deleted on pairing or forced closure.
type SingleLegRetryInfo struct {
	RetryCount    int
	LongExchange  string
	ShortExchange string
	Opportunity   core.Opportunity
	CreatedAt     time.Time
	LastRetryTime time.Time
}

// TargetExchange returns the venue the missing leg should be opened on, given
// the exchange of the surviving leg.
func (i *SingleLegRetryInfo) TargetExchange(survivingExchange string) string {
	if survivingExchange == i.LongExchange {
		return i.ShortExchange
	}
	return i.LongExchange
}

// RetryRegistry owns SingleLegRetryInfo records keyed by pair.
type RetryRegistry struct {
	mu      sync.Mutex
	records map[core.PairKey]*SingleLegRetryInfo
}

// NewRetryRegistry creates an empty registry.
func NewRetryRegistry() *RetryRegistry {
	return &RetryRegistry{records: make(map[core.PairKey]*SingleLegRetryInfo)}
}

// Create registers a record for a submitted plan, replacing any stale one.
func (r *RetryRegistry) Create(opp core.Opportunity) core.PairKey {
	key := core.NewPairKey(opp.Symbol, opp.LongExchange, opp.ShortExchange)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = &SingleLegRetryInfo{
		LongExchange:  opp.LongExchange,
		ShortExchange: opp.ShortExchange,
		Opportunity:   opp,
		CreatedAt:     time.Now(),
	}
	return key
}

// Get returns the record for a pair, or nil.
func (r *RetryRegistry) Get(key core.PairKey) *SingleLegRetryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[key]
}

// Find returns the record covering the given symbol and surviving exchange,
// along with its key. A surviving leg matches when its exchange is one of the
// record's two venues.
func (r *RetryRegistry) Find(symbol, exchange string) (core.PairKey, *SingleLegRetryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, info := range r.records {
		if key.Symbol != symbol {
			continue
		}
		if info.LongExchange == exchange || info.ShortExchange == exchange {
			return key, info, true
		}
	}
	return core.PairKey{}, nil, false
}

// RecordFailure increments the retry count and returns the new count.
func (r *RetryRegistry) RecordFailure(key core.PairKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.records[key]
	if !ok {
		return maxSingleLegRetries
	}
	info.RetryCount++
	info.LastRetryTime = time.Now()
	return info.RetryCount
}

// Delete removes the record for a pair.
func (r *RetryRegistry) Delete(key core.PairKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
}
