package portfolio

import (
	"sort"
	"sync"
	"time"

	"tradearena/pkg/types"
)

// userState is one participant's portfolio plus their active short lots,
// ordered by open time ascending. Everything in it is guarded by mu; the
// executor holds mu across the whole trade, including the persistence call,
// so that a user's trades apply strictly one at a time.
type userState struct {
	mu   sync.Mutex
	p    types.PortfolioSnapshot
	lots []types.ShortPosition
}

// Registry holds the in-memory state of every participant with one lazily
// created lock per user. Different users trade in parallel; the registry
// lock only guards the user map itself.
type Registry struct {
	mu    sync.Mutex
	users map[string]*userState
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*userState)}
}

// seedPortfolio is the state every participant starts from.
func seedPortfolio(email string) types.PortfolioSnapshot {
	return types.PortfolioSnapshot{
		UserEmail:   email,
		Cash:        types.SeedCash,
		Holdings:    make(map[string]types.Holding),
		TotalWealth: types.SeedCash,
		LastUpdated: time.Now().UTC(),
	}
}

// Load primes the registry from persisted state at boot. Inactive lots are
// ignored; per-user lot order follows open time.
func (r *Registry) Load(portfolios []types.PortfolioSnapshot, lots []types.ShortPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range portfolios {
		if p.Holdings == nil {
			p.Holdings = make(map[string]types.Holding)
		}
		r.users[p.UserEmail] = &userState{p: p}
	}
	for _, lot := range lots {
		if !lot.IsActive {
			continue
		}
		u, ok := r.users[lot.UserEmail]
		if !ok {
			u = &userState{p: seedPortfolio(lot.UserEmail)}
			r.users[lot.UserEmail] = u
		}
		u.lots = append(u.lots, lot)
	}
	for _, u := range r.users {
		sort.SliceStable(u.lots, func(i, j int) bool {
			return u.lots[i].OpenedAt.Before(u.lots[j].OpenedAt)
		})
	}
}

// user returns the state for email, creating it at seed on first contact.
func (r *Registry) user(email string) *userState {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[email]
	if !ok {
		u = &userState{p: seedPortfolio(email)}
		r.users[email] = u
	}
	return u
}

// withUser runs fn under the user's lock. fn sees (and may replace) the
// authoritative state.
func (r *Registry) withUser(email string, fn func(*userState) error) error {
	u := r.user(email)
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(u)
}

// Read returns copies of the user's portfolio and active lots, creating the
// user at seed on first contact.
func (r *Registry) Read(email string) (types.PortfolioSnapshot, []types.ShortPosition) {
	u := r.user(email)
	u.mu.Lock()
	defer u.mu.Unlock()
	return clonePortfolio(u.p), cloneLots(u.lots)
}

// Emails lists every registered participant, sorted.
func (r *Registry) Emails() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for e := range r.users {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// ResetAll returns every portfolio to the seed and drops all lots. It
// reports how many users were reset.
func (r *Registry) ResetAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for email, u := range r.users {
		u.mu.Lock()
		u.p = seedPortfolio(email)
		u.lots = nil
		u.mu.Unlock()
	}
	return len(r.users)
}

func clonePortfolio(p types.PortfolioSnapshot) types.PortfolioSnapshot {
	out := p
	out.Holdings = make(map[string]types.Holding, len(p.Holdings))
	for s, h := range p.Holdings {
		out.Holdings[s] = h
	}
	return out
}

func cloneLots(lots []types.ShortPosition) []types.ShortPosition {
	if len(lots) == 0 {
		return nil
	}
	out := make([]types.ShortPosition, len(lots))
	copy(out, lots)
	return out
}
