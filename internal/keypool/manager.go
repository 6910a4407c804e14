// Package keypool rotates upstream credentials per key namespace and tracks
// per-credential cooldowns after rate-limit signals.
package keypool

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCooldown  = 60 * time.Second
	DefaultMaxSuffix = 20
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// Lookup resolves an environment-style name; os.LookupEnv when nil.
	Lookup func(name string) (string, bool)
	// MaxSuffix is the highest N probed as NAME_N.
	MaxSuffix int
	Cooldown  time.Duration
	// Extra credentials appended after the looked-up ones, per namespace.
	Extra map[string][]string
	Now   func() time.Time
}

// Manager owns one pool per key namespace. Pools are created on first use and
// kept for the life of the process.
type Manager struct {
	mu        sync.Mutex
	pools     map[string]*pool
	lookup    func(string) (string, bool)
	maxSuffix int
	cooldown  time.Duration
	extra     map[string][]string
	now       func() time.Time
}

type pool struct {
	keys      []string
	cursor    int
	cooldowns map[string]time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		pools:     make(map[string]*pool),
		lookup:    opts.Lookup,
		maxSuffix: opts.MaxSuffix,
		cooldown:  opts.Cooldown,
		extra:     opts.Extra,
		now:       opts.Now,
	}
	if m.lookup == nil {
		m.lookup = os.LookupEnv
	}
	if m.maxSuffix <= 0 {
		m.maxSuffix = DefaultMaxSuffix
	}
	if m.cooldown <= 0 {
		m.cooldown = DefaultCooldown
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// poolLocked returns the pool for env, loading NAME, NAME_2..NAME_N and any
// extra keys on first use. Caller holds m.mu.
func (m *Manager) poolLocked(env string) *pool {
	if p, ok := m.pools[env]; ok {
		return p
	}
	p := &pool{cooldowns: make(map[string]time.Time)}
	seen := map[string]bool{}
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		p.keys = append(p.keys, k)
	}
	if v, ok := m.lookup(env); ok {
		add(v)
	}
	for i := 2; i <= m.maxSuffix; i++ {
		if v, ok := m.lookup(fmt.Sprintf("%s_%d", env, i)); ok {
			add(v)
		}
	}
	for _, k := range m.extra[env] {
		add(k)
	}
	m.pools[env] = p
	return p
}

// Count reports how many credentials env holds, cooling or not.
func (m *Manager) Count(env string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.poolLocked(env).keys)
}

// Next returns the first credential at or after the cursor that is not
// cooling down and moves the cursor past it. When every credential is cooling
// it returns the one whose cooldown ends soonest. ok is false only for an
// empty pool.
func (m *Manager) Next(env string) (key string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.poolLocked(env)
	n := len(p.keys)
	if n == 0 {
		return "", false
	}
	now := m.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := p.keys[idx]
		if until, cooling := p.cooldowns[k]; !cooling || !now.Before(until) {
			delete(p.cooldowns, k)
			p.cursor = (idx + 1) % n
			return k, true
		}
	}

	best := p.keys[0]
	bestUntil := p.cooldowns[best]
	for _, k := range p.keys[1:] {
		if until := p.cooldowns[k]; until.Before(bestUntil) {
			best, bestUntil = k, until
		}
	}
	return best, true
}

// MarkCooldown excludes key from rotation for d, or the default cooldown when
// d is not positive.
func (m *Manager) MarkCooldown(env, key string, d time.Duration) {
	if d <= 0 {
		d = m.cooldown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolLocked(env)
	for _, k := range p.keys {
		if k == key {
			p.cooldowns[key] = m.now().Add(d)
			return
		}
	}
}

// PoolStatus is a point-in-time view of one pool.
type PoolStatus struct {
	Keys    int `json:"keys"`
	Cooling int `json:"cooling"`
}

// Snapshot reports every pool created so far.
func (m *Manager) Snapshot() map[string]PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]PoolStatus, len(m.pools))
	for env, p := range m.pools {
		st := PoolStatus{Keys: len(p.keys)}
		for _, until := range p.cooldowns {
			if now.Before(until) {
				st.Cooling++
			}
		}
		out[env] = st
	}
	return out
}

// Mask shortens a credential for logs.
func Mask(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
