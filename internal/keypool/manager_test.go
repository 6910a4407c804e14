package keypool_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/keypool"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func envOf(vals map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vals[name]
		return v, ok
	}
}

func newManager(t *testing.T, clock *fakeClock) *keypool.Manager {
	t.Helper()
	return keypool.NewManager(keypool.Options{
		Lookup: envOf(map[string]string{
			"OPENAI_API_KEY":   "k1",
			"OPENAI_API_KEY_2": "k2",
			"OPENAI_API_KEY_5": "k5",
		}),
		Now: clock.Now,
	})
}

func TestLoad_PrimaryAndSuffixedKeys(t *testing.T) {
	m := keypool.NewManager(keypool.Options{
		Lookup: envOf(map[string]string{
			"K": "a", "K_2": "b", "K_20": "c", "K_21": "ignored", "K_3": " ",
		}),
		Extra: map[string][]string{"K": {"d", "a"}},
	})
	assert.Equal(t, 4, m.Count("K"))
	assert.Equal(t, 0, m.Count("MISSING"))

	_, ok := m.Next("MISSING")
	assert.False(t, ok)
}

func TestNext_RoundRobinFairness(t *testing.T) {
	m := newManager(t, &fakeClock{now: time.Unix(1000, 0)})

	for cycle := 0; cycle < 3; cycle++ {
		seen := map[string]int{}
		for i := 0; i < 3; i++ {
			k, ok := m.Next("OPENAI_API_KEY")
			require.True(t, ok)
			seen[k]++
		}
		assert.Equal(t, map[string]int{"k1": 1, "k2": 1, "k5": 1}, seen)
	}
}

func TestCooldown_ExcludedForExactDuration(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(t, clock)

	m.MarkCooldown("OPENAI_API_KEY", "k2", 5*time.Second)

	for i := 0; i < 6; i++ {
		k, _ := m.Next("OPENAI_API_KEY")
		assert.NotEqual(t, "k2", k)
	}

	clock.Advance(5*time.Second - time.Nanosecond)
	for i := 0; i < 4; i++ {
		k, _ := m.Next("OPENAI_API_KEY")
		assert.NotEqual(t, "k2", k)
	}

	clock.Advance(time.Nanosecond)
	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		k, _ := m.Next("OPENAI_API_KEY")
		got[k] = true
	}
	assert.True(t, got["k2"], "k2 should be eligible once its cooldown expires")
}

func TestNext_AllCoolingReturnsSoonestExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(t, clock)

	m.MarkCooldown("OPENAI_API_KEY", "k1", 30*time.Second)
	m.MarkCooldown("OPENAI_API_KEY", "k2", 10*time.Second)
	m.MarkCooldown("OPENAI_API_KEY", "k5", 20*time.Second)

	k, ok := m.Next("OPENAI_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "k2", k)

	st := m.Snapshot()["OPENAI_API_KEY"]
	assert.Equal(t, keypool.PoolStatus{Keys: 3, Cooling: 3}, st)
}

func TestMarkCooldown_DefaultDurationAndUnknownKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(t, clock)

	m.MarkCooldown("OPENAI_API_KEY", "k1", 0)
	m.MarkCooldown("OPENAI_API_KEY", "nope", time.Hour)
	assert.Equal(t, 1, m.Snapshot()["OPENAI_API_KEY"].Cooling)

	clock.Advance(keypool.DefaultCooldown)
	assert.Equal(t, 0, m.Snapshot()["OPENAI_API_KEY"].Cooling)
}

func TestNext_ConcurrentCallers(t *testing.T) {
	m := newManager(t, &fakeClock{now: time.Unix(1000, 0)})
	var wg sync.WaitGroup
	counts := make(chan string, 300)
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, _ := m.Next("OPENAI_API_KEY")
			counts <- k
		}()
	}
	wg.Wait()
	close(counts)
	tally := map[string]int{}
	for k := range counts {
		tally[k]++
	}
	assert.Equal(t, map[string]int{"k1": 100, "k2": 100, "k5": 100}, tally)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "sk-abcde...", keypool.Mask("sk-abcdefghijkl"))
	assert.Equal(t, "***", keypool.Mask("short"))
}
