package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/keygate-dev/keygate/pkg/config"
	"github.com/keygate-dev/keygate/pkg/keystore"
)

func newTestState(t *testing.T, upstreams []config.UpstreamConfig, keys map[string][]string) *State {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultServerConfig()
	cfg.DataDir = dir
	cfg.AdminTokens = []string{"test-admin"}
	cfg.Upstreams = upstreams
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	store, err := keystore.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for id, secrets := range keys {
		if _, err := store.AddKeys(id, secrets); err != nil {
			t.Fatalf("add keys: %v", err)
		}
	}
	ledger, err := keystore.NewBillingLedger(store)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(ledger.Close)
	state, err := New(cfg, store, ledger, NewRequestLog(64, ""))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return state
}

func upstreamCfg(id string, weight int) config.UpstreamConfig {
	return config.UpstreamConfig{ID: id, BaseURL: "http://" + id + ".example.com", Weight: weight}
}

func TestSelectorSkipsCooledKeys(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"k1", "k2", "k3"}},
	)
	u, _ := state.UpstreamByID("a")
	cooled := u.Keys()[1]
	cooled.cool.Fail(time.Now().UnixMilli(), 60_000, 6)

	for i := 0; i < 50; i++ {
		cands := state.Candidates("")
		for {
			sel, ok := cands.Next()
			if !ok {
				break
			}
			if sel.Key == cooled {
				t.Fatal("selector yielded a cooled-down key")
			}
		}
	}
}

func TestSelectorSkipsCooledUpstreams(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1), upstreamCfg("b", 1)},
		map[string][]string{"a": {"ka"}, "b": {"kb"}},
	)
	ua, _ := state.UpstreamByID("a")
	ua.cool.Fail(time.Now().UnixMilli(), 60_000, 6)

	for i := 0; i < 20; i++ {
		sel, ok := state.Candidates("").Next()
		if !ok {
			t.Fatal("expected a candidate")
		}
		if sel.Upstream.ID != "b" {
			t.Fatalf("selected cooled upstream %q", sel.Upstream.ID)
		}
	}
}

func TestSelectorNeverRepeatsKeyInOneSequence(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 3), upstreamCfg("b", 2)},
		map[string][]string{"a": {"a1", "a2", "a3"}, "b": {"b1", "b2"}},
	)
	cands := state.Candidates("")
	seen := map[*KeyState]struct{}{}
	count := 0
	for {
		sel, ok := cands.Next()
		if !ok {
			break
		}
		if _, dup := seen[sel.Key]; dup {
			t.Fatalf("key %s yielded twice", sel.Key.Redacted())
		}
		seen[sel.Key] = struct{}{}
		count++
	}
	if count != 5 {
		t.Fatalf("sequence yielded %d candidates, want 5", count)
	}
}

func TestSelectorWeightFairness(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 3), upstreamCfg("b", 1)},
		map[string][]string{"a": {"ka"}, "b": {"kb"}},
	)
	const rounds = 4000
	counts := map[string]int{}
	for i := 0; i < rounds; i++ {
		sel, ok := state.Candidates("").Next()
		if !ok {
			t.Fatal("expected a candidate")
		}
		counts[sel.Upstream.ID]++
	}
	shareA := float64(counts["a"]) / rounds
	if shareA < 0.65 || shareA > 0.85 {
		t.Fatalf("upstream a share = %.3f, want ~0.75", shareA)
	}
}

func TestSelectorExhaustsToNoCandidate(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"k1"}},
	)
	u, _ := state.UpstreamByID("a")
	u.Keys()[0].cool.Fail(time.Now().UnixMilli(), 60_000, 6)
	if _, ok := state.Candidates("").Next(); ok {
		t.Fatal("expected no candidate with the only key cooled")
	}
}

func TestSelectorHonoursRouteTable(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1), upstreamCfg("b", 1)},
		map[string][]string{"a": {"ka"}, "b": {"kb"}},
	)
	if _, err := state.Routes.Put(map[string][]string{"b": {"gpt-test"}}); err != nil {
		t.Fatalf("put routes: %v", err)
	}

	for i := 0; i < 10; i++ {
		sel, ok := state.Candidates("gpt-test").Next()
		if !ok {
			t.Fatal("expected a candidate for routed model")
		}
		if sel.Upstream.ID != "b" {
			t.Fatalf("routed model selected %q, want b", sel.Upstream.ID)
		}
	}

	// A model absent from the table leaves all upstreams in play.
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		sel, ok := state.Candidates("unrouted-model").Next()
		if !ok {
			t.Fatal("expected a candidate for unrouted model")
		}
		seen[sel.Upstream.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("unrouted model should rotate across upstreams, saw %v", seen)
	}
}

func TestSelectorRecordsSelectionMetadata(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"k1"}},
	)
	sel, ok := state.Candidates("").Next()
	if !ok {
		t.Fatal("expected candidate")
	}
	if sel.Key.LastSelectedMS() == 0 {
		t.Fatal("last_selected_ms not recorded")
	}
	if sel.Upstream.Stats.SelectedTotal.Load() != 1 {
		t.Fatal("selected_total not incremented")
	}
	if state.Stats.UpstreamSelectedTotal.Load() != 1 {
		t.Fatal("global selected_total not incremented")
	}
}

func TestOnStatusBackoffLadder(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"k1"}},
	)
	u, _ := state.UpstreamByID("a")
	key := u.Keys()[0]
	sel := Selected{Upstream: u, Key: key}

	now := time.Now().UnixMilli()
	want := []int64{30_000, 60_000, 120_000}
	for i, w := range want {
		state.OnStatus(sel, 429, now)
		until, _ := key.Cooldown()
		if got := until - now; got != w {
			t.Fatalf("429 #%d: cooldown = %d, want %d", i+1, got, w)
		}
	}
	// A success resets the ladder on both entities.
	state.OnStatus(sel, 200, now)
	if until, streak := key.Cooldown(); until != 0 || streak != 0 {
		t.Fatalf("success did not reset key: until=%d streak=%d", until, streak)
	}
	if until, streak := u.Cooldown(); until != 0 || streak != 0 {
		t.Fatalf("success did not reset upstream: until=%d streak=%d", until, streak)
	}
}

func TestOnStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		keyCooled bool
		upCooled  bool
	}{
		{401, true, false},
		{403, true, false},
		{429, true, false},
		{500, false, true},
		{503, false, true},
		{404, false, false},
		{400, false, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			state := newTestState(t,
				[]config.UpstreamConfig{upstreamCfg("a", 1)},
				map[string][]string{"a": {"k1"}},
			)
			u, _ := state.UpstreamByID("a")
			sel := Selected{Upstream: u, Key: u.Keys()[0]}
			now := time.Now().UnixMilli()
			state.OnStatus(sel, tc.status, now)
			kUntil, _ := sel.Key.Cooldown()
			uUntil, _ := u.Cooldown()
			if got := kUntil > now; got != tc.keyCooled {
				t.Fatalf("key cooled = %v, want %v", got, tc.keyCooled)
			}
			if got := uUntil > now; got != tc.upCooled {
				t.Fatalf("upstream cooled = %v, want %v", got, tc.upCooled)
			}
		})
	}
}

func TestReloadDropsDeletedKeys(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"k1"}},
	)
	if _, ok := state.Candidates("").Next(); !ok {
		t.Fatal("expected candidate before reload")
	}
	// Remove the key behind the router's back, then reload.
	if err := state.Store.ReplaceKeys("a", nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := state.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	u, _ := state.UpstreamByID("a")
	if len(u.Keys()) != 0 {
		t.Fatalf("expected empty pool after reload, got %d", len(u.Keys()))
	}
	if _, ok := state.Candidates("").Next(); ok {
		t.Fatal("expected no candidate after reload")
	}
}

func TestReplaceKeysAtomicVisibility(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"old1", "old2"}},
	)
	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := state.Candidates("").Next(); !ok {
				errCh <- fmt.Errorf("selector observed an empty pool mid-replace")
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := state.ReplaceKeys("a", []string{fmt.Sprintf("new-%d-1", i), fmt.Sprintf("new-%d-2", i)}); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	close(stop)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestUpstreamCountersSurviveReload(t *testing.T) {
	state := newTestState(t,
		[]config.UpstreamConfig{upstreamCfg("a", 1)},
		map[string][]string{"a": {"k1"}},
	)
	u, _ := state.UpstreamByID("a")
	u.Stats.Responses2xx.Add(3)
	if err := state.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	u2, _ := state.UpstreamByID("a")
	if u2.Stats.Responses2xx.Load() != 3 {
		t.Fatal("per-upstream counters lost on reload")
	}
	// Cooldowns are reset by reload.
	if until, _ := u2.Cooldown(); until != 0 {
		t.Fatal("reload should reset cooldown state")
	}
}
