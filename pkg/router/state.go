package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/keygate-dev/keygate/pkg/config"
	"github.com/keygate-dev/keygate/pkg/keystore"
)

const maxUpstreamWeight = 100

var (
	// ErrUpstreamExists reports an id collision on upstream creation.
	ErrUpstreamExists = errors.New("upstream id already exists")
	// ErrUnknownUpstream reports an operation against a missing upstream id.
	ErrUnknownUpstream = errors.New("unknown upstream id")
)

// FailKind names the classified outcome kinds that drive cooldowns.
type FailKind uint32

const (
	FailNone FailKind = iota
	FailAuth
	FailRateLimit
	FailServer
	FailNetwork
	FailTimeout
)

func (k FailKind) String() string {
	switch k {
	case FailAuth:
		return "auth_error"
	case FailRateLimit:
		return "rate_limit"
	case FailServer:
		return "server_error"
	case FailNetwork:
		return "network_error"
	case FailTimeout:
		return "timeout"
	default:
		return ""
	}
}

// KeyState is one pool entry: the bearer secret plus its cooldown cell.
type KeyState struct {
	Secret     string
	AuthHeader string

	cool           cooldownCell
	lastSelectedMS atomic.Int64
	lastFailKind   atomic.Uint32
}

func (k *KeyState) Cooldown() (untilMS int64, streak uint32) { return k.cool.Load() }
func (k *KeyState) LastSelectedMS() int64                    { return k.lastSelectedMS.Load() }
func (k *KeyState) LastFailKind() FailKind                   { return FailKind(k.lastFailKind.Load()) }

// Redacted returns the secret reduced to its last four characters.
func (k *KeyState) Redacted() string {
	if len(k.Secret) <= 4 {
		return "****"
	}
	return "****" + k.Secret[len(k.Secret)-4:]
}

// Upstream is one configured provider endpoint with its key pool and
// circuit-breaker state.
type Upstream struct {
	ID      string
	BaseURL string
	Weight  int

	base *url.URL

	keys      atomic.Pointer[[]*KeyState]
	keyCursor atomic.Uint64

	cool  cooldownCell
	Stats *UpstreamStats
}

func (u *Upstream) Keys() []*KeyState {
	if p := u.keys.Load(); p != nil {
		return *p
	}
	return nil
}

func (u *Upstream) Cooldown() (untilMS int64, streak uint32) { return u.cool.Load() }

// TargetURL resolves the outbound URL for the original path-and-query.
func (u *Upstream) TargetURL(pathAndQuery string) string {
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	basePath := strings.TrimRight(u.base.Path, "/")
	return u.base.Scheme + "://" + u.base.Host + basePath + pathAndQuery
}

// Host returns the authority to present in the outbound Host header.
func (u *Upstream) Host() string { return u.base.Host }

// Snapshot is one immutable view of the routing table. Writers build a new
// snapshot and swap the pointer; readers in flight keep consuming theirs.
type Snapshot struct {
	Upstreams []*Upstream
	Index     map[string]int
	// Weighted round-robin schedule of indices into Upstreams.
	Schedule []int
}

// State is the shared routing state: the current snapshot, the global
// selection cursor, counters, cooldown configuration, and the handles the
// forwarder and the admin plane operate through.
type State struct {
	Ban            config.BanConfig
	RequestTimeout time.Duration

	proxyTokens map[string]struct{}
	adminTokens map[string]struct{}
	usageInject map[string]struct{}

	Store  *keystore.Store
	Ledger *keystore.BillingLedger
	Routes *RouteTable
	Stats  *Stats
	Metric *Metrics
	Log    *RequestLog

	upstreamsPath string

	snap   atomic.Pointer[Snapshot]
	cursor atomic.Uint64

	// mu serializes admin mutations (single-writer discipline).
	mu sync.Mutex
}

func New(cfg *config.ServerConfig, store *keystore.Store, ledger *keystore.BillingLedger, reqLog *RequestLog) (*State, error) {
	s := &State{
		Ban:            cfg.Ban,
		RequestTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		proxyTokens:    toSet(cfg.ProxyTokens),
		adminTokens:    toSet(cfg.AdminTokens),
		usageInject:    toSet(cfg.UsageInjectUpstreams),
		Store:          store,
		Ledger:         ledger,
		Routes:         NewRouteTable(filepath.Join(cfg.DataDir, "models_routes.json")),
		Stats:          NewStats(),
		Metric:         NewMetrics(),
		Log:            reqLog,
		upstreamsPath:  filepath.Join(cfg.DataDir, "upstreams.json"),
	}

	configs := cfg.Upstreams
	if override, err := loadUpstreamsOverride(s.upstreamsPath); err == nil {
		configs = override
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to load upstreams override", "path", s.upstreamsPath, "err", err)
	}

	snap, err := buildSnapshot(configs, store, nil)
	if err != nil {
		return nil, err
	}
	s.snap.Store(snap)

	if err := s.Routes.LoadFromDisk(); err != nil {
		log.Warn("failed to load model routes", "err", err)
	}
	return s, nil
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

// AuthorizeProxy checks proxy traffic credentials. With no proxy tokens
// configured, all traffic is accepted.
func (s *State) AuthorizeProxy(headerToken, bearer string) bool {
	if len(s.proxyTokens) == 0 {
		return true
	}
	if _, ok := s.proxyTokens[headerToken]; ok {
		return true
	}
	_, ok := s.proxyTokens[bearer]
	return ok
}

func (s *State) AuthorizeAdmin(token string) bool {
	_, ok := s.adminTokens[token]
	return ok
}

func (s *State) ShouldInjectUsage(upstreamID string) bool {
	_, ok := s.usageInject[upstreamID]
	return ok
}

// Snapshot returns the current routing table view.
func (s *State) Snapshot() *Snapshot {
	return s.snap.Load()
}

func (s *State) UpstreamByID(id string) (*Upstream, bool) {
	snap := s.snap.Load()
	idx, ok := snap.Index[id]
	if !ok {
		return nil, false
	}
	return snap.Upstreams[idx], true
}

// OnStatus classifies an upstream HTTP status and applies the cooldown table:
// 401/403 and 429 penalize the key, 5xx penalizes the upstream, 2xx resets
// the failure streak on both.
func (s *State) OnStatus(sel Selected, status int, nowMS int64) {
	sel.Upstream.Stats.incStatus(status)
	s.incGlobalStatus(status)
	s.Metric.upstreamResponses.WithLabelValues(sel.Upstream.ID, statusClass(status)).Inc()

	switch {
	case status >= 200 && status < 300:
		sel.Key.cool.Reset()
		sel.Key.lastFailKind.Store(uint32(FailNone))
		sel.Upstream.cool.Reset()
	case status == 401 || status == 403:
		sel.Key.lastFailKind.Store(uint32(FailAuth))
		sel.Key.cool.Fail(nowMS, s.Ban.AuthErrorMS, s.Ban.MaxBackoffPow)
	case status == 429:
		sel.Key.lastFailKind.Store(uint32(FailRateLimit))
		sel.Key.cool.Fail(nowMS, s.Ban.RateLimitMS, s.Ban.MaxBackoffPow)
	case status >= 500:
		sel.Upstream.cool.Fail(nowMS, s.Ban.ServerErrorMS, s.Ban.MaxBackoffPow)
	}
}

// OnNetworkError applies the upstream circuit breaker for transport failures.
func (s *State) OnNetworkError(sel Selected, nowMS int64) {
	s.Stats.ErrorsNetwork.Add(1)
	sel.Upstream.Stats.ErrorsNetwork.Add(1)
	s.Metric.upstreamErrors.WithLabelValues(sel.Upstream.ID, "network").Inc()
	sel.Upstream.cool.Fail(nowMS, s.Ban.NetworkErrorMS, s.Ban.MaxBackoffPow)
}

// OnTimeout applies the upstream circuit breaker for deadline expiry before
// response headers.
func (s *State) OnTimeout(sel Selected, nowMS int64) {
	s.Stats.ErrorsTimeout.Add(1)
	sel.Upstream.Stats.ErrorsTimeout.Add(1)
	s.Metric.upstreamErrors.WithLabelValues(sel.Upstream.ID, "timeout").Inc()
	sel.Upstream.cool.Fail(nowMS, s.Ban.NetworkErrorMS, s.Ban.MaxBackoffPow)
}

func (s *State) incGlobalStatus(status int) {
	switch {
	case status >= 200 && status < 300:
		s.Stats.Responses2xx.Add(1)
	case status >= 300 && status < 400:
		s.Stats.Responses3xx.Add(1)
	case status >= 400 && status < 500:
		s.Stats.Responses4xx.Add(1)
	case status >= 500:
		s.Stats.Responses5xx.Add(1)
	}
}

// AddUpstream registers a new upstream. The key pool starts from whatever the
// store already holds for its id.
func (s *State) AddUpstream(cfg config.UpstreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.currentConfigs()
	for _, u := range list {
		if u.ID == cfg.ID {
			return fmt.Errorf("%w: %s", ErrUpstreamExists, cfg.ID)
		}
	}
	list = append(list, cfg)
	return s.replaceUpstreamsLocked(list)
}

// UpdateUpstream mutates base URL and/or weight of an existing upstream.
func (s *State) UpdateUpstream(id string, baseURL string, weight int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.currentConfigs()
	found := false
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if baseURL != "" {
			list[i].BaseURL = baseURL
		}
		if weight > 0 {
			list[i].Weight = weight
		}
		found = true
		break
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	return s.replaceUpstreamsLocked(list)
}

// DeleteUpstream removes an upstream, optionally cascading to its stored keys.
func (s *State) DeleteUpstream(id string, deleteKeys bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.currentConfigs()
	kept := list[:0]
	for _, u := range list {
		if u.ID != id {
			kept = append(kept, u)
		}
	}
	if len(kept) == len(list) {
		return fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	if deleteKeys {
		if err := s.Store.DeleteUpstream(id); err != nil {
			return err
		}
	}
	return s.replaceUpstreamsLocked(kept)
}

// AddKeys imports secrets for an upstream: store first, then pool.
func (s *State) AddKeys(id string, secrets []string) (keystore.AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.UpstreamByID(id)
	if !ok {
		return keystore.AddResult{}, fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	res, err := s.Store.AddKeys(id, secrets)
	if err != nil {
		return keystore.AddResult{}, err
	}
	if len(res.InsertedKeys) > 0 {
		cur := u.Keys()
		next := make([]*KeyState, 0, len(cur)+len(res.InsertedKeys))
		next = append(next, cur...)
		next = append(next, buildKeyStates(res.InsertedKeys)...)
		u.keys.Store(&next)
	}
	return res, nil
}

// ReplaceKeys swaps an upstream's whole key set atomically in both the store
// and the pool.
func (s *State) ReplaceKeys(id string, secrets []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.UpstreamByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	if err := s.Store.ReplaceKeys(id, secrets); err != nil {
		return 0, err
	}
	loaded, err := s.Store.LoadKeys(id)
	if err != nil {
		return 0, err
	}
	next := buildKeyStates(loaded)
	u.keys.Store(&next)
	return len(next), nil
}

// DeleteKeys removes named secrets from an upstream.
func (s *State) DeleteKeys(id string, secrets []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.UpstreamByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	removed, err := s.Store.DeleteKeys(id, secrets)
	if err != nil {
		return 0, err
	}
	drop := map[string]struct{}{}
	for _, secret := range secrets {
		drop[strings.TrimSpace(secret)] = struct{}{}
	}
	cur := u.Keys()
	next := make([]*KeyState, 0, len(cur))
	for _, k := range cur {
		if _, gone := drop[k.Secret]; !gone {
			next = append(next, k)
		}
	}
	u.keys.Store(&next)
	return removed, nil
}

// Reload rebuilds the snapshot from persistence. Cooldown state is reset;
// per-upstream counters survive by id.
func (s *State) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.snap.Load()
	snap, err := buildSnapshot(s.currentConfigs(), s.Store, old)
	if err != nil {
		return err
	}
	s.snap.Store(snap)
	return nil
}

func (s *State) currentConfigs() []config.UpstreamConfig {
	snap := s.snap.Load()
	out := make([]config.UpstreamConfig, 0, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		out = append(out, config.UpstreamConfig{ID: u.ID, BaseURL: u.BaseURL, Weight: u.Weight})
	}
	return out
}

func (s *State) replaceUpstreamsLocked(configs []config.UpstreamConfig) error {
	old := s.snap.Load()
	snap, err := buildSnapshot(configs, s.Store, old)
	if err != nil {
		return err
	}
	if err := saveUpstreamsOverride(s.upstreamsPath, configs); err != nil {
		return err
	}
	s.snap.Store(snap)
	keep := make(map[string]struct{}, len(snap.Upstreams))
	for id := range snap.Index {
		keep[id] = struct{}{}
	}
	if err := s.Routes.Prune(keep); err != nil {
		log.Warn("model routes prune failed", "err", err)
	}
	return nil
}

func buildSnapshot(configs []config.UpstreamConfig, store *keystore.Store, old *Snapshot) (*Snapshot, error) {
	upstreams := make([]*Upstream, 0, len(configs))
	index := make(map[string]int, len(configs))
	var schedule []int

	for _, cfg := range configs {
		if _, dup := index[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate upstream id: %s", cfg.ID)
		}
		u, err := parseUpstream(cfg)
		if err != nil {
			return nil, err
		}
		if old != nil {
			if i, ok := old.Index[cfg.ID]; ok {
				u.Stats = old.Upstreams[i].Stats
			}
		}
		secrets, err := store.LoadKeys(cfg.ID)
		if err != nil {
			return nil, err
		}
		keys := buildKeyStates(secrets)
		u.keys.Store(&keys)

		idx := len(upstreams)
		index[cfg.ID] = idx
		for i := 0; i < u.Weight; i++ {
			schedule = append(schedule, idx)
		}
		upstreams = append(upstreams, u)
	}

	return &Snapshot{Upstreams: upstreams, Index: index, Schedule: schedule}, nil
}

func parseUpstream(cfg config.UpstreamConfig) (*Upstream, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: invalid base_url: %w", cfg.ID, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream %s: base_url missing scheme or host", cfg.ID)
	}
	weight := cfg.Weight
	if weight < 1 {
		weight = 1
	}
	if weight > maxUpstreamWeight {
		weight = maxUpstreamWeight
	}
	return &Upstream{
		ID:      cfg.ID,
		BaseURL: cfg.BaseURL,
		Weight:  weight,
		base:    base,
		Stats:   &UpstreamStats{},
	}, nil
}

func buildKeyStates(secrets []string) []*KeyState {
	out := make([]*KeyState, 0, len(secrets))
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		out = append(out, &KeyState{Secret: secret, AuthHeader: "Bearer " + secret})
	}
	return out
}

func loadUpstreamsOverride(path string) ([]config.UpstreamConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstreams override: %w", err)
	}
	var list []config.UpstreamConfig
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse upstreams override: %w", err)
	}
	return list, nil
}

func saveUpstreamsOverride(path string, list []config.UpstreamConfig) error {
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode upstreams override: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write upstreams override: %w", err)
	}
	return os.Rename(tmp, path)
}
