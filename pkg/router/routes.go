package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/charmbracelet/log"
)

// RoutesDoc is the persisted model route table: a forward mapping from model
// name to the upstream ids allowed to serve it, plus the reverse mapping.
type RoutesDoc struct {
	UpdatedAtMS int64               `json:"updated_at_ms"`
	Models      map[string][]string `json:"models"`
	Upstreams   map[string][]string `json:"upstreams"`
}

// RouteTable holds the current route document and its on-disk location.
// Readers load the document lock-free; writers persist first, then swap.
type RouteTable struct {
	path string
	doc  atomic.Pointer[RoutesDoc]
}

func NewRouteTable(path string) *RouteTable {
	return &RouteTable{path: path}
}

// LoadFromDisk reads the persisted document if one exists. A missing file
// leaves the table empty; a malformed file is an error.
func (t *RouteTable) LoadFromDisk() error {
	b, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		t.doc.Store(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read model routes: %w", err)
	}
	var doc RoutesDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse model routes: %w", err)
	}
	t.doc.Store(&doc)
	return nil
}

// Doc returns the current document, or nil when no table is configured.
func (t *RouteTable) Doc() *RoutesDoc {
	return t.doc.Load()
}

// UpstreamsFor returns the upstream ids mapped to model. ok is false when the
// model is absent from the table or no table is configured, in which case
// every upstream is a candidate.
func (t *RouteTable) UpstreamsFor(model string) (ids []string, ok bool) {
	doc := t.doc.Load()
	if doc == nil || len(doc.Models) == 0 {
		return nil, false
	}
	ids, ok = doc.Models[model]
	return ids, ok
}

// Models returns the sorted model names currently routed.
func (t *RouteTable) Models() []string {
	doc := t.doc.Load()
	if doc == nil {
		return nil
	}
	out := make([]string, 0, len(doc.Models))
	for m := range doc.Models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Put replaces the table from an upstream→models mapping, rebuilding the
// reverse index, persisting, then swapping the in-memory document.
func (t *RouteTable) Put(upstreams map[string][]string) (*RoutesDoc, error) {
	clean := make(map[string][]string, len(upstreams))
	for id, models := range upstreams {
		set := map[string]struct{}{}
		for _, m := range models {
			m = strings.TrimSpace(m)
			if m != "" {
				set[m] = struct{}{}
			}
		}
		list := make([]string, 0, len(set))
		for m := range set {
			list = append(list, m)
		}
		sort.Strings(list)
		clean[id] = list
	}
	doc := &RoutesDoc{
		UpdatedAtMS: time.Now().UnixMilli(),
		Models:      invertRoutes(clean),
		Upstreams:   clean,
	}
	if err := t.save(doc); err != nil {
		return nil, err
	}
	t.doc.Store(doc)
	return doc, nil
}

// SetUpstreamModels updates one upstream's entry, keeping the rest.
func (t *RouteTable) SetUpstreamModels(upstreamID string, models []string) (*RoutesDoc, error) {
	merged := map[string][]string{}
	if doc := t.doc.Load(); doc != nil {
		for id, list := range doc.Upstreams {
			merged[id] = list
		}
	}
	merged[upstreamID] = models
	return t.Put(merged)
}

// Prune drops route entries for upstreams not in keep.
func (t *RouteTable) Prune(keep map[string]struct{}) error {
	doc := t.doc.Load()
	if doc == nil {
		return nil
	}
	changed := false
	remaining := map[string][]string{}
	for id, list := range doc.Upstreams {
		if _, ok := keep[id]; ok {
			remaining[id] = list
		} else {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	_, err := t.Put(remaining)
	return err
}

// HasUpstream reports whether the table carries an entry for upstreamID.
func (t *RouteTable) HasUpstream(upstreamID string) bool {
	doc := t.doc.Load()
	if doc == nil {
		return false
	}
	_, ok := doc.Upstreams[upstreamID]
	return ok
}

func (t *RouteTable) save(doc *RoutesDoc) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model routes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write model routes: %w", err)
	}
	return os.Rename(tmp, t.path)
}

// Watch re-loads the document when it changes on disk outside the admin API
// (manual edits, external sync). Returns once ctx is done.
func (t *RouteTable) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routes watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("routes watcher: %w", err)
	}
	target := filepath.Clean(t.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := t.LoadFromDisk(); err != nil {
				log.Warn("model routes reload failed", "path", t.path, "err", err)
			} else {
				log.Info("model routes reloaded from disk", "path", t.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("routes watcher error", "err", err)
		}
	}
}

func invertRoutes(upstreams map[string][]string) map[string][]string {
	models := map[string][]string{}
	for id, list := range upstreams {
		for _, m := range list {
			models[m] = append(models[m], id)
		}
	}
	for m := range models {
		sort.Strings(models[m])
		models[m] = dedupSorted(models[m])
	}
	return models
}

func dedupSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
