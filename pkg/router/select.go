package router

import "time"

// Selected is one (upstream, key) candidate yielded by the selector.
type Selected struct {
	Upstream *Upstream
	Key      *KeyState
}

// Candidates is the lazy selector sequence for one request. It walks the
// weighted schedule starting at the global cursor, visits each upstream at
// most once, and within an upstream walks the key pool from that upstream's
// own cursor. No key is yielded twice; cooled-down entities are skipped with
// a re-check of the clock immediately before each yield.
type Candidates struct {
	state *State
	snap  *Snapshot

	// route filter by upstream index; nil means all upstreams allowed
	allowed []bool

	basePos int
	offset  int
	visited []bool

	current    *Upstream
	keyList    []*KeyState
	keyStart   uint64
	keyScanned int
}

// Candidates starts a selection sequence, honouring the model route table
// when modelHint names a routed model.
func (s *State) Candidates(modelHint string) *Candidates {
	snap := s.snap.Load()
	c := &Candidates{
		state:   s,
		snap:    snap,
		visited: make([]bool, len(snap.Upstreams)),
	}
	if len(snap.Schedule) > 0 {
		rr := s.cursor.Add(1) - 1
		c.basePos = int(rr % uint64(len(snap.Schedule)))
	}
	if modelHint != "" {
		if ids, ok := s.Routes.UpstreamsFor(modelHint); ok {
			c.allowed = make([]bool, len(snap.Upstreams))
			for _, id := range ids {
				if idx, found := snap.Index[id]; found {
					c.allowed[idx] = true
				}
			}
		}
	}
	return c
}

// Next yields the next available candidate, or ok=false when the sequence is
// exhausted (every candidate cooled down or filtered out).
func (c *Candidates) Next() (Selected, bool) {
	for {
		if c.current != nil {
			if sel, ok := c.nextKey(); ok {
				return sel, true
			}
			c.current = nil
		}
		if !c.nextUpstream() {
			return Selected{}, false
		}
	}
}

func (c *Candidates) nextUpstream() bool {
	sched := c.snap.Schedule
	nowMS := time.Now().UnixMilli()
	for ; c.offset < len(sched); c.offset++ {
		idx := sched[(c.basePos+c.offset)%len(sched)]
		if c.visited[idx] {
			continue
		}
		c.visited[idx] = true
		u := c.snap.Upstreams[idx]
		if c.allowed != nil && !c.allowed[idx] {
			continue
		}
		if !u.cool.Available(nowMS) {
			continue
		}
		keys := u.Keys()
		if len(keys) == 0 {
			continue
		}
		c.current = u
		c.keyList = keys
		c.keyStart = u.keyCursor.Add(1) - 1
		c.keyScanned = 0
		c.offset++
		return true
	}
	return false
}

func (c *Candidates) nextKey() (Selected, bool) {
	n := len(c.keyList)
	start := int(c.keyStart % uint64(n))
	for c.keyScanned < n {
		k := c.keyList[(start+c.keyScanned)%n]
		c.keyScanned++
		nowMS := time.Now().UnixMilli()
		if !k.cool.Available(nowMS) {
			continue
		}
		k.lastSelectedMS.Store(nowMS)
		c.state.Stats.UpstreamSelectedTotal.Add(1)
		c.current.Stats.SelectedTotal.Add(1)
		return Selected{Upstream: c.current, Key: k}, true
	}
	return Selected{}, false
}
