// Package configcache materializes strategies, assignment rules, user
// groups and CMDB facts into a versioned in-process snapshot refreshed on
// a fixed period. Readers swap atomically to the latest snapshot; a
// failed refresh keeps the last good one.
package configcache

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/rs/zerolog/log"
)

// Snapshot is one immutable view of the config plane. All maps are built
// once at refresh and never mutated afterwards.
type Snapshot struct {
	Version   int64
	FetchedAt time.Time

	Strategies map[int]*model.Strategy
	// CompositeByInput indexes composite strategies by the strategy ids
	// their expressions reference.
	CompositeByInput map[int][]*model.Strategy

	Hosts            map[string]*model.Host // keyed by "ip|cloud_id"
	HostsByID        map[int]*model.Host
	Topology         map[string]*model.TopoNode // keyed by "obj|inst"
	ServiceInstances map[int]*model.ServiceInstance

	UserGroups  map[int]*model.UserGroup
	AssignRules []model.AssignRule // sorted by priority, highest first
	Shields     []model.Shield
}

// Cache serves the current snapshot and runs the refresh loop.
type Cache struct {
	fetcher  Fetcher
	interval time.Duration
	metrics  *metrics.Metrics
	current  atomic.Pointer[Snapshot]
	version  atomic.Int64
}

func New(fetcher Fetcher, interval time.Duration, m *metrics.Metrics) *Cache {
	if interval <= 0 {
		interval = time.Minute
	}
	c := &Cache{fetcher: fetcher, interval: interval, metrics: m}
	c.current.Store(&Snapshot{
		Strategies:       map[int]*model.Strategy{},
		CompositeByInput: map[int][]*model.Strategy{},
		Hosts:            map[string]*model.Host{},
		HostsByID:        map[int]*model.Host{},
		Topology:         map[string]*model.TopoNode{},
		ServiceInstances: map[int]*model.ServiceInstance{},
		UserGroups:       map[int]*model.UserGroup{},
	})
	return c
}

// Start refreshes once immediately, then on every tick until ctx ends.
func (c *Cache) Start(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial config refresh failed, serving empty snapshot")
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("config refresh failed, keeping last snapshot")
			}
		}
	}
}

// Refresh pulls everything and publishes a new snapshot. Any fetch error
// aborts the whole refresh so readers never see a half-built view.
func (c *Cache) Refresh(ctx context.Context) error {
	snap, err := c.build(ctx)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ConfigRefreshFailures.Inc()
		}
		return err
	}
	c.current.Store(snap)
	if c.metrics != nil {
		c.metrics.ConfigSnapshotVersion.Set(float64(snap.Version))
	}
	log.Debug().Int64("version", snap.Version).
		Int("strategies", len(snap.Strategies)).
		Int("hosts", len(snap.Hosts)).
		Msg("config snapshot refreshed")
	return nil
}

func (c *Cache) build(ctx context.Context) (*Snapshot, error) {
	strategies, err := c.fetcher.FetchStrategies(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := c.fetcher.FetchAssignRules(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := c.fetcher.FetchUserGroups(ctx)
	if err != nil {
		return nil, err
	}
	shields, err := c.fetcher.FetchShields(ctx)
	if err != nil {
		return nil, err
	}
	hosts, err := c.fetcher.FetchHosts(ctx)
	if err != nil {
		return nil, err
	}
	topo, err := c.fetcher.FetchTopology(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := c.fetcher.FetchServiceInstances(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Version:          c.version.Add(1),
		FetchedAt:        time.Now().UTC(),
		Strategies:       make(map[int]*model.Strategy, len(strategies)),
		CompositeByInput: map[int][]*model.Strategy{},
		Hosts:            make(map[string]*model.Host, len(hosts)),
		HostsByID:        make(map[int]*model.Host, len(hosts)),
		Topology:         make(map[string]*model.TopoNode, len(topo)),
		ServiceInstances: make(map[int]*model.ServiceInstance, len(instances)),
		UserGroups:       make(map[int]*model.UserGroup, len(groups)),
		Shields:          shields,
	}
	for i := range strategies {
		s := &strategies[i]
		if !s.IsEnabled {
			continue
		}
		if err := s.Validate(); err != nil {
			log.Warn().Err(err).Int("strategy_id", s.ID).Msg("skipping invalid strategy")
			continue
		}
		snap.Strategies[s.ID] = s
		if s.Composite != nil {
			for _, cond := range s.Composite.Conditions {
				snap.CompositeByInput[cond.StrategyID] = append(snap.CompositeByInput[cond.StrategyID], s)
			}
		}
	}
	for i := range hosts {
		h := &hosts[i]
		snap.Hosts[model.HostKey(h.IP, h.BkCloudID)] = h
		snap.HostsByID[h.BkHostID] = h
	}
	for i := range topo {
		n := &topo[i]
		snap.Topology[n.Key()] = n
	}
	for i := range instances {
		si := &instances[i]
		snap.ServiceInstances[si.ID] = si
	}
	for i := range groups {
		g := &groups[i]
		snap.UserGroups[g.ID] = g
	}
	enabled := rules[:0]
	for _, r := range rules {
		if r.IsEnabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority > enabled[j].Priority })
	snap.AssignRules = enabled
	return snap, nil
}

// Current returns the latest snapshot. Never nil.
func (c *Cache) Current() *Snapshot { return c.current.Load() }

// SnapshotVersion is the version of the snapshot currently served.
func (c *Cache) SnapshotVersion() int64 { return c.current.Load().Version }

// Strategy returns the snapshot view of one strategy, or nil.
func (c *Cache) Strategy(id int) *model.Strategy {
	return c.Current().Strategies[id]
}

// NoDataStrategyIDs lists strategies with no-data checking enabled.
func (c *Cache) NoDataStrategyIDs() []int {
	var out []int
	for id, s := range c.Current().Strategies {
		for _, it := range s.Items {
			if it.NoDataConfig.IsEnabled {
				out = append(out, id)
				break
			}
		}
	}
	sort.Ints(out)
	return out
}

// TimeSeriesStrategyIDs lists strategies served by the access data flow.
func (c *Cache) TimeSeriesStrategyIDs() []int {
	var out []int
	for id, s := range c.Current().Strategies {
		if s.IsTimeSeries() {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// PolledStrategyIDs lists strategies whose datasources the access stage
// queries itself, including discrete event sources.
func (c *Cache) PolledStrategyIDs() []int {
	var out []int
	for id, s := range c.Current().Strategies {
		if s.IsPolled() {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// AllBizIDs is the superset of businesses used to dispatch access workers.
func (c *Cache) AllBizIDs() []int {
	seen := map[int]struct{}{}
	for _, s := range c.Current().Strategies {
		seen[s.BkBizID] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// HostByAddr looks a host up by IP and cloud id.
func (c *Cache) HostByAddr(ip string, cloudID int) *model.Host {
	return c.Current().Hosts[model.HostKey(ip, cloudID)]
}

// HostByID looks a host up by bk_host_id.
func (c *Cache) HostByID(id int) *model.Host {
	return c.Current().HostsByID[id]
}
