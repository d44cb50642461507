package transport

import (
	"encoding/json"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shurlinet/g2node/pkg/g2core"
)

func parseIP(s string) net.IP { return net.ParseIP(s) }

// HostCache is a simple file-backed g2core.HostCache, persisted as JSON
// between runs the way shurli persists its own peerstore snapshot. It also
// satisfies discovery.HostSink so mDNS results feed the same store.
type HostCache struct {
	mu    sync.Mutex
	path  string
	hosts map[string]*g2core.Host
}

// NewHostCache constructs a HostCache backed by path, loading any existing
// snapshot found there.
func NewHostCache(path string) *HostCache {
	hc := &HostCache{path: path, hosts: make(map[string]*g2core.Host)}
	hc.load()
	return hc
}

// Lock and Unlock satisfy sync.Locker; the core holds this lock around
// every Snapshot/mutate sequence per the fixed lock ordering.
func (hc *HostCache) Lock()   { hc.mu.Lock() }
func (hc *HostCache) Unlock() { hc.mu.Unlock() }

// IsEmpty reports whether the cache holds no hosts.
func (hc *HostCache) IsEmpty() bool { return len(hc.hosts) == 0 }

// Size returns the number of hosts in the cache.
func (hc *HostCache) Size() int { return len(hc.hosts) }

// GetConnectable returns a host not recently connected to, preferring one
// whose Country matches the preference order.
func (hc *HostCache) GetConnectable(now time.Time, preference []string) (*g2core.Host, bool) {
	snapshot := hc.snapshotLocked()
	for _, country := range preference {
		for _, h := range snapshot {
			if (country == "" || h.Country == country) && now.Sub(h.LastConnect) > 5*time.Minute {
				return h, true
			}
		}
	}
	for _, h := range snapshot {
		if now.Sub(h.LastConnect) > 5*time.Minute {
			return h, true
		}
	}
	return nil, false
}

// Snapshot returns hosts ordered by Timestamp, descending. Callers must
// hold the cache lock, per the g2core.HostCache contract.
func (hc *HostCache) Snapshot() []*g2core.Host { return hc.snapshotLocked() }

func (hc *HostCache) snapshotLocked() []*g2core.Host {
	out := make([]*g2core.Host, 0, len(hc.hosts))
	for _, h := range hc.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// AddHost inserts or refreshes a host entry, satisfying discovery.HostSink.
func (hc *HostCache) AddHost(ep g2core.Endpoint, country string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	key := ep.String()
	if h, ok := hc.hosts[key]; ok {
		h.Timestamp = time.Now()
		return
	}
	hc.hosts[key] = &g2core.Host{Endpoint: ep, Timestamp: time.Now(), Country: country}
}

// Save persists the cache to disk as JSON.
func (hc *HostCache) Save() error {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	type entry struct {
		IP        string    `json:"ip"`
		Port      uint16    `json:"port"`
		Timestamp time.Time `json:"timestamp"`
		Country   string    `json:"country"`
	}
	entries := make([]entry, 0, len(hc.hosts))
	for _, h := range hc.hosts {
		entries = append(entries, entry{IP: h.Endpoint.IP.String(), Port: h.Endpoint.Port, Timestamp: h.Timestamp, Country: h.Country})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(hc.path, data, 0600)
}

func (hc *HostCache) load() {
	data, err := os.ReadFile(hc.path)
	if err != nil {
		return
	}
	type entry struct {
		IP        string    `json:"ip"`
		Port      uint16    `json:"port"`
		Timestamp time.Time `json:"timestamp"`
		Country   string    `json:"country"`
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	for _, e := range entries {
		ep := g2core.Endpoint{IP: parseIP(e.IP), Port: e.Port}
		hc.hosts[ep.String()] = &g2core.Host{Endpoint: ep, Timestamp: e.Timestamp, Country: e.Country}
	}
}
