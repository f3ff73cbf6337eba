package backend

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/valmatov/edgeproxy/internal/config"
)

// Load balancing algorithm names.
const (
	AlgorithmRoundRobin         = "RoundRobin"
	AlgorithmWeightedRoundRobin = "WeightedRoundRobin"
	AlgorithmLeastConnections   = "LeastConnections"
	AlgorithmRandom             = "Random"
	AlgorithmConsistentHash     = "ConsistentHash"
)

// ErrNoHealthyHosts is returned when no healthy host is available.
var ErrNoHealthyHosts = errors.New("no healthy hosts available")

// LoadBalancer selects a host for the next request.
type LoadBalancer interface {
	// Next returns the next host to use.
	Next() (*Host, error)

	// SetHosts replaces the host set.
	SetHosts(hosts []*Host)
}

// KeyedBalancer is implemented by balancers that select hosts based on a
// request affinity key.
type KeyedBalancer interface {
	// NextForKey returns the host that owns the given key.
	NextForKey(key string) (*Host, error)
}

// NewLoadBalancer creates a load balancer for the given algorithm. An
// empty algorithm defaults to round robin.
func NewLoadBalancer(algorithm string, hosts []*Host) (LoadBalancer, error) {
	switch algorithm {
	case "", AlgorithmRoundRobin:
		return NewRoundRobinBalancer(hosts), nil
	case AlgorithmWeightedRoundRobin:
		return NewWeightedBalancer(hosts), nil
	case AlgorithmLeastConnections:
		return NewLeastConnBalancer(hosts), nil
	case AlgorithmRandom:
		return NewRandomBalancer(hosts), nil
	case AlgorithmConsistentHash:
		return NewConsistentHashBalancer(hosts), nil
	default:
		return nil, fmt.Errorf("unknown load balancing algorithm: %s", algorithm)
	}
}

// HashKeyFromRequest extracts the affinity key for consistent hashing
// from a request. It returns an empty string when no key source matches.
func HashKeyFromRequest(r *http.Request, cfg *config.ConsistentHashConfig) string {
	if cfg == nil {
		return ""
	}
	if cfg.Header != "" {
		if v := r.Header.Get(cfg.Header); v != "" {
			return v
		}
	}
	if cfg.Cookie != "" {
		if c, err := r.Cookie(cfg.Cookie); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if cfg.SourceIP {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
	return ""
}

func healthyHosts(hosts []*Host) []*Host {
	healthy := make([]*Host, 0, len(hosts))
	for _, h := range hosts {
		if h.Healthy() {
			healthy = append(healthy, h)
		}
	}
	return healthy
}

// RoundRobinBalancer distributes requests evenly across healthy hosts.
type RoundRobinBalancer struct {
	mu      sync.RWMutex
	hosts   []*Host
	counter atomic.Uint64
}

// NewRoundRobinBalancer creates a round robin balancer.
func NewRoundRobinBalancer(hosts []*Host) *RoundRobinBalancer {
	return &RoundRobinBalancer{hosts: hosts}
}

// Next returns the next healthy host in rotation.
func (b *RoundRobinBalancer) Next() (*Host, error) {
	b.mu.RLock()
	healthy := healthyHosts(b.hosts)
	b.mu.RUnlock()

	if len(healthy) == 0 {
		return nil, ErrNoHealthyHosts
	}

	idx := b.counter.Add(1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}

// SetHosts replaces the host set.
func (b *RoundRobinBalancer) SetHosts(hosts []*Host) {
	b.mu.Lock()
	b.hosts = hosts
	b.mu.Unlock()
}

// WeightedBalancer distributes requests proportionally to host weights.
type WeightedBalancer struct {
	mu    sync.RWMutex
	hosts []*Host
}

// NewWeightedBalancer creates a weighted balancer.
func NewWeightedBalancer(hosts []*Host) *WeightedBalancer {
	return &WeightedBalancer{hosts: hosts}
}

// Next returns a healthy host selected by weight.
func (b *WeightedBalancer) Next() (*Host, error) {
	b.mu.RLock()
	healthy := healthyHosts(b.hosts)
	b.mu.RUnlock()

	if len(healthy) == 0 {
		return nil, ErrNoHealthyHosts
	}

	totalWeight := 0
	for _, h := range healthy {
		totalWeight += h.Weight
	}
	if totalWeight <= 0 {
		return healthy[secureRandomInt(len(healthy))], nil
	}

	target := secureRandomInt(totalWeight)
	for _, h := range healthy {
		target -= h.Weight
		if target < 0 {
			return h, nil
		}
	}
	return healthy[len(healthy)-1], nil
}

// SetHosts replaces the host set.
func (b *WeightedBalancer) SetHosts(hosts []*Host) {
	b.mu.Lock()
	b.hosts = hosts
	b.mu.Unlock()
}

// LeastConnBalancer selects the healthy host with the fewest active
// connections.
type LeastConnBalancer struct {
	mu    sync.RWMutex
	hosts []*Host
}

// NewLeastConnBalancer creates a least connections balancer.
func NewLeastConnBalancer(hosts []*Host) *LeastConnBalancer {
	return &LeastConnBalancer{hosts: hosts}
}

// Next returns the healthy host with the fewest active connections.
func (b *LeastConnBalancer) Next() (*Host, error) {
	b.mu.RLock()
	healthy := healthyHosts(b.hosts)
	b.mu.RUnlock()

	if len(healthy) == 0 {
		return nil, ErrNoHealthyHosts
	}

	best := healthy[0]
	bestConns := best.ActiveConns()
	for _, h := range healthy[1:] {
		if conns := h.ActiveConns(); conns < bestConns {
			best = h
			bestConns = conns
		}
	}
	return best, nil
}

// SetHosts replaces the host set.
func (b *LeastConnBalancer) SetHosts(hosts []*Host) {
	b.mu.Lock()
	b.hosts = hosts
	b.mu.Unlock()
}

// RandomBalancer selects a healthy host at random.
type RandomBalancer struct {
	mu    sync.RWMutex
	hosts []*Host
}

// NewRandomBalancer creates a random balancer.
func NewRandomBalancer(hosts []*Host) *RandomBalancer {
	return &RandomBalancer{hosts: hosts}
}

// Next returns a random healthy host.
func (b *RandomBalancer) Next() (*Host, error) {
	b.mu.RLock()
	healthy := healthyHosts(b.hosts)
	b.mu.RUnlock()

	if len(healthy) == 0 {
		return nil, ErrNoHealthyHosts
	}
	return healthy[secureRandomInt(len(healthy))], nil
}

// SetHosts replaces the host set.
func (b *RandomBalancer) SetHosts(hosts []*Host) {
	b.mu.Lock()
	b.hosts = hosts
	b.mu.Unlock()
}

// virtualNodes is the number of ring points per unit of host weight.
const virtualNodes = 100

// ConsistentHashBalancer maps affinity keys onto a hash ring so that a
// given key keeps landing on the same host while it stays healthy.
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	hosts    []*Host
	ring     []uint64
	ringMap  map[uint64]*Host
	fallback *RoundRobinBalancer
}

// NewConsistentHashBalancer creates a consistent hash balancer.
func NewConsistentHashBalancer(hosts []*Host) *ConsistentHashBalancer {
	b := &ConsistentHashBalancer{
		fallback: NewRoundRobinBalancer(hosts),
	}
	b.SetHosts(hosts)
	return b
}

// Next returns a host without an affinity key, falling back to round
// robin selection.
func (b *ConsistentHashBalancer) Next() (*Host, error) {
	return b.fallback.Next()
}

// NextForKey returns the healthy host that owns the given key. Keys
// owned by unhealthy hosts spill over to the next host on the ring.
func (b *ConsistentHashBalancer) NextForKey(key string) (*Host, error) {
	if key == "" {
		return b.Next()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, ErrNoHealthyHosts
	}

	h := hashKey(key)
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= h
	})

	for i := 0; i < len(b.ring); i++ {
		point := b.ring[(idx+i)%len(b.ring)]
		if host := b.ringMap[point]; host.Healthy() {
			return host, nil
		}
	}
	return nil, ErrNoHealthyHosts
}

// SetHosts replaces the host set and rebuilds the hash ring.
func (b *ConsistentHashBalancer) SetHosts(hosts []*Host) {
	ring := make([]uint64, 0, len(hosts)*virtualNodes)
	ringMap := make(map[uint64]*Host, len(hosts)*virtualNodes)

	for _, host := range hosts {
		weight := host.Weight
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < weight*virtualNodes; i++ {
			point := hashKey(host.Addr() + "#" + strconv.Itoa(i))
			ring = append(ring, point)
			ringMap[point] = host
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	b.mu.Lock()
	b.hosts = hosts
	b.ring = ring
	b.ringMap = ringMap
	b.mu.Unlock()

	b.fallback.SetHosts(hosts)
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// secureRandomInt returns a uniformly distributed integer in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(buf[:]) % uint64(n)) //nolint:gosec // modulo bias acceptable for load balancing
}
