package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmatov/edgeproxy/internal/config"
)

func makeHosts(n int) []*Host {
	hosts := make([]*Host, 0, n)
	for i := 0; i < n; i++ {
		h := NewHost("10.0.0.1", 8080+i, 1)
		h.SetStatus(StatusHealthy)
		hosts = append(hosts, h)
	}
	return hosts
}

func TestNewLoadBalancer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		algorithm string
		wantErr   bool
	}{
		{algorithm: "", wantErr: false},
		{algorithm: AlgorithmRoundRobin, wantErr: false},
		{algorithm: AlgorithmWeightedRoundRobin, wantErr: false},
		{algorithm: AlgorithmLeastConnections, wantErr: false},
		{algorithm: AlgorithmRandom, wantErr: false},
		{algorithm: AlgorithmConsistentHash, wantErr: false},
		{algorithm: "IPHash", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			t.Parallel()

			lb, err := NewLoadBalancer(tt.algorithm, makeHosts(2))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, lb)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, lb)
			}
		})
	}
}

func TestRoundRobinBalancer(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(3)
	lb := NewRoundRobinBalancer(hosts)

	seen := make(map[*Host]int)
	for i := 0; i < 9; i++ {
		h, err := lb.Next()
		require.NoError(t, err)
		seen[h]++
	}

	for _, h := range hosts {
		assert.Equal(t, 3, seen[h])
	}
}

func TestRoundRobinBalancer_SkipsUnhealthy(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(3)
	hosts[1].SetStatus(StatusUnhealthy)
	lb := NewRoundRobinBalancer(hosts)

	for i := 0; i < 6; i++ {
		h, err := lb.Next()
		require.NoError(t, err)
		assert.NotSame(t, hosts[1], h)
	}
}

func TestRoundRobinBalancer_NoHealthyHosts(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(2)
	hosts[0].SetStatus(StatusUnhealthy)
	hosts[1].SetStatus(StatusUnhealthy)
	lb := NewRoundRobinBalancer(hosts)

	_, err := lb.Next()
	assert.ErrorIs(t, err, ErrNoHealthyHosts)
}

func TestWeightedBalancer(t *testing.T) {
	t.Parallel()

	light := NewHost("10.0.0.1", 8080, 1)
	heavy := NewHost("10.0.0.2", 8080, 9)
	light.SetStatus(StatusHealthy)
	heavy.SetStatus(StatusHealthy)

	lb := NewWeightedBalancer([]*Host{light, heavy})

	seen := make(map[*Host]int)
	for i := 0; i < 1000; i++ {
		h, err := lb.Next()
		require.NoError(t, err)
		seen[h]++
	}

	assert.Greater(t, seen[heavy], seen[light])
	assert.Greater(t, seen[heavy], 700)
}

func TestLeastConnBalancer(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(3)
	hosts[0].IncActive()
	hosts[0].IncActive()
	hosts[1].IncActive()

	lb := NewLeastConnBalancer(hosts)

	h, err := lb.Next()
	require.NoError(t, err)
	assert.Same(t, hosts[2], h)
}

func TestRandomBalancer(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(3)
	lb := NewRandomBalancer(hosts)

	for i := 0; i < 20; i++ {
		h, err := lb.Next()
		require.NoError(t, err)
		assert.Contains(t, hosts, h)
	}
}

func TestConsistentHashBalancer_StableKeys(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(4)
	lb := NewConsistentHashBalancer(hosts)

	first, err := lb.NextForKey("session-abc")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		h, err := lb.NextForKey("session-abc")
		require.NoError(t, err)
		assert.Same(t, first, h)
	}
}

func TestConsistentHashBalancer_SpillsOnUnhealthy(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(3)
	lb := NewConsistentHashBalancer(hosts)

	owner, err := lb.NextForKey("sticky-key")
	require.NoError(t, err)

	owner.SetStatus(StatusUnhealthy)

	h, err := lb.NextForKey("sticky-key")
	require.NoError(t, err)
	assert.NotSame(t, owner, h)
	assert.True(t, h.Healthy())
}

func TestConsistentHashBalancer_EmptyKeyFallsBack(t *testing.T) {
	t.Parallel()

	hosts := makeHosts(2)
	lb := NewConsistentHashBalancer(hosts)

	h, err := lb.NextForKey("")
	require.NoError(t, err)
	assert.Contains(t, hosts, h)
}

func TestConsistentHashBalancer_NoHosts(t *testing.T) {
	t.Parallel()

	lb := NewConsistentHashBalancer(nil)

	_, err := lb.NextForKey("key")
	assert.ErrorIs(t, err, ErrNoHealthyHosts)
}

func TestHashKeyFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  *config.ConsistentHashConfig
		req  func() *http.Request
		want string
	}{
		{
			name: "nil config",
			cfg:  nil,
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/", nil)
			},
			want: "",
		},
		{
			name: "header",
			cfg:  &config.ConsistentHashConfig{Header: "X-User-ID"},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("X-User-ID", "user-42")
				return r
			},
			want: "user-42",
		},
		{
			name: "cookie",
			cfg:  &config.ConsistentHashConfig{Cookie: "session"},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.AddCookie(&http.Cookie{Name: "session", Value: "sess-1"})
				return r
			},
			want: "sess-1",
		},
		{
			name: "source ip",
			cfg:  &config.ConsistentHashConfig{SourceIP: true},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.RemoteAddr = "192.0.2.10:51234"
				return r
			},
			want: "192.0.2.10",
		},
		{
			name: "header missing falls through to source ip",
			cfg:  &config.ConsistentHashConfig{Header: "X-User-ID", SourceIP: true},
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.RemoteAddr = "192.0.2.11:1024"
				return r
			},
			want: "192.0.2.11",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, HashKeyFromRequest(tt.req(), tt.cfg))
		})
	}
}

func TestSetHosts(t *testing.T) {
	t.Parallel()

	lb := NewRoundRobinBalancer(makeHosts(2))

	replacement := makeHosts(1)
	lb.SetHosts(replacement)

	h, err := lb.Next()
	require.NoError(t, err)
	assert.Same(t, replacement[0], h)
}

func TestSecureRandomInt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, secureRandomInt(0))
	assert.Equal(t, 0, secureRandomInt(1))

	for i := 0; i < 100; i++ {
		n := secureRandomInt(10)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 10)
	}
}
