// Package discovery abstracts how a client finds server addresses: a fixed
// list, or a registry such as etcd.
package discovery

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SelectMode picks the load-balancing strategy.
type SelectMode int

const (
	// RandomSelect picks a server at random.
	RandomSelect SelectMode = iota
	// RoundRobinSelect cycles through the servers.
	RoundRobinSelect
)

var (
	ErrNoServers       = errors.New("vrpc discovery: no available servers")
	ErrUnsupportedMode = errors.New("vrpc discovery: unsupported select mode")
)

// Discovery yields server addresses for a logical service.
type Discovery interface {
	Get(mode SelectMode) (string, error)
	Update(servers []string) error
	GetAll() ([]string, error)
	// Refresh reloads the server list from the remote registry, if any.
	Refresh() error
}

// Static is a Discovery over a fixed server list, updatable by hand.
type Static struct {
	r       *rand.Rand
	mu      sync.RWMutex
	servers []string
	idx     int
}

// NewStatic returns a Discovery over servers.
func NewStatic(servers []string) *Static {
	s := &Static{
		r:       rand.New(rand.NewSource(time.Now().UnixNano())),
		servers: servers,
	}
	s.idx = s.r.Intn(math.MaxInt32 - 1)
	return s
}

func (s *Static) Get(mode SelectMode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.servers)
	if n == 0 {
		return "", ErrNoServers
	}
	switch mode {
	case RandomSelect:
		return s.servers[s.r.Intn(n)], nil
	case RoundRobinSelect:
		// servers may have shrunk since the last pick, so mod n first
		addr := s.servers[s.idx%n]
		s.idx = (s.idx + 1) % n
		return addr, nil
	default:
		return "", ErrUnsupportedMode
	}
}

func (s *Static) Update(servers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = servers
	return nil
}

func (s *Static) GetAll() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]string, len(s.servers))
	copy(servers, s.servers)
	return servers, nil
}

// Refresh is a no-op; a static list has no remote source.
func (s *Static) Refresh() error { return nil }
