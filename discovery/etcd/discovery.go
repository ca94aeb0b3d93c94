package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/naming/endpoints"

	"github.com/vexrpc/vrpc/discovery"
)

// Discovery resolves a service's addresses from etcd and keeps them fresh
// through a watch.
type Discovery struct {
	ctx    context.Context
	cancel context.CancelFunc

	client          *clientv3.Client
	serviceName     string
	refreshInterval time.Duration

	r           *rand.Rand
	mu          sync.RWMutex
	servers     []string
	idx         int
	lastRefresh time.Time
}

// NewDiscovery connects to the etcd cluster at eps and resolves
// serviceName.
func NewDiscovery(eps []string, serviceName string) (discovery.Discovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   eps,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		ctx:             ctx,
		cancel:          cancel,
		client:          cli,
		serviceName:     serviceName,
		refreshInterval: time.Minute,
		r:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := d.Refresh(); err != nil {
		cli.Close()
		cancel()
		return nil, err
	}

	go d.watch()
	return d, nil
}

// watch refreshes the server list whenever the service's keys change.
func (d *Discovery) watch() {
	ch := d.client.Watch(d.ctx, keyPrefix(d.serviceName), clientv3.WithPrefix())
	for range ch {
		d.Refresh()
	}
}

// Refresh reloads the server list from etcd.
func (d *Discovery) Refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, keyPrefix(d.serviceName), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("fetch service list from etcd failed: %w", err)
	}

	servers := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep endpoints.Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue
		}
		servers = append(servers, ep.Addr)
	}

	d.mu.Lock()
	d.servers = servers
	d.lastRefresh = time.Now()
	d.mu.Unlock()
	return nil
}

// Update replaces the server list by hand.
func (d *Discovery) Update(servers []string) error {
	d.mu.Lock()
	d.servers = servers
	d.mu.Unlock()
	return nil
}

// Get returns one server address picked by mode, refreshing a stale list
// first.
func (d *Discovery) Get(mode discovery.SelectMode) (string, error) {
	if err := d.maybeRefresh(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.servers)
	if n == 0 {
		return "", discovery.ErrNoServers
	}
	switch mode {
	case discovery.RandomSelect:
		return d.servers[d.r.Intn(n)], nil
	case discovery.RoundRobinSelect:
		addr := d.servers[d.idx%n]
		d.idx = (d.idx + 1) % n
		return addr, nil
	default:
		return "", discovery.ErrUnsupportedMode
	}
}

// GetAll returns every known server address.
func (d *Discovery) GetAll() ([]string, error) {
	if err := d.maybeRefresh(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	servers := make([]string, len(d.servers))
	copy(servers, d.servers)
	return servers, nil
}

func (d *Discovery) maybeRefresh() error {
	d.mu.RLock()
	stale := len(d.servers) == 0 || time.Since(d.lastRefresh) > d.refreshInterval
	d.mu.RUnlock()
	if !stale {
		return nil
	}
	return d.Refresh()
}

// Close stops the watch and closes the etcd client.
func (d *Discovery) Close() error {
	d.cancel()
	return d.client.Close()
}
