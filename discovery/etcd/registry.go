// Package etcd provides etcd-backed service registration and discovery.
package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/naming/endpoints"
	"go.uber.org/zap"
)

// Registry keeps one server address registered in etcd under a lease, and
// renews the lease until Unregister.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	client  *clientv3.Client
	em      endpoints.Manager
	leaseID clientv3.LeaseID

	key string
	val endpoints.Endpoint
	ttl int64
}

// RegisterService registers serviceAddr under serviceName in the etcd
// cluster at addr and starts keeping the lease alive.
func RegisterService(addr []string, serviceName, serviceAddr string, md map[string]string, ttl int64) (*Registry, error) {
	if ttl <= 0 {
		ttl = 60
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   addr,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaseResp, err := cli.Grant(ctx, ttl)
	if err != nil {
		cli.Close()
		cancel()
		return nil, fmt.Errorf("create lease failed: %w", err)
	}

	r := &Registry{
		ctx:     ctx,
		cancel:  cancel,
		logger:  zap.L(),
		client:  cli,
		leaseID: leaseResp.ID,
		key:     fmt.Sprintf("%s%s", keyPrefix(serviceName), serviceAddr),
		val: endpoints.Endpoint{
			Addr:     serviceAddr,
			Metadata: md,
		},
		ttl: ttl,
	}
	r.em, err = endpoints.NewManager(cli, serviceName)
	if err != nil {
		cli.Close()
		cancel()
		return nil, err
	}

	addCtx, addCancel := context.WithTimeout(ctx, 2*time.Second)
	defer addCancel()
	if err := r.em.AddEndpoint(addCtx, r.key, r.val, clientv3.WithLease(r.leaseID)); err != nil {
		cli.Close()
		cancel()
		return nil, err
	}

	go r.keepAlive()
	return r, nil
}

func (r *Registry) keepAlive() {
	ch, err := r.client.KeepAlive(r.ctx, r.leaseID)
	if err != nil {
		r.logger.Error("vrpc etcd: create keep alive failed", zap.Error(err))
		r.Unregister()
		return
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case resp := <-ch:
			if resp == nil {
				r.logger.Warn("vrpc etcd: lease expired or revoked, re-registering", zap.String("key", r.key))
				if err := r.reRegister(); err != nil {
					r.logger.Error("vrpc etcd: re-register failed", zap.Error(err))
					r.Unregister()
				}
				return
			}
		}
	}
}

func (r *Registry) reRegister() error {
	leaseResp, err := r.client.Grant(r.ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("create lease failed: %w", err)
	}
	r.leaseID = leaseResp.ID

	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()
	if err := r.em.AddEndpoint(ctx, r.key, r.val, clientv3.WithLease(r.leaseID)); err != nil {
		return err
	}

	go r.keepAlive()
	return nil
}

// Unregister removes the endpoint, revokes the lease and closes the etcd
// client.
func (r *Registry) Unregister() error {
	r.cancel()

	if _, err := r.client.Delete(context.Background(), r.key); err != nil {
		r.logger.Warn("vrpc etcd: delete endpoint failed", zap.Error(err))
	}
	if _, err := r.client.Revoke(context.Background(), r.leaseID); err != nil {
		r.logger.Warn("vrpc etcd: revoke lease failed", zap.Error(err))
	}
	return r.client.Close()
}

func keyPrefix(serviceName string) string {
	return fmt.Sprintf("%s/", serviceName)
}
