// Package registry publishes reactor endpoints to etcd.
//
// Each registered method name becomes a key:
//
//	/jrpc-mux/{name}/{addr} → JSON-encoded ServiceInstance
//
// under a TTL lease that Register keeps alive until the client closes, so
// entries for a crashed reactor expire instead of lingering.
package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/jrpc-mux/"

// EtcdRegistry implements Registry on an etcd v3 cluster.
type EtcdRegistry struct {
	client *clientv3.Client
}

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register writes the instance under a fresh lease and starts renewing it.
// Renewal stops when the registry is closed, after which the entry expires
// on its own.
func (r *EtcdRegistry) Register(name string, instance ServiceInstance, ttl int64) error {
	ctx := context.Background()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+name+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain keepalive responses so renewal does not stall.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes one published endpoint.
func (r *EtcdRegistry) Deregister(name string, addr string) error {
	_, err := r.client.Delete(context.Background(), keyPrefix+name+"/"+addr)
	return err
}

// Discover returns every live endpoint publishing the method name.
func (r *EtcdRegistry) Discover(name string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(context.Background(), keyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
