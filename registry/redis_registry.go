package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"highway-rpc/logx"
)

// Redis layout:
//
//	highway:{service}:instances          SET of addrs (index)
//	highway:{service}:instance:{addr}    JSON ServiceInstance, expires after ttl
//
// The index may name instances whose key already expired; Discover prunes them.
const redisPrefix = "highway:"

// DefaultRedisPollInterval is how often Watch re-reads the instance list.
const DefaultRedisPollInterval = time.Second

// RedisRegistry implements Registry on top of Redis keys with TTLs.
type RedisRegistry struct {
	client       redis.UniversalClient
	pollInterval time.Duration

	ctx    context.Context // Cancelled by Close
	cancel context.CancelFunc

	mu         sync.Mutex
	refreshers map[string]context.CancelFunc // instance key → stop its TTL refresher
}

// NewRedisRegistry connects to addr ("host:port") and verifies the connection.
func NewRedisRegistry(addr string, pollInterval time.Duration) (*RedisRegistry, error) {
	return NewRedisRegistryWithClient(redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}}), pollInterval)
}

// NewRedisRegistryWithClient uses an existing client.
func NewRedisRegistryWithClient(client redis.UniversalClient, pollInterval time.Duration) (*RedisRegistry, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultRedisPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}
	return &RedisRegistry{
		client:       client,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
		refreshers:   make(map[string]context.CancelFunc),
	}, nil
}

func redisIndexKey(serviceName string) string {
	return redisPrefix + serviceName + ":instances"
}

func redisInstanceKey(serviceName, addr string) string {
	return redisPrefix + serviceName + ":instance:" + addr
}

// Register writes the instance with a TTL and keeps refreshing it at a third of the TTL.
func (r *RedisRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	if ttl <= 0 {
		ttl = 10
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := redisInstanceKey(serviceName, instance.Addr)
	expiry := time.Duration(ttl) * time.Second

	pipe := r.client.TxPipeline()
	pipe.Set(r.ctx, key, val, expiry)
	pipe.SAdd(r.ctx, redisIndexKey(serviceName), instance.Addr)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	if prev, ok := r.refreshers[key]; ok {
		prev()
	}
	r.refreshers[key] = cancel
	r.mu.Unlock()

	go r.refresh(ctx, key, val, expiry)
	return nil
}

func (r *RedisRegistry) refresh(ctx context.Context, key string, val []byte, expiry time.Duration) {
	ticker := time.NewTicker(expiry / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.client.Expire(ctx, key, expiry).Result()
			if err != nil {
				if ctx.Err() == nil {
					logx.Log.Warn().Err(err).Str("key", key).Msg("redis registry refresh failed")
				}
				continue
			}
			if !ok {
				// Key vanished (e.g. redis restarted): write it again.
				if err := r.client.Set(ctx, key, val, expiry).Err(); err != nil && ctx.Err() == nil {
					logx.Log.Warn().Err(err).Str("key", key).Msg("redis registry rewrite failed")
				}
			}
		}
	}
}

// Deregister stops refreshing the instance and removes it.
func (r *RedisRegistry) Deregister(serviceName string, addr string) error {
	key := redisInstanceKey(serviceName, addr)
	r.mu.Lock()
	if cancel, ok := r.refreshers[key]; ok {
		cancel()
		delete(r.refreshers, key)
	}
	r.mu.Unlock()

	pipe := r.client.TxPipeline()
	pipe.Del(r.ctx, key)
	pipe.SRem(r.ctx, redisIndexKey(serviceName), addr)
	_, err := pipe.Exec(r.ctx)
	return err
}

// Discover returns the live instances of a service, pruning expired index entries.
func (r *RedisRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	index := redisIndexKey(serviceName)
	addrs, err := r.client.SMembers(r.ctx, index).Result()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return []ServiceInstance{}, nil
	}
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = redisInstanceKey(serviceName, a)
	}
	vals, err := r.client.MGet(r.ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, addrs[i])
			continue
		}
		var inst ServiceInstance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			logx.Log.Warn().Str("key", keys[i]).Msg("skipping malformed redis registry entry")
			continue
		}
		instances = append(instances, inst)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(r.ctx, index, stale...).Err(); err != nil {
			logx.Log.Warn().Err(err).Str("service", serviceName).Msg("redis registry prune failed")
		}
	}
	return instances, nil
}

// Watch polls Discover and emits the list whenever the set of addresses changes.
// The first poll always emits.
func (r *RedisRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		last := "\x00"
		for {
			instances, err := r.Discover(serviceName)
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				logx.Log.Warn().Err(err).Str("service", serviceName).Msg("redis registry poll failed")
			} else if fp := fingerprint(instances); fp != last {
				last = fp
				select {
				case ch <- instances:
				case <-r.ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-r.ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops refreshers and watches and closes the client.
func (r *RedisRegistry) Close() error {
	r.cancel()
	r.mu.Lock()
	r.refreshers = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	return r.client.Close()
}
