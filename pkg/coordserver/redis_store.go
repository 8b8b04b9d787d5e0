package coordserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duskline/duskline/pkg/identity"
)

// redisClientRecord is the JSON shape stored per client under its address
// key, plus a secondary key mapping endpoint -> address for GetByEndpoint.
type redisClientRecord struct {
	Address   string `json:"address"`
	PublicKey []byte `json:"public_key"`
	Endpoint  string `json:"endpoint"`
	LastSeen  int64  `json:"last_seen"`
}

// RedisClientStore is a ClientStore backed by Redis, for coordination-server
// deployments that run more than one server process behind a shared
// registry. It is an alternative to NewMemoryStore, not the default.
type RedisClientStore struct {
	rdb    *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisClientStore wraps an existing go-redis client. keyPrefix namespaces
// every key this store writes, so multiple deployments can share a Redis
// instance.
func NewRedisClientStore(rdb *redis.Client, keyPrefix string) *RedisClientStore {
	return &RedisClientStore{rdb: rdb, prefix: keyPrefix, ctx: context.Background()}
}

func (s *RedisClientStore) addrKey(addr identity.Address) string {
	return fmt.Sprintf("%s:client:%s", s.prefix, addr.String())
}

func (s *RedisClientStore) endpointKey(endpoint *net.UDPAddr) string {
	return fmt.Sprintf("%s:endpoint:%s", s.prefix, endpoint.String())
}

func (s *RedisClientStore) Put(info ClientInfo) {
	rec := redisClientRecord{
		Address:   info.Address.String(),
		PublicKey: info.PublicKey,
		LastSeen:  info.LastSeen.Unix(),
	}
	if info.Endpoint != nil {
		rec.Endpoint = info.Endpoint.String()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.rdb.Set(s.ctx, s.addrKey(info.Address), data, 0)
	if info.Endpoint != nil {
		s.rdb.Set(s.ctx, s.endpointKey(info.Endpoint), info.Address.String(), 0)
	}
}

func (s *RedisClientStore) Get(addr identity.Address) (ClientInfo, bool) {
	data, err := s.rdb.Get(s.ctx, s.addrKey(addr)).Bytes()
	if err != nil {
		return ClientInfo{}, false
	}
	return decodeRecord(data)
}

func (s *RedisClientStore) GetByEndpoint(endpoint *net.UDPAddr) (ClientInfo, bool) {
	addrStr, err := s.rdb.Get(s.ctx, s.endpointKey(endpoint)).Result()
	if err != nil {
		return ClientInfo{}, false
	}
	addr, err := identity.ParseAddress(addrStr)
	if err != nil {
		return ClientInfo{}, false
	}
	return s.Get(addr)
}

func (s *RedisClientStore) Touch(addr identity.Address) {
	info, ok := s.Get(addr)
	if !ok {
		return
	}
	info.LastSeen = time.Now()
	s.Put(info)
}

// EvictOlderThan scans the keyspace under this store's prefix. This is O(n)
// in the number of registered clients, acceptable at the scale a single
// coordination-server deployment serves.
func (s *RedisClientStore) EvictOlderThan(cutoff time.Time) []identity.Address {
	var evicted []identity.Address
	iter := s.rdb.Scan(s.ctx, 0, s.prefix+":client:*", 0).Iterator()
	for iter.Next(s.ctx) {
		data, err := s.rdb.Get(s.ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		info, ok := decodeRecord(data)
		if !ok {
			continue
		}
		if info.LastSeen.Before(cutoff) {
			s.rdb.Del(s.ctx, iter.Val())
			if info.Endpoint != nil {
				s.rdb.Del(s.ctx, s.endpointKey(info.Endpoint))
			}
			evicted = append(evicted, info.Address)
		}
	}
	return evicted
}

func decodeRecord(data []byte) (ClientInfo, bool) {
	var rec redisClientRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ClientInfo{}, false
	}
	addr, err := identity.ParseAddress(rec.Address)
	if err != nil {
		return ClientInfo{}, false
	}
	var endpoint *net.UDPAddr
	if rec.Endpoint != "" {
		endpoint, err = net.ResolveUDPAddr("udp", rec.Endpoint)
		if err != nil {
			endpoint = nil
		}
	}
	return ClientInfo{
		Address:   addr,
		PublicKey: rec.PublicKey,
		Endpoint:  endpoint,
		LastSeen:  time.Unix(rec.LastSeen, 0),
	}, true
}
