package store

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
)

const keyPrefix = "pastey_relay_"

// ErrNotFound is returned when no result is cached under a key.
var ErrNotFound = errors.New("result not found")

// Record is a previously published paste.
type Record struct {
	Backend     string    `json:"backend"`
	ViewURL     string    `json:"view_url"`
	RawURL      string    `json:"raw_url"`
	PublishedAt time.Time `json:"published_at"`
}

// Store caches publish results so identical content is not re-published.
type Store interface {
	// Get retrieves a record by key. Returns ErrNotFound if it doesn't exist.
	Get(key string) (*Record, error)
	// Put stores a record under key, replacing any previous one.
	Put(key string, rec *Record) error
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a new Redis-backed store and verifies connectivity.
func NewRedis(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping().Result(); err != nil {
		return nil, err
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

// Get retrieves a record by key.
func (s *RedisStore) Get(key string) (*Record, error) {
	val, err := s.client.Get(keyPrefix + key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores a record with the store's TTL.
func (s *RedisStore) Put(key string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(keyPrefix+key, data, s.ttl).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ParseRedisURI parses a Redis URI in the form "host:port" and returns host and port separately.
// This is needed because the rate limiter package takes host and port as separate config fields.
func ParseRedisURI(uri string) (host string, port int) {
	host = "localhost"
	port = 6379

	if uri == "" {
		return
	}

	parts := strings.Split(uri, ":")
	if len(parts) >= 1 && parts[0] != "" {
		host = parts[0]
	}
	if len(parts) >= 2 {
		if p, err := strconv.Atoi(parts[1]); err == nil {
			port = p
		}
	}
	return
}
