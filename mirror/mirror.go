// Package mirror publishes the controller's service directory to redis so
// other processes can see which providers are registered.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPrefix  = "srl"
	DefaultTimeout = 500 * time.Millisecond
)

var ErrProviderNotFound = errors.New("mirror: provider not found")

// Record is the JSON document stored per provider.
type Record struct {
	Name         string    `json:"name"`
	ConnectionID int       `json:"connection_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Mirror is a DirectoryObserver writing to redis. Failures are logged and
// never reach the controller.
type Mirror struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// New connects to the redis server at addr.
func New(addr string, db int, prefix string) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MaxRetries:   3,
	})
	log.WithFields(log.Fields{"addr": addr, "db": db}).Info("Redis directory mirror initialized")
	return NewWithClient(client, prefix, DefaultTimeout)
}

func NewWithClient(client redis.UniversalClient, prefix string, timeout time.Duration) *Mirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Mirror{client: client, prefix: prefix, timeout: timeout, now: time.Now}
}

func (m *Mirror) providersKey() string {
	return m.prefix + ":providers"
}

func (m *Mirror) providerKey(name string) string {
	return m.prefix + ":provider:" + name
}

func (m *Mirror) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Ping(ctx).Err()
}

// Reset drops everything a previous controller left behind.
func (m *Mirror) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	names, err := m.client.HKeys(ctx, m.providersKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("hkeys: %w", err)
	}
	keys := []string{m.providersKey()}
	for _, name := range names {
		keys = append(keys, m.providerKey(name))
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	log.Debugf("Mirror reset, dropped %d stale providers", len(names))
	return nil
}

func (m *Mirror) ProviderRegistered(ctx context.Context, name string, connectionID int) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	payload, err := json.Marshal(Record{Name: name, ConnectionID: connectionID, RegisteredAt: m.now().UTC()})
	if err != nil {
		log.Errorf("Encoding mirror record for %s: %v", name, err)
		return
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.providersKey(), name, strconv.Itoa(connectionID))
	pipe.Set(ctx, m.providerKey(name), payload, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("Mirroring registration of %s failed: %v", name, err)
	}
}

func (m *Mirror) ProviderUnregistered(ctx context.Context, name string, reason string) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, m.providersKey(), name)
	pipe.Del(ctx, m.providerKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("Mirroring removal of %s (%s) failed: %v", name, reason, err)
	}
}

// Providers returns the mirrored name to connection id map.
func (m *Mirror) Providers(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.client.HGetAll(ctx, m.providersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	out := make(map[string]int, len(raw))
	for name, v := range raw {
		id, err := strconv.Atoi(v)
		if err != nil {
			log.Warnf("Ignoring mirrored provider %s with bad connection id %q", name, v)
			continue
		}
		out[name] = id
	}
	return out, nil
}

func (m *Mirror) Record(ctx context.Context, name string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	value, err := m.client.Get(ctx, m.providerKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	var r Record
	if err := json.Unmarshal(value, &r); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &r, nil
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
