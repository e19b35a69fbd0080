package registry

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// presenceTTL bounds how long a crashed instance can hold a registration.
const presenceTTL = 90 * time.Second

// NewRedisClient creates a new Redis client with connection pooling
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}
	return client, nil
}

// RedisPresenceRegistry shares device presence across relay instances.
type RedisPresenceRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisPresenceRegistry(client *redis.Client) ports.PresenceRegistry {
	return &RedisPresenceRegistry{
		client: client,
		prefix: "peerlink:presence:",
	}
}

func (r *RedisPresenceRegistry) deviceKey(id domain.DeviceID) string {
	return r.prefix + string(id)
}

func (r *RedisPresenceRegistry) Register(ctx context.Context, device domain.DeviceID, instanceID string) error {
	if err := r.client.Set(ctx, r.deviceKey(device), instanceID, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to register device presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRegistry) Unregister(ctx context.Context, device domain.DeviceID) error {
	if err := r.client.Del(ctx, r.deviceKey(device)).Err(); err != nil {
		return fmt.Errorf("failed to unregister device presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRegistry) Lookup(ctx context.Context, device domain.DeviceID) (string, error) {
	instance, err := r.client.Get(ctx, r.deviceKey(device)).Result()
	if err == redis.Nil {
		return "", domain.ErrDeviceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up device presence: %w", err)
	}
	return instance, nil
}

func (r *RedisPresenceRegistry) List(ctx context.Context) ([]domain.DeviceID, error) {
	var devices []domain.DeviceID
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		devices = append(devices, domain.DeviceID(iter.Val()[len(r.prefix):]))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan device presence: %w", err)
	}
	return devices, nil
}
