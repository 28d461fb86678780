// Package cache keeps assembled group views in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

const (
	DefaultKeyPrefix = "urlgroups:group:"
	DefaultTTL       = 5 * time.Minute
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient creates a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// GroupCache stores group views as JSON under a key prefix.
type GroupCache struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ shortener.GroupCache = (*GroupCache)(nil)

// NewGroupCache wraps client. Zero values select the defaults.
func NewGroupCache(client redis.Cmdable, keyPrefix string, ttl time.Duration) *GroupCache {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &GroupCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

type cachedLink struct {
	ID        string    `json:"id"`
	GroupID   *string   `json:"groupId"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// cachedGroup never carries the secret hash.
type cachedGroup struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Children  []cachedLink `json:"children"`
}

// Get returns the cached view for groupID. ok is false on a miss.
func (c *GroupCache) Get(ctx context.Context, groupID string) (shortener.GroupView, bool, error) {
	data, err := c.client.Get(ctx, c.key(groupID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return shortener.GroupView{}, false, nil
	}
	if err != nil {
		return shortener.GroupView{}, false, fmt.Errorf("cache get failed: %w", err)
	}

	var cg cachedGroup
	if err := json.Unmarshal(data, &cg); err != nil {
		_ = c.client.Del(ctx, c.key(groupID)).Err()
		return shortener.GroupView{}, false, fmt.Errorf("failed to unmarshal cached group: %w", err)
	}
	return cg.view(), true, nil
}

// Set stores view for the configured TTL.
func (c *GroupCache) Set(ctx context.Context, view shortener.GroupView) error {
	data, err := json.Marshal(fromView(view))
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	if err := c.client.Set(ctx, c.key(view.Group.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Fill stores view for the configured TTL unless the key already exists.
func (c *GroupCache) Fill(ctx context.Context, view shortener.GroupView) error {
	data, err := json.Marshal(fromView(view))
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	if err := c.client.SetNX(ctx, c.key(view.Group.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache fill failed: %w", err)
	}
	return nil
}

// Delete drops the cached view for groupID. Missing keys are not an error.
func (c *GroupCache) Delete(ctx context.Context, groupID string) error {
	if err := c.client.Del(ctx, c.key(groupID)).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

func (c *GroupCache) key(groupID string) string {
	return c.keyPrefix + groupID
}

func fromView(v shortener.GroupView) cachedGroup {
	children := make([]cachedLink, 0, len(v.Children))
	for _, l := range v.Children {
		children = append(children, cachedLink{
			ID:        l.ID,
			GroupID:   l.GroupID,
			Target:    l.Target,
			CreatedAt: l.CreatedAt,
			UpdatedAt: l.UpdatedAt,
		})
	}
	return cachedGroup{
		ID:        v.Group.ID,
		CreatedAt: v.Group.CreatedAt,
		UpdatedAt: v.Group.UpdatedAt,
		Children:  children,
	}
}

func (cg cachedGroup) view() shortener.GroupView {
	children := make([]shortener.Link, 0, len(cg.Children))
	for _, l := range cg.Children {
		children = append(children, shortener.Link{
			ID:        l.ID,
			GroupID:   l.GroupID,
			Target:    l.Target,
			CreatedAt: l.CreatedAt,
			UpdatedAt: l.UpdatedAt,
		})
	}
	return shortener.GroupView{
		Group: shortener.Group{
			ID:        cg.ID,
			CreatedAt: cg.CreatedAt,
			UpdatedAt: cg.UpdatedAt,
		},
		Children: children,
	}
}
