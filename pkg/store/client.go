// Package store wraps the shared Redis instance that deployments, ingestion
// workers and API replicas meet on.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures a store connection
type Options struct {
	URL      string
	Password string
	PoolSize int
}

// Client is the store client shared by every component of a process
type Client struct {
	rdb *redis.Client
}

// New connects to the store and checks connectivity
func New(ctx context.Context, o Options) (*Client, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if o.Password != "" {
		opts.Password = o.Password
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.PoolTimeout = 4 * time.Second
	// Blocking stream reads hold a connection past the default read timeout.
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Wrap builds a Client around an existing go-redis client
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis returns the underlying go-redis client
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Get returns the value stored at key. found is false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	value, err = c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value at key; a zero ttl means no expiry
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetAndPublish stores value at name and publishes it on the channel of the
// same name in one transaction
func (c *Client) SetAndPublish(ctx context.Context, name string, value []byte, ttl time.Duration) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, name, value, ttl)
		pipe.Publish(ctx, name, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set and publish %s: %w", name, err)
	}
	return nil
}

// Publish sends msg on channel
func (c *Client) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := c.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Keys lists keys matching a glob pattern
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %s: %w", pattern, err)
	}
	return keys, nil
}

// MGet fetches several keys; absent keys yield nil entries
func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// IncrWindow increments a counter and (re)arms its expiry, returning the
// new count
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// ACLSetUser creates or updates an ACL user with the given rules
func (c *Client) ACLSetUser(ctx context.Context, username string, rules ...string) error {
	args := make([]interface{}, 0, len(rules)+3)
	args = append(args, "ACL", "SETUSER", username)
	for _, r := range rules {
		args = append(args, r)
	}
	if err := c.rdb.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("redis acl setuser %s: %w", username, err)
	}
	return nil
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}
