package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/cart_add.lua
var cartAddScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	cartTTL       time.Duration
	addScript     *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, cartTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return Wrap(rdb, cartTTL), nil
}

// Wrap builds a Client around an existing connection
func Wrap(rdb *redis.Client, cartTTL time.Duration) *Client {
	if cartTTL <= 0 {
		cartTTL = 7 * 24 * time.Hour
	}
	return &Client{
		rdb:           rdb,
		cartTTL:       cartTTL,
		addScript:     redis.NewScript(cartAddScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func cartKey(customerID string) string {
	return fmt.Sprintf("cart:%s", customerID)
}

// AddCartItem merges quantity into the customer's cart line for productID.
// The merged quantity is stored only if it does not exceed limit; ok reports whether it was.
func (c *Client) AddCartItem(ctx context.Context, customerID, productID string, quantity, limit int) (merged int, ok bool, err error) {
	result, err := c.addScript.Run(ctx, c.rdb, []string{cartKey(customerID)},
		productID, quantity, limit, int(c.cartTTL.Seconds())).Result()
	if err != nil {
		return 0, false, fmt.Errorf("cart add script failed: %w", err)
	}

	values, isSlice := result.([]interface{})
	if !isSlice || len(values) != 2 {
		return 0, false, fmt.Errorf("unexpected script result type")
	}
	stored, _ := values[0].(int64)
	total, _ := values[1].(int64)
	return int(total), stored == 1, nil
}

// SetCartItem overwrites a cart line; a quantity of zero removes it
func (c *Client) SetCartItem(ctx context.Context, customerID, productID string, quantity int) error {
	key := cartKey(customerID)
	if quantity <= 0 {
		return c.rdb.HDel(ctx, key, productID).Err()
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, productID, quantity)
		pipe.Expire(ctx, key, c.cartTTL)
		return nil
	})
	return err
}

// RemoveCartItem deletes a cart line
func (c *Client) RemoveCartItem(ctx context.Context, customerID, productID string) error {
	return c.rdb.HDel(ctx, cartKey(customerID), productID).Err()
}

// ReplaceCart swaps the whole cart for items in one transaction
func (c *Client) ReplaceCart(ctx context.Context, customerID string, items map[string]int) error {
	key := cartKey(customerID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for productID, qty := range items {
			if qty > 0 {
				pipe.HSet(ctx, key, productID, qty)
			}
		}
		pipe.Expire(ctx, key, c.cartTTL)
		return nil
	})
	return err
}

// GetCart returns the customer's cart as productID -> quantity
func (c *Client) GetCart(ctx context.Context, customerID string) (map[string]int, error) {
	raw, err := c.rdb.HGetAll(ctx, cartKey(customerID)).Result()
	if err != nil {
		return nil, err
	}

	items := make(map[string]int, len(raw))
	for productID, v := range raw {
		qty, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt cart line %s: %w", productID, err)
		}
		items[productID] = qty
	}
	return items, nil
}

// ClearCart removes the cart
func (c *Client) ClearCart(ctx context.Context, customerID string) error {
	return c.rdb.Del(ctx, cartKey(customerID)).Err()
}

// AcquireLock acquires a distributed lock and returns the token needed to release it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
