package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// OriginTopic is the pub/sub channel carrying messages destined for the
// origin side of a pairing.
func OriginTopic(pairingID string) string {
	return fmt.Sprintf("pairing:origin:%s", pairingID)
}

// TargetTopic is the pub/sub channel carrying messages destined for the
// target side of a pairing.
func TargetTopic(pairingID string) string {
	return fmt.Sprintf("pairing:target:%s", pairingID)
}
