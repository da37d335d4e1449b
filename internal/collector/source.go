package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Source yields raw NetFlow datagrams. Read returns (nil, nil) when nothing
// arrived within its poll interval so callers can observe cancellation.
type Source interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// UDPSource reads datagrams from a UDP socket.
type UDPSource struct {
	conn     *net.UDPConn
	deadline time.Duration
	buf      []byte
}

// ListenUDP binds addr. A bind failure is the one fatal startup error of
// the collector.
func ListenUDP(addr string, readDeadline time.Duration) (*UDPSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if readDeadline <= 0 {
		readDeadline = time.Second
	}
	return &UDPSource{conn: conn, deadline: readDeadline, buf: make([]byte, 65535)}, nil
}

// Name identifies the source in logs.
func (s *UDPSource) Name() string { return "udp " + s.conn.LocalAddr().String() }

// Addr returns the bound address.
func (s *UDPSource) Addr() net.Addr { return s.conn.LocalAddr() }

// Read waits up to the read deadline for one datagram.
func (s *UDPSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.deadline)); err != nil {
		return nil, err
	}
	n, _, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

// Close closes the socket.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}

// RedisListSource pops datagrams relayed into a Redis list by remote
// sensors.
type RedisListSource struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewRedisListSource wraps an existing client.
func NewRedisListSource(client *redis.Client, key string, blockTimeout time.Duration) (*RedisListSource, error) {
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if blockTimeout <= 0 {
		blockTimeout = time.Second
	}
	return &RedisListSource{client: client, key: key, blockTimeout: blockTimeout}, nil
}

// Name identifies the source in logs.
func (c *RedisListSource) Name() string { return "redis " + c.key }

// Read pops one datagram from the list.
func (c *RedisListSource) Read(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Close is a no-op; the client is shared.
func (c *RedisListSource) Close() error {
	return nil
}
