package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/redis/go-redis/v9"
)

const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportWaku   = "waku"
)

// Config selects and tunes the realtime transport.
type Config struct {
	Transport      string   `yaml:"transport"`
	RedisAddr      string   `yaml:"redisAddr"`
	Port           int      `yaml:"port"`
	BootstrapNodes []string `yaml:"bootstrapNodes"`
	MinPeers       int      `yaml:"minPeers"`
}

func DefaultConfig() Config {
	return Config{
		Transport: TransportMemory,
		Port:      60000,
		MinPeers:  2,
	}
}

func (c Config) Validate() error {
	switch strings.TrimSpace(c.Transport) {
	case "", TransportMemory:
	case TransportRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("redis transport requires redisAddr")
		}
	case TransportWaku:
		for _, addr := range c.BootstrapNodes {
			if _, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
				return fmt.Errorf("invalid bootstrap node %q: %w", addr, err)
			}
		}
	default:
		return fmt.Errorf("unknown realtime transport %q", c.Transport)
	}
	return nil
}

// NewBus builds the transport for cfg. The returned closer releases any
// connections the transport holds; it is a no-op for the in-memory bus.
func NewBus(cfg Config, log *slog.Logger) (Bus, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	switch strings.TrimSpace(cfg.Transport) {
	case "", TransportMemory:
		return NewMemoryBus(), func() {}, nil
	case TransportRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisBus(rdb, log), func() { _ = rdb.Close() }, nil
	case TransportWaku:
		return newWakuBus(cfg, log)
	default:
		return nil, nil, fmt.Errorf("unknown realtime transport %q", cfg.Transport)
	}
}
