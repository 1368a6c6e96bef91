// Package authority wires the authoritative usage store selected by config.
package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/usagebuffer/internal/authority/httpclient"
	"github.com/smallbiznis/usagebuffer/internal/authority/redisstore"
	"github.com/smallbiznis/usagebuffer/internal/config"
	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

const AuthorityDriverNone = "none"

var Module = fx.Module("authority",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLease),
	fx.Provide(NewAuthority),
)

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func NewLease(client *redis.Client) *redisstore.Lease {
	return redisstore.NewLease(client)
}

// NewAuthority builds the configured driver. A nil Authority leaves the
// buffer local-only; Flush and sync then fail with ErrAuthorityRequired.
func NewAuthority(cfg config.Config, client *redis.Client, log *zap.Logger) (domain.Authority, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Authority.Driver)) {
	case "", AuthorityDriverNone:
		log.Warn("no authoritative store configured, buffer is local-only")
		return nil, nil
	case config.AuthorityDriverHTTP:
		if strings.TrimSpace(cfg.Authority.URL) == "" {
			log.Warn("AUTHORITY_URL empty, buffer is local-only")
			return nil, nil
		}
		c, err := httpclient.New(httpclient.Config{
			BaseURL: cfg.Authority.URL,
			Token:   cfg.Authority.Token,
			Timeout: cfg.Authority.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.AuthorityDriverRedis:
		if client == nil {
			return nil, errors.New("redis authority requires REDIS_ADDR")
		}
		return redisstore.New(client), nil
	default:
		return nil, fmt.Errorf("unknown authority driver %q", cfg.Authority.Driver)
	}
}
