package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/lotdesk/internal/config"
	"github.com/zulandar/lotdesk/internal/gate"
	"github.com/zulandar/lotdesk/internal/relay"
	discordadapter "github.com/zulandar/lotdesk/internal/relay/discord"
	slackadapter "github.com/zulandar/lotdesk/internal/relay/slack"
	telegramadapter "github.com/zulandar/lotdesk/internal/relay/telegram"
	"github.com/zulandar/lotdesk/internal/topiccache"
	"gorm.io/gorm"
)

// memoryCacheSweep is how often the in-process topic cache drops expired entries.
const memoryCacheSweep = time.Minute

// backends holds the topic cache and the gate selected by the config.
type backends struct {
	cache topiccache.Cache
	gate  gate.Gate
	close func()
}

// openBackends builds the topic cache and gate. A configured Redis URL backs
// the cache with Redis; the gate follows relay.lock.backend.
func openBackends(ctx context.Context, cfg *config.Config, gormDB *gorm.DB) (*backends, error) {
	b := &backends{close: func() {}}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
		}
		b.close = func() { rdb.Close() }

		cache, err := topiccache.NewRedisCache(rdb, cfg.Redis.Prefix)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cache = cache
	} else {
		cache := topiccache.NewMemoryCache(memoryCacheSweep)
		b.cache = cache
		b.close = cache.Close
	}

	switch cfg.Relay.Lock.Backend {
	case config.LockRedis:
		g, err := gate.NewRedisGate(rdb, cfg.Redis.Prefix)
		if err != nil {
			b.close()
			return nil, err
		}
		b.gate = g
	case config.LockDB:
		g, err := gate.NewDBGate(gormDB)
		if err != nil {
			b.close()
			return nil, err
		}
		b.gate = g
	default:
		b.gate = gate.NewMemoryGate()
	}
	return b, nil
}

// newPlatform builds the platform adapter named by the config. The returned
// handler is non-nil only for Telegram in webhook mode.
var newPlatform = func(cfg *config.Config) (relay.Platform, http.Handler, error) {
	switch cfg.Relay.Platform {
	case config.PlatformTelegram:
		tg, err := telegramadapter.New(telegramadapter.AdapterOpts{
			Token:         cfg.Relay.Telegram.Token,
			WebhookURL:    cfg.Relay.Telegram.Webhook.URL,
			WebhookSecret: cfg.Relay.Telegram.Webhook.Secret,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Relay.Telegram.WebhookEnabled() {
			return tg, tg.WebhookHandler(), nil
		}
		return tg, nil, nil
	case config.PlatformDiscord:
		dc, err := discordadapter.New(discordadapter.AdapterOpts{BotToken: cfg.Relay.Discord.Token})
		if err != nil {
			return nil, nil, err
		}
		return dc, nil, nil
	case config.PlatformSlack:
		sl, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Relay.Slack.AppToken,
			BotToken: cfg.Relay.Slack.BotToken,
		})
		if err != nil {
			return nil, nil, err
		}
		return sl, nil, nil
	default:
		return nil, nil, fmt.Errorf("relay: unsupported platform %q", cfg.Relay.Platform)
	}
}
