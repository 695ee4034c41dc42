package collector

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/coordinator"
	"github.com/takaraflow/drive-collector-js-sub006/go/dispatcher"
	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/pipeline"
	"github.com/takaraflow/drive-collector-js-sub006/go/queue"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
	"github.com/takaraflow/drive-collector-js-sub006/go/webhook"
)

// defaultSQLitePath is where the task database lands when neither D1
// nor an explicit SQLite path is configured.
const defaultSQLitePath = "drive-collector.db"

// Config aggregates every subsystem's flag group into the collector's
// full configuration. Env names are part of the deployment contract
// and are declared on the leaf structs, so no group carries an
// env-namespace.
type Config struct {
	Webhook     webhook.Config           `group:"HTTP"`
	Queue       queue.Config             `group:"Queue"`
	Cloudflare  kvcache.CloudflareConfig `group:"Cloudflare KV"`
	Upstash     kvcache.UpstashConfig    `group:"Upstash"`
	Redis       kvcache.RedisConfig      `group:"Redis"`
	D1          store.D1Config           `group:"Cloudflare D1"`
	SQLite      store.SQLiteConfig       `group:"SQLite"`
	Telegram    telegram.Config          `group:"Chat gateway"`
	Dispatcher  dispatcher.Config        `group:"Access"`
	Pipeline    pipeline.Config          `group:"Pipeline"`
	Coordinator coordinator.Config       `group:"Coordination"`

	// WebhookBase is the public URL under which the queue reaches this
	// deployment's webhook endpoints.
	WebhookBase string `long:"webhook-base-url" env:"WEBHOOK_BASE_URL" description:"Public base URL of the webhook endpoints"`
}

// Validate rejects configurations the collector cannot start from.
func (cfg Config) Validate() error {
	if !cfg.Cloudflare.Configured() && !cfg.Upstash.Configured() && !cfg.Redis.Configured() {
		return fmt.Errorf("no KV provider configured; set CF_KV_*, UPSTASH_REDIS_REST_*, or REDIS_ADDR")
	}
	if !cfg.Telegram.Configured() {
		return fmt.Errorf("no bot token configured; set BOT_TOKEN")
	}
	if cfg.Queue.SigningKey == "" {
		return fmt.Errorf("no queue signing key configured; set QUEUE_SIGNING_KEY")
	}
	if cfg.WebhookBase == "" {
		return fmt.Errorf("no webhook base configured; set WEBHOOK_BASE_URL")
	}
	return nil
}

// buildKV assembles the KV facade. The first configured provider, in
// the order Cloudflare KV, Upstash, Redis, becomes primary; the next
// configured one becomes the failover backup.
func (cfg Config) buildKV(limiter *limits.Limiter) (*kvcache.Cache, error) {
	var providers []kvcache.Provider

	if cfg.Cloudflare.Configured() {
		p, err := kvcache.NewCloudflare(cfg.Cloudflare)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.Upstash.Configured() {
		p, err := kvcache.NewUpstash(cfg.Upstash)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.Redis.Configured() {
		p, err := kvcache.NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no KV provider configured")
	}

	var kvCfg = kvcache.Config{
		Primary: providers[0],
		Limiter: limiter,
		Tier:    limits.TierHigh,
	}
	if len(providers) > 1 {
		kvCfg.Backup = providers[1]
	}
	log.WithFields(log.Fields{
		"primary": providers[0].Name(),
		"backup":  kvCfg.Backup != nil,
	}).Info("kv facade configured")
	return kvcache.NewCache(kvCfg)
}

// buildStore opens the durable task store: D1 when configured, a local
// SQLite file otherwise.
func (cfg Config) buildStore(ctx context.Context) (*store.Store, error) {
	if cfg.D1.Configured() {
		return store.OpenD1(ctx, cfg.D1)
	}
	var sqlite = cfg.SQLite
	if sqlite.Path == "" {
		sqlite.Path = defaultSQLitePath
		log.WithField("path", sqlite.Path).
			Info("no durable store configured; using local sqlite")
	}
	return store.OpenSQLite(ctx, sqlite)
}
