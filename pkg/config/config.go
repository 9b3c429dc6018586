package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App         AppConfig
	Service     ServiceConfig
	DB          DBConfig
	Redis       RedisConfig
	Stripe      StripeConfig
	Billing     BillingConfig
	Withdrawals WithdrawalsConfig
	Cron        CronConfig
	Eventing    EventingConfig
	Bot         BotConfig
	Portal      PortalConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TELEVIP_APP_ENV" required:"true"`
	Port         string `envconfig:"TELEVIP_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TELEVIP_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TELEVIP_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"TELEVIP_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TELEVIP_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TELEVIP_DB_DSN"`
	Driver string `envconfig:"TELEVIP_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TELEVIP_DB_HOST"`
	LegacyPort     int    `envconfig:"TELEVIP_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TELEVIP_DB_USER"`
	LegacyPassword string `envconfig:"TELEVIP_DB_PASSWORD"`
	LegacyName     string `envconfig:"TELEVIP_DB_NAME"`
	LegacySSLMode  string `envconfig:"TELEVIP_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TELEVIP_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TELEVIP_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TELEVIP_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TELEVIP_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TELEVIP_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TELEVIP_REDIS_ADDR"`
	Password     string        `envconfig:"TELEVIP_REDIS_PASSWORD"`
	DB           int           `envconfig:"TELEVIP_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TELEVIP_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TELEVIP_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TELEVIP_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TELEVIP_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TELEVIP_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type StripeConfig struct {
	APIKey      string        `envconfig:"TELEVIP_STRIPE_API_KEY"`
	Secret      string        `envconfig:"TELEVIP_STRIPE_WEBHOOK_SECRET"`
	Env         string        `envconfig:"TELEVIP_STRIPE_ENV" default:"test"`
	CallTimeout time.Duration `envconfig:"TELEVIP_STRIPE_CALL_TIMEOUT" default:"10s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type BillingConfig struct {
	// FixedFee and PercentageRate define the platform cut per transaction.
	// PercentageRate is a fraction: "0.0999" means 9.99%.
	FixedFee       string `envconfig:"TELEVIP_BILLING_FIXED_FEE" default:"0.99"`
	PercentageRate string `envconfig:"TELEVIP_BILLING_PERCENTAGE_RATE" default:"0.0999"`

	// ActivityGraceWindow tolerates provider renewal latency on read paths.
	ActivityGraceWindow time.Duration `envconfig:"TELEVIP_BILLING_ACTIVITY_GRACE_WINDOW" default:"2h"`
	// SweepGraceWindow keeps the expire sweep away from auto-renew
	// subscriptions while the provider is still retrying payment.
	SweepGraceWindow time.Duration `envconfig:"TELEVIP_BILLING_SWEEP_GRACE_WINDOW" default:"72h"`
}

type WithdrawalsConfig struct {
	MinAmount string `envconfig:"TELEVIP_WITHDRAWALS_MIN_AMOUNT" default:"10.00"`
}

type CronConfig struct {
	Interval         time.Duration `envconfig:"TELEVIP_CRON_INTERVAL" default:"1h"`
	ReconcileLimit   int           `envconfig:"TELEVIP_CRON_RECONCILE_LIMIT" default:"250"`
	ExpireBatchLimit int           `envconfig:"TELEVIP_CRON_EXPIRE_BATCH_LIMIT" default:"500"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"TELEVIP_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type BotConfig struct {
	Token       string `envconfig:"TELEVIP_BOT_TOKEN"`
	SupportLink string `envconfig:"TELEVIP_BOT_SUPPORT_LINK" default:"https://t.me/suporte_televip"`
}

type PortalConfig struct {
	TokenSecret string        `envconfig:"TELEVIP_PORTAL_TOKEN_SECRET"`
	TokenTTL    time.Duration `envconfig:"TELEVIP_PORTAL_TOKEN_TTL" default:"24h"`
	ReturnURL   string        `envconfig:"TELEVIP_PORTAL_RETURN_URL"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
