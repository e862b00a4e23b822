package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/pool"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	Version     string `envconfig:"VERSION" default:"dev"`

	// Defaults for tenant connections that do not override them.
	TenantDBHost     string `envconfig:"TENANT_DB_HOST" default:"localhost"`
	TenantDBPort     int    `envconfig:"TENANT_DB_PORT" default:"5432"`
	TenantDBUser     string `envconfig:"TENANT_DB_USER" default:"postgres"`
	TenantDBPassword string `envconfig:"TENANT_DB_PASSWORD" default:""`
	TenantDBSSL      bool   `envconfig:"TENANT_DB_SSL" default:"false"`

	// Maintenance database used for CREATE/DROP DATABASE.
	TenantAdminDatabase string `envconfig:"TENANT_ADMIN_DATABASE" default:"postgres"`

	CacheMaxSize         int           `envconfig:"CACHE_MAX_SIZE" default:"50"`
	CacheTTL             time.Duration `envconfig:"CACHE_TTL" default:"30m"`
	CacheSweepInterval   time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"`
	CacheCloseTimeout    time.Duration `envconfig:"CACHE_CLOSE_TIMEOUT" default:"5s"`
	ConnectTimeout       time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	HealthInterval       time.Duration `envconfig:"HEALTH_INTERVAL" default:"5m"`
	ProvisionConcurrency int           `envconfig:"PROVISION_CONCURRENCY" default:"4"`
	TenantPoolMaxConns   int32         `envconfig:"TENANT_POOL_MAX_CONNS" default:"5"`

	// bcrypt hash of the token expected in X-Admin-Token. When empty a token
	// is generated at startup and logged once.
	AdminTokenHash string `envconfig:"ADMIN_TOKEN_HASH" default:""`
	BcryptCost     int    `envconfig:"BCRYPT_COST" default:"12"`
}

// Load reads configuration from environment variables into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TenantDefaults returns the fallback connection parameters for tenants.
func (c *Config) TenantDefaults() naming.Defaults {
	return naming.Defaults{
		Host:       c.TenantDBHost,
		Port:       c.TenantDBPort,
		User:       c.TenantDBUser,
		Password:   c.TenantDBPassword,
		SSLEnabled: c.TenantDBSSL,
	}
}

// AdminDatabaseURL returns the connection string of the maintenance database
// on the tenant server.
func (c *Config) AdminDatabaseURL() string {
	return naming.BuildConnectionString("", naming.ConnectionConfig{Database: c.TenantAdminDatabase}, c.TenantDefaults())
}

// PoolConfig returns the connection cache limits.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxSize:        c.CacheMaxSize,
		TTL:            c.CacheTTL,
		SweepInterval:  c.CacheSweepInterval,
		ConnectTimeout: c.ConnectTimeout,
		CloseTimeout:   c.CacheCloseTimeout,
	}
}
