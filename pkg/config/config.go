package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	BackendDocument   = "document"
	BackendRelational = "relational"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Store struct {
		Backend      string `mapstructure:"BACKEND"`
		DocumentPath string `mapstructure:"DOCUMENT_PATH"`
	} `mapstructure:"STORE"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
		Metrics struct {
			Enable bool   `mapstructure:"ENABLE"`
			Port   uint32 `mapstructure:"PORT"`
		} `mapstructure:"METRICS"`
	} `mapstructure:"DATABASE"`
	License struct {
		Pepper          string        `mapstructure:"PEPPER"`
		KeyPrefix       string        `mapstructure:"KEY_PREFIX"`
		CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	} `mapstructure:"LICENSE"`
	Admin struct {
		JWTSecret string   `mapstructure:"JWT_SECRET"`
		Issuer    string   `mapstructure:"ISSUER"`
		Policies  []string `mapstructure:"POLICIES"`
	} `mapstructure:"ADMIN"`
	RateLimit struct {
		Requests int           `mapstructure:"REQUESTS"`
		Window   time.Duration `mapstructure:"WINDOW"`
	} `mapstructure:"RATE_LIMIT"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Consul struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"CONSUL"`
	Vault struct {
		Enable    bool   `mapstructure:"ENABLE"`
		MountPath string `mapstructure:"MOUNT_PATH"`
		Path      string `mapstructure:"PATH"`
	} `mapstructure:"VAULT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

var defaults = map[string]any{
	"APP_ENV":                   "development",
	"APP_NAME":                  "clickbloom-license",
	"APP_VERSION":               "dev",
	"NODE_ID":                   1,
	"TLS.ENABLE":                false,
	"TLS.CERT_PATH":             "",
	"TLS.KEY_PATH":              "",
	"OTEL.ADDR":                 "",
	"OTEL.PROTOCOL":             "http",
	"OTEL.INSECURE":             true,
	"PYROSCOPE.ADDR":            "",
	"HTTP_SERVER.ADDR":          "8080",
	"HTTP_SERVER.READ_TIMEOUT":  15 * time.Second,
	"HTTP_SERVER.WRITE_TIMEOUT": 15 * time.Second,
	"HTTP_SERVER.IDLE_TIMEOUT":  60 * time.Second,
	"GRPC_SERVER.ADDR":          "9090",
	"STORE.BACKEND":             BackendDocument,
	"STORE.DOCUMENT_PATH":       "data/licenses.json",
	"DATABASE.TYPE":             "postgres",
	"DATABASE.HOST":             "localhost",
	"DATABASE.PORT":             "5432",
	"DATABASE.DBNAME":           "licenses",
	"DATABASE.USER":             "",
	"DATABASE.PASSWORD":         "",
	"DATABASE.SSLMODE":          "disable",
	"DATABASE.TIMEZONE":         "UTC",
	"DATABASE.PATH":             "data/licenses.db",
	"DATABASE.METRICS.ENABLE":   false,
	"DATABASE.METRICS.PORT":     9464,
	"LICENSE.PEPPER":            "",
	"LICENSE.KEY_PREFIX":        "CB",
	"LICENSE.CLEANUP_INTERVAL":  time.Hour,
	"ADMIN.JWT_SECRET":          "",
	"ADMIN.ISSUER":              "clickbloom-dashboard",
	"ADMIN.POLICIES":            []string{},
	"RATE_LIMIT.REQUESTS":       0,
	"RATE_LIMIT.WINDOW":         time.Minute,
	"REDIS.ADDR":                "",
	"REDIS.PASSWORD":            "",
	"REDIS.DB":                  0,
	"REDIS.POOL_SIZE":           10,
	"REDIS.POOL_TIMEOUT":        4 * time.Second,
	"CONSUL.ADDR":               "",
	"VAULT.ENABLE":              false,
	"VAULT.MOUNT_PATH":          "secret",
	"VAULT.PATH":                "",
}

// poolDefaults tune the relational backend's connection pool.
var poolDefaults = map[string]any{
	"DATABASE.CONNECTION_POOL.MAX_IDLE_CONN":      5,
	"DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS":     20,
	"DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME":  time.Hour,
	"DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME": 10 * time.Minute,
}

// NewViper returns a viper instance reading config.yaml from the working
// directory and overlaying environment variables, e.g. LICENSE_PEPPER for
// LICENSE.PEPPER.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, set := range []map[string]any{defaults, poolDefaults} {
		for key, value := range set {
			v.SetDefault(key, value)
		}
	}
	return v
}

// Load reads and validates configuration from v. A missing config file is
// not an error; everything has a default or an environment override.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load(NewViper())
	if err != nil {
		return nil, err
	}

	if cfg.Vault.Enable {
		if p.Vault == nil {
			return nil, errors.New("vault enabled but no vault client provided")
		}
		if err := applyVaultSecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	path := cfg.Vault.Path
	if path == "" {
		path = cfg.AppEnv
	}

	zap.L().Info("Starting Get Secrets", zap.String("path", path))
	secret, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath(cfg.Vault.MountPath))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("read vault secret %q: %w", path, err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	overlay := func(dst *string, key string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}

	overlay(&cfg.License.Pepper, "license_pepper")
	overlay(&cfg.Admin.JWTSecret, "admin_jwt_secret")
	overlay(&cfg.Database.Password, "postgres_password")
	overlay(&cfg.Redis.Password, "redis_password")

	return nil
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.License.Pepper) == "" {
		return errors.New("LICENSE.PEPPER must be configured")
	}

	switch c.Store.Backend {
	case BackendDocument:
		if c.Store.DocumentPath == "" {
			return errors.New("STORE.DOCUMENT_PATH must be set for the document backend")
		}
	case BackendRelational:
	default:
		return fmt.Errorf("unknown STORE.BACKEND %q", c.Store.Backend)
	}

	if c.TLS.Enable && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return errors.New("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}

	switch c.Otel.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("unknown OTEL.PROTOCOL %q", c.Otel.Protocol)
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		return errors.New("ADMIN.JWT_SECRET must be at least 32 bytes")
	}

	return nil
}
