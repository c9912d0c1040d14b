// config предоставляет структуру конфигурации сервиса и функции
// загрузки из файла/переменных окружения с предсказуемым приоритетом.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config — корневая конфигурация сервиса.
// Источники значений (по убыванию приоритета):
//  1. явный путь через флаг --config;
//  2. путь в переменной окружения CONFIG_PATH;
//  3. файл local.yaml из рабочей директории;
//  4. переменные окружения (cleanenv).
type Config struct {
	Env      string        `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTPConfig    `yaml:"http"`
	Auth     AuthConfig    `yaml:"auth"`
	DB       DBConfig      `yaml:"db"`
	Redis    RedisConfig   `yaml:"redis"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// TimeoutConfig — таймауты сервиса.
type TimeoutConfig struct {
	Service time.Duration `yaml:"service" env:"SERVICE_TIMEOUT" env-default:"5s"`
}

// HTTPConfig — сетевые настройки HTTP-сервера.
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"50081"`
}

// Addr возвращает адрес в формате host:port.
func (g HTTPConfig) Addr() string {
	return net.JoinHostPort(g.Host, g.Port)
}

// AuthConfig содержит параметры выпуска и проверки токенов.
//
// Сервис не подписывает access-токены сам: выпуск делегирован удалённому
// сервису (IssuerEndpoint + IssuerAPIKey), проверка — через JWKS.
type AuthConfig struct {
	IssuerEndpoint string        `yaml:"issuer_endpoint" env:"TOKEN_ISSUER_ENDPOINT" env-required:"true"`
	IssuerAPIKey   string        `yaml:"issuer_api_key" env:"TOKEN_ISSUER_API_KEY" env-required:"true"`
	IssuerTimeout  time.Duration `yaml:"issuer_timeout" env:"TOKEN_ISSUER_TIMEOUT" env-default:"5s"`

	JWKSURL     string `yaml:"jwks_url" env:"JWKS_URL" env-required:"true"`
	JWTIssuer   string `yaml:"jwt_issuer" env:"JWT_ISSUER" env-required:"true"`
	JWTAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE" env-required:"true"`

	BcryptCost int `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"10"`

	// VerificationTokenTTL — окно жизни токена подтверждения e-mail.
	VerificationTokenTTL time.Duration `yaml:"verification_token_ttl" env:"VERIFICATION_TOKEN_TTL" env-default:"24h"`
	// TokenPrefixLength — длина индексируемого префикса секрета.
	// Обязана совпадать с шириной колонки token_prefix (self-check на старте).
	TokenPrefixLength int `yaml:"token_prefix_length" env:"TOKEN_PREFIX_LENGTH" env-default:"8"`
	// CleanupInterval — минимальный интервал между зачистками просроченных
	// токенов подтверждения (троттлинг внутри процесса).
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL" env-default:"1h"`

	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
}

// DBConfig — настройки подключения к базе данных.
type DBConfig struct {
	DatabaseURL string `yaml:"db_url" env:"DATABASE_URL" env-required:"true"`
}

// RedisConfig — настройки кэша refresh-токенов (опционально).
type RedisConfig struct {
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
}

// Validate проверяет диапазоны значений, которые cleanenv не покрывает.
// Сервис обязан отказаться стартовать с неопределённым поведением
// безопасности, а не деградировать молча.
func (c *Config) Validate() error {
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost out of range: %d", c.Auth.BcryptCost)
	}

	if c.Auth.TokenPrefixLength <= 0 {
		return fmt.Errorf("auth.token_prefix_length must be positive: %d", c.Auth.TokenPrefixLength)
	}

	if c.Auth.VerificationTokenTTL <= 0 {
		return fmt.Errorf("auth.verification_token_ttl must be positive")
	}

	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be positive")
	}

	if c.Auth.IssuerTimeout <= 0 {
		return fmt.Errorf("auth.issuer_timeout must be positive")
	}

	return nil
}

// MustLoad — обёртка над Load с panic при ошибке.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Load загружает конфигурацию по приоритету:
// 1) явный путь; 2) CONFIG_PATH; 3) ./local.yaml; 4) ENV.
// ВАЖНО: после чтения файла накладываем ENV-переменные поверх значений из YAML.
func Load(path string) (*Config, error) {
	var cfg Config

	// чтение файла + overlay ENV.
	tryRead := func(p string) (*Config, error) {
		if p == "" {
			return nil, fmt.Errorf("empty config path")
		}

		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return &cfg, nil
	}

	// 1) Явный путь.
	if path != "" {
		c, err := tryRead(path)
		if err != nil {
			return nil, err
		}

		return c, c.Validate()
	}

	// 2) CONFIG_PATH.
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		c, err := tryRead(envPath)
		if err != nil {
			return nil, err
		}

		return c, c.Validate()
	}

	// 3) ./local.yaml.
	if _, err := os.Stat("local.yaml"); err == nil {
		if err := cleanenv.ReadConfig("local.yaml", &cfg); err != nil {
			return nil, fmt.Errorf("failed to read local.yaml: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return &cfg, cfg.Validate()
	}

	// 4) Только ENV.
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	return &cfg, cfg.Validate()
}
