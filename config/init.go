package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации приложения.
// Расширяем по мере роста проекта.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	API struct {
		SharedSecret string `mapstructure:"shared_secret"` // bearer для операторского API
	} `mapstructure:"api"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, пусто — только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "mysql" | "sqlite"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	VPN struct {
		// Дефолтная сеть для сервера без своей (подставляется при создании пира).
		DefaultNetwork string `mapstructure:"default_network"`
		// Placeholder для Endpoint, пока у сервера не задан публичный хост.
		EndpointPlaceholder string `mapstructure:"endpoint_placeholder"`
		// Мастер-ключ шифрования секретов; пусто = явная деградация в cleartext.
		MasterKey string `mapstructure:"master_key"`
		// Включать ли NAT-masquerade при деплое серверной сети.
		NAT bool `mapstructure:"nat"`
	} `mapstructure:"vpn"`

	Deploy struct {
		Timeout       time.Duration `mapstructure:"timeout"`        // на один deploy/undeploy
		RouterTimeout time.Duration `mapstructure:"router_timeout"` // на один вызов router API
	} `mapstructure:"deploy"`

	Health struct {
		Interval      time.Duration `mapstructure:"interval"`       // период скана
		FreshWindow   time.Duration `mapstructure:"fresh_window"`   // handshake свежий → connected
		StaleWindow   time.Duration `mapstructure:"stale_window"`   // активный, но протух → warning
		RetentionDays int           `mapstructure:"retention_days"` // хранение connection-логов
	} `mapstructure:"health"`
}

// Load читает конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Дефолты (минимальный рабочий набор)
	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")
	viper.SetDefault("api.shared_secret", "CHANGE_ME")

	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "wgfleet.db")

	viper.SetDefault("vpn.default_network", "10.8.0.1/24")
	viper.SetDefault("vpn.endpoint_placeholder", "SERVER_ADDRESS:51820")
	viper.SetDefault("vpn.master_key", "")
	viper.SetDefault("vpn.nat", false)

	viper.SetDefault("deploy.timeout", 30*time.Second)
	viper.SetDefault("deploy.router_timeout", 10*time.Second)

	viper.SetDefault("health.interval", time.Minute)
	viper.SetDefault("health.fresh_window", 180*time.Second)
	viper.SetDefault("health.stale_window", 15*time.Minute)
	viper.SetDefault("health.retention_days", 30)

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "wgfleet"))
		}
		viper.AddConfigPath("/etc/wgfleet")
	}

	// Чтение файла (опционально)
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.API.SharedSecret) == "" || c.API.SharedSecret == "CHANGE_ME" {
		return errors.New("api.shared_secret must be set (not empty and not CHANGE_ME)")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if _, _, err := net.ParseCIDR(c.VPN.DefaultNetwork); err != nil {
		return fmt.Errorf("vpn.default_network is not a valid CIDR: %w", err)
	}
	if c.Database.Driver == "" {
		return errors.New("database.driver must be set")
	}
	return nil
}
