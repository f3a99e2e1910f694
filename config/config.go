package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del motor de ejecución.
type Config struct {
	Account AccountConfig `yaml:"account"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Alert   AlertConfig   `yaml:"alert"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// AccountConfig identifica la cuenta que opera y dónde leer sus entradas del día.
type AccountConfig struct {
	ID          string `yaml:"id"`
	EntriesPath string `yaml:"entries_path"`
	Timezone    string `yaml:"timezone"`     // IANA, p.ej. "Asia/Kolkata"
	AlertTime   string `yaml:"alert_time"`   // HH:MM, 09:30 por defecto
	FlattenTime string `yaml:"flatten_time"` // HH:MM, 15:15 por defecto
}

// APIConfig contiene las credenciales y base URLs del broker.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	Password   string `yaml:"password"`
	TOTPSecret string `yaml:"totp_secret"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite
}

// AlertConfig controla a quién se le notifican los eventos de la sesión.
type AlertConfig struct {
	Recipients []string `yaml:"recipients"`
}

// MetricsConfig controla el servidor HTTP de métricas Prometheus.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Location resuelve la zona horaria configurada a un *time.Location.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Account.Timezone)
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ACCOUNT"); v != "" {
		cfg.Account.ID = v
	}
	if v := os.Getenv("BROKER_PASSWORD"); v != "" {
		cfg.API.Password = v
	}
	if v := os.Getenv("BROKER_TOTP_SECRET"); v != "" {
		cfg.API.TOTPSecret = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Account.Timezone == "" {
		cfg.Account.Timezone = "Asia/Kolkata"
	}
	if cfg.Account.AlertTime == "" {
		cfg.Account.AlertTime = "09:30"
	}
	if cfg.Account.FlattenTime == "" {
		cfg.Account.FlattenTime = "15:15"
	}
	if cfg.Account.EntriesPath == "" {
		cfg.Account.EntriesPath = fmt.Sprintf("entries/%s-Entries.csv", cfg.Account.ID)
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "engine.db"
	}
	if cfg.Metrics.Port <= 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
