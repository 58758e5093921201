package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Env  string `mapstructure:"ENV"`
	Port string `mapstructure:"PORT"`

	DICOMAddr        string        `mapstructure:"DICOM_ADDR"`
	AETitle          string        `mapstructure:"AE_TITLE"`
	DICOMMaxPDU      uint32        `mapstructure:"DICOM_MAX_PDU"`
	DICOMIdleTimeout time.Duration `mapstructure:"DICOM_IDLE_TIMEOUT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	SyncEnabled      bool          `mapstructure:"SYNC_ENABLED"`
	EMRBaseURL       string        `mapstructure:"EMR_BASE_URL"`
	EMRTokenURL      string        `mapstructure:"EMR_TOKEN_URL"`
	EMRClientID      string        `mapstructure:"EMR_CLIENT_ID"`
	EMRClientSecret  string        `mapstructure:"EMR_CLIENT_SECRET"`
	EMROrderLimit    int           `mapstructure:"EMR_ORDER_LIMIT"`
	SyncInterval     time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncInitialDelay time.Duration `mapstructure:"SYNC_INITIAL_DELAY"`
	SyncTimeout      time.Duration `mapstructure:"SYNC_TIMEOUT"`
	QuerySyncTimeout time.Duration `mapstructure:"QUERY_SYNC_TIMEOUT"`
	QuerySyncMinGap  time.Duration `mapstructure:"QUERY_SYNC_MIN_GAP"`

	ModalityRoutingFile string `mapstructure:"MODALITY_ROUTING_FILE"`

	AdminJWTSecret string   `mapstructure:"ADMIN_JWT_SECRET"`
	AdminJWTIssuer string   `mapstructure:"ADMIN_JWT_ISSUER"`
	CORSOrigins    []string `mapstructure:"-"`
}

var keys = []string{
	"ENV", "PORT",
	"DICOM_ADDR", "AE_TITLE", "DICOM_MAX_PDU", "DICOM_IDLE_TIMEOUT",
	"STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SYNC_ENABLED", "EMR_BASE_URL", "EMR_TOKEN_URL", "EMR_CLIENT_ID", "EMR_CLIENT_SECRET",
	"EMR_ORDER_LIMIT", "SYNC_INTERVAL", "SYNC_INITIAL_DELAY", "SYNC_TIMEOUT",
	"QUERY_SYNC_TIMEOUT", "QUERY_SYNC_MIN_GAP",
	"MODALITY_ROUTING_FILE",
	"ADMIN_JWT_SECRET", "ADMIN_JWT_ISSUER", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8000")
	v.SetDefault("DICOM_ADDR", ":4243")
	v.SetDefault("AE_TITLE", "WORKLIST")
	v.SetDefault("DICOM_MAX_PDU", 16384)
	v.SetDefault("DICOM_IDLE_TIMEOUT", "30s")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "./data/worklist.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EMR_ORDER_LIMIT", 100)
	v.SetDefault("SYNC_INTERVAL", "5m")
	v.SetDefault("SYNC_INITIAL_DELAY", "10s")
	v.SetDefault("SYNC_TIMEOUT", "30s")
	v.SetDefault("QUERY_SYNC_TIMEOUT", "5s")
	v.SetDefault("QUERY_SYNC_MIN_GAP", "0s")
	v.SetDefault("ADMIN_JWT_ISSUER", "worklist")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if !v.IsSet("SYNC_ENABLED") {
		cfg.SyncEnabled = cfg.EMRBaseURL != ""
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// AdminAuthEnabled reports whether the admin write endpoints require a bearer token.
func (c *Config) AdminAuthEnabled() bool {
	return c.AdminJWTSecret != ""
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StoreDriver)
	}

	ae := strings.TrimSpace(c.AETitle)
	if ae == "" || len(ae) > 16 {
		return fmt.Errorf("AE_TITLE must be 1 to 16 characters, got %q", c.AETitle)
	}
	if c.DICOMAddr == "" {
		return fmt.Errorf("DICOM_ADDR is required")
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"DICOM_IDLE_TIMEOUT", c.DICOMIdleTimeout},
		{"SYNC_INTERVAL", c.SyncInterval},
		{"SYNC_TIMEOUT", c.SyncTimeout},
		{"QUERY_SYNC_TIMEOUT", c.QuerySyncTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.val)
		}
	}
	if c.SyncInitialDelay < 0 || c.QuerySyncMinGap < 0 {
		return fmt.Errorf("SYNC_INITIAL_DELAY and QUERY_SYNC_MIN_GAP must not be negative")
	}

	if c.SyncEnabled && c.EMRBaseURL == "" {
		return fmt.Errorf("EMR_BASE_URL is required when SYNC_ENABLED is true")
	}
	if c.EMRTokenURL != "" && c.EMRClientID == "" {
		return fmt.Errorf("EMR_CLIENT_ID is required when EMR_TOKEN_URL is set")
	}

	return nil
}
