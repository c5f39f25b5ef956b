// Package config loads server settings from defaults, an optional .env file
// and LESSONS_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "LESSONS"

type Config struct {
	Port int

	// DBDriver selects the store: "sqlite" (DBPath) or "postgres" (DBURL).
	DBDriver string
	DBPath   string
	DBURL    string

	LogLevel string

	JWTSecret   string
	CORSOrigins []string
	RateRPS     float64
	RateBurst   int

	// Location is the center's wall-clock zone used by the midnight lock.
	Location *time.Location

	DefaultLessonRate decimal.Decimal

	SchedulerEnabled  bool
	SchedulerInterval time.Duration

	RetryMaxRetries int
	RetryBaseDelay  time.Duration
}

// New returns a viper instance with every default registered.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("http.port", 8080)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "lessons.db")
	v.SetDefault("db.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("cors.origins", []string{"*"})
	v.SetDefault("rate.rps", 20.0)
	v.SetDefault("rate.burst", 40)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("salary.default_rate", "1000")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads dotEnvPath if it exists (an empty path means ".env"), then
// resolves the configuration.
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath == "" {
		dotEnvPath = ".env"
	}
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", dotEnvPath, err)
	}
	return FromViper(New())
}

// FromViper resolves and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return nil, fmt.Errorf("config: timezone: %w", err)
	}
	rate, err := decimal.NewFromString(v.GetString("salary.default_rate"))
	if err != nil {
		return nil, fmt.Errorf("config: salary.default_rate: %w", err)
	}
	if rate.IsNegative() {
		return nil, fmt.Errorf("config: salary.default_rate must not be negative, got %s", rate)
	}

	c := &Config{
		Port:              v.GetInt("http.port"),
		DBDriver:          strings.ToLower(v.GetString("db.driver")),
		DBPath:            v.GetString("db.path"),
		DBURL:             v.GetString("db.url"),
		LogLevel:          v.GetString("log.level"),
		JWTSecret:         v.GetString("auth.jwt_secret"),
		CORSOrigins:       splitList(v.GetStringSlice("cors.origins")),
		RateRPS:           v.GetFloat64("rate.rps"),
		RateBurst:         v.GetInt("rate.burst"),
		Location:          loc,
		DefaultLessonRate: rate,
		SchedulerEnabled:  v.GetBool("scheduler.enabled"),
		SchedulerInterval: v.GetDuration("scheduler.interval"),
		RetryMaxRetries:   v.GetInt("retry.max_retries"),
		RetryBaseDelay:    v.GetDuration("retry.base_delay"),
	}

	switch {
	case c.Port <= 0 || c.Port > 65535:
		return nil, fmt.Errorf("config: http.port out of range: %d", c.Port)
	case c.DBDriver != "sqlite" && c.DBDriver != "postgres":
		return nil, fmt.Errorf("config: db.driver must be sqlite or postgres, got %q", c.DBDriver)
	case c.DBDriver == "postgres" && c.DBURL == "":
		return nil, fmt.Errorf("config: db.url is required for postgres (set %s_DB_URL)", EnvPrefix)
	case c.JWTSecret == "":
		return nil, fmt.Errorf("config: auth.jwt_secret is required (set %s_AUTH_JWT_SECRET)", EnvPrefix)
	case c.SchedulerEnabled && c.SchedulerInterval <= 0:
		return nil, fmt.Errorf("config: scheduler.interval must be positive, got %s", c.SchedulerInterval)
	case c.RetryMaxRetries < 0:
		return nil, fmt.Errorf("config: retry.max_retries must not be negative, got %d", c.RetryMaxRetries)
	}
	return c, nil
}

// splitList accepts both list values and a single comma-separated string,
// which is what environment variables provide.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
