package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Deals     DealsConfig
	Conflicts ConflictsConfig
	Tiers     TierConfig
	Pipeline  PipelineConfig
	Audit     AuditConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// DealsConfig tunes the approval workflow.
type DealsConfig struct {
	ExecutiveThreshold decimal.Decimal
	NeutralScore       int
}

// ConflictPolicyConfig selects the resolution strategy for one conflict type.
type ConflictPolicyConfig struct {
	Strategy    string
	AutoResolve bool
}

// ConflictsConfig maps conflict types to their resolution policy.
type ConflictsConfig struct {
	Channel             ConflictPolicyConfig
	Territory           ConflictPolicyConfig
	CustomerOverlap     ConflictPolicyConfig
	AutoResolveOnDetect bool
}

// TierDefaults holds the default commission rate and MDF budget of a partner tier.
type TierDefaults struct {
	CommissionRate decimal.Decimal
	MDFBudget      decimal.Decimal
}

// TierConfig carries per-tier defaults keyed by tier name.
type TierConfig struct {
	Standard TierDefaults
	Bronze   TierDefaults
	Silver   TierDefaults
	Gold     TierDefaults
}

// PipelineConfig governs caching of the pipeline overview.
type PipelineConfig struct {
	CacheTTL time.Duration
}

// AuditConfig configures the audit fan-out to Kafka and archive storage.
type AuditConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	S3Bucket      string
	S3Prefix      string
	ArchiveDir    string
	FanoutWorkers int
	FanoutRetries int
}

// FanoutEnabled reports whether any audit sink is configured.
func (a AuditConfig) FanoutEnabled() bool {
	return len(a.KafkaBrokers) > 0 || a.S3Bucket != "" || a.ArchiveDir != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr interface{ Timeout() bool }
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Deals = DealsConfig{
		ExecutiveThreshold: parseDecimal(v.GetString("DEALS_EXECUTIVE_THRESHOLD"), decimal.NewFromInt(500000)),
		NeutralScore:       v.GetInt("DEALS_SCORING_NEUTRAL"),
	}

	cfg.Conflicts = ConflictsConfig{
		Channel: ConflictPolicyConfig{
			Strategy:    strings.ToUpper(v.GetString("CONFLICT_POLICY_CHANNEL")),
			AutoResolve: v.GetBool("CONFLICT_AUTO_RESOLVE_CHANNEL"),
		},
		Territory: ConflictPolicyConfig{
			Strategy:    strings.ToUpper(v.GetString("CONFLICT_POLICY_TERRITORY")),
			AutoResolve: v.GetBool("CONFLICT_AUTO_RESOLVE_TERRITORY"),
		},
		CustomerOverlap: ConflictPolicyConfig{
			Strategy:    strings.ToUpper(v.GetString("CONFLICT_POLICY_CUSTOMER_OVERLAP")),
			AutoResolve: v.GetBool("CONFLICT_AUTO_RESOLVE_CUSTOMER_OVERLAP"),
		},
		AutoResolveOnDetect: v.GetBool("CONFLICT_AUTO_RESOLVE_ON_DETECT"),
	}

	cfg.Tiers = TierConfig{
		Standard: tierDefaults(v, "STANDARD"),
		Bronze:   tierDefaults(v, "BRONZE"),
		Silver:   tierDefaults(v, "SILVER"),
		Gold:     tierDefaults(v, "GOLD"),
	}

	cfg.Pipeline = PipelineConfig{
		CacheTTL: parseDuration(v.GetString("PIPELINE_CACHE_TTL"), time.Minute),
	}

	cfg.Audit = AuditConfig{
		KafkaBrokers:  splitAndTrim(v.GetString("AUDIT_KAFKA_BROKERS")),
		KafkaTopic:    v.GetString("AUDIT_KAFKA_TOPIC"),
		S3Bucket:      v.GetString("AUDIT_S3_BUCKET"),
		S3Prefix:      v.GetString("AUDIT_S3_PREFIX"),
		ArchiveDir:    v.GetString("AUDIT_ARCHIVE_DIR"),
		FanoutWorkers: v.GetInt("AUDIT_FANOUT_WORKERS"),
		FanoutRetries: v.GetInt("AUDIT_FANOUT_RETRIES"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "prm_deals")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DEALS_EXECUTIVE_THRESHOLD", "500000")
	v.SetDefault("DEALS_SCORING_NEUTRAL", 50)

	v.SetDefault("CONFLICT_POLICY_CHANNEL", "TIER_BASED")
	v.SetDefault("CONFLICT_AUTO_RESOLVE_CHANNEL", true)
	v.SetDefault("CONFLICT_POLICY_TERRITORY", "FIRST_TO_REGISTER")
	v.SetDefault("CONFLICT_AUTO_RESOLVE_TERRITORY", true)
	v.SetDefault("CONFLICT_POLICY_CUSTOMER_OVERLAP", "MANUAL")
	v.SetDefault("CONFLICT_AUTO_RESOLVE_CUSTOMER_OVERLAP", false)
	v.SetDefault("CONFLICT_AUTO_RESOLVE_ON_DETECT", false)

	v.SetDefault("TIER_STANDARD_COMMISSION_RATE", "5")
	v.SetDefault("TIER_STANDARD_MDF_BUDGET", "0")
	v.SetDefault("TIER_BRONZE_COMMISSION_RATE", "8")
	v.SetDefault("TIER_BRONZE_MDF_BUDGET", "5000")
	v.SetDefault("TIER_SILVER_COMMISSION_RATE", "10")
	v.SetDefault("TIER_SILVER_MDF_BUDGET", "15000")
	v.SetDefault("TIER_GOLD_COMMISSION_RATE", "12")
	v.SetDefault("TIER_GOLD_MDF_BUDGET", "30000")

	v.SetDefault("PIPELINE_CACHE_TTL", "1m")

	v.SetDefault("AUDIT_KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "prm.deal-audit")
	v.SetDefault("AUDIT_S3_BUCKET", "")
	v.SetDefault("AUDIT_S3_PREFIX", "prm")
	v.SetDefault("AUDIT_ARCHIVE_DIR", "")
	v.SetDefault("AUDIT_FANOUT_WORKERS", 2)
	v.SetDefault("AUDIT_FANOUT_RETRIES", 3)
}

func tierDefaults(v *viper.Viper, tier string) TierDefaults {
	return TierDefaults{
		CommissionRate: parseDecimal(v.GetString("TIER_"+tier+"_COMMISSION_RATE"), decimal.Zero),
		MDFBudget:      parseDecimal(v.GetString("TIER_"+tier+"_MDF_BUDGET"), decimal.Zero),
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func parseDecimal(raw string, fallback decimal.Decimal) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
