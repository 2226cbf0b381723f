package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anpr-gate-service/internal/alert"
	"anpr-gate-service/internal/domain/gate"
	"anpr-gate-service/internal/session"
	"anpr-gate-service/internal/topology"
)

const EnvPrefix = "ANPR_GATE"

type Config struct {
	HTTP        HTTPConfig                `mapstructure:"http"`
	Auth        AuthConfig                `mapstructure:"auth"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Redis       RedisConfig               `mapstructure:"redis"`
	NATS        NATSConfig                `mapstructure:"nats"`
	Log         LogConfig                 `mapstructure:"log"`
	Matching    MatchingConfig            `mapstructure:"matching"`
	Dedup       DedupConfig               `mapstructure:"dedup"`
	Sessions    SessionsConfig            `mapstructure:"sessions"`
	Review      ReviewConfig              `mapstructure:"review"`
	Alerts      AlertsConfig              `mapstructure:"alerts"`
	Persistence PersistenceConfig         `mapstructure:"persistence"`
	GatePairs   map[string]GatePairConfig `mapstructure:"gate_pairs"`
	Cameras     map[string]CameraConfig   `mapstructure:"cameras"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DSN         string        `mapstructure:"dsn"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
	Retention   time.Duration `mapstructure:"retention"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	QueueSize     int    `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MatchingConfig struct {
	MaxPendingTime             time.Duration `mapstructure:"max_pending_time"`
	SweepInterval              time.Duration `mapstructure:"sweep_interval"`
	DefaultVerificationWindow  time.Duration `mapstructure:"default_verification_window"`
	DefaultMinMatchScore       int           `mapstructure:"default_min_match_score"`
	StandaloneDefaultDirection string        `mapstructure:"standalone_default_direction"`
}

type DedupConfig struct {
	PlateCooldown time.Duration `mapstructure:"plate_cooldown"`
	ImageCooldown time.Duration `mapstructure:"image_cooldown"`
}

type SessionsConfig struct {
	TempIDBucket time.Duration `mapstructure:"temp_id_bucket"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

type ReviewConfig struct {
	LowConfidence    float64 `mapstructure:"low_confidence"`
	RejectConfidence float64 `mapstructure:"reject_confidence"`
}

// AlertsConfig caps the in-memory alert and review logs.
type AlertsConfig struct {
	MaxAlerts  int `mapstructure:"max_alerts"`
	MaxReviews int `mapstructure:"max_reviews"`
}

type PersistenceConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GatePairConfig mirrors one gate_pairs entry. RequireVerification is a
// pointer so an omitted key keeps the default of true.
type GatePairConfig struct {
	EntryCameraID             string  `mapstructure:"entry_camera_id"`
	ExitCameraID              string  `mapstructure:"exit_camera_id"`
	VerificationWindowSeconds float64 `mapstructure:"verification_window_seconds"`
	MinMatchScore             int     `mapstructure:"min_match_score"`
	RequireVerification       *bool   `mapstructure:"require_verification"`
}

type CameraConfig struct {
	Gate      string `mapstructure:"gate"`
	Direction string `mapstructure:"direction"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", 30*24*time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "anpr.gate")
	v.SetDefault("nats.queue_size", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("matching.max_pending_time", 30*time.Second)
	v.SetDefault("matching.sweep_interval", 5*time.Second)
	v.SetDefault("matching.default_verification_window", topology.DefaultVerificationWindow)
	v.SetDefault("matching.default_min_match_score", topology.DefaultMinMatchScore)
	v.SetDefault("matching.standalone_default_direction", "")

	v.SetDefault("dedup.plate_cooldown", 180*time.Second)
	v.SetDefault("dedup.image_cooldown", 30*time.Second)

	v.SetDefault("sessions.temp_id_bucket", time.Second)
	v.SetDefault("sessions.history_limit", session.DefaultHistoryLimit)

	v.SetDefault("review.low_confidence", 0.5)
	v.SetDefault("review.reject_confidence", 0.3)

	v.SetDefault("alerts.max_alerts", alert.DefaultMaxAlerts)
	v.SetDefault("alerts.max_reviews", alert.DefaultMaxReviews)

	v.SetDefault("persistence.queue_size", 256)
	v.SetDefault("persistence.write_timeout", 5*time.Second)
}

// Load reads defaults, then the optional YAML file at path, then ANPR_GATE_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that can be checked without building the
// topology.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when database.enabled is true"))
	}
	if c.Matching.MaxPendingTime <= 0 {
		errs = append(errs, errors.New("matching.max_pending_time must be positive"))
	}
	if c.Matching.SweepInterval <= 0 {
		errs = append(errs, errors.New("matching.sweep_interval must be positive"))
	}
	if c.Matching.DefaultVerificationWindow <= 0 {
		errs = append(errs, errors.New("matching.default_verification_window must be positive"))
	}
	if c.Matching.DefaultMinMatchScore <= 0 {
		errs = append(errs, errors.New("matching.default_min_match_score must be positive"))
	}
	if d := c.Matching.StandaloneDefaultDirection; d != "" && !gate.Direction(strings.ToUpper(d)).Valid() {
		errs = append(errs, fmt.Errorf("matching.standalone_default_direction must be ENTRY or EXIT, got %q", d))
	}
	if c.Sessions.HistoryLimit <= 0 {
		errs = append(errs, errors.New("sessions.history_limit must be positive"))
	}
	if c.Alerts.MaxAlerts <= 0 || c.Alerts.MaxReviews <= 0 {
		errs = append(errs, errors.New("alerts.max_alerts and alerts.max_reviews must be positive"))
	}
	if c.Dedup.PlateCooldown < 0 || c.Dedup.ImageCooldown < 0 {
		errs = append(errs, errors.New("dedup cooldowns must not be negative"))
	}
	if c.Review.RejectConfidence < 0 || c.Review.LowConfidence > 1 || c.Review.RejectConfidence > c.Review.LowConfidence {
		errs = append(errs, fmt.Errorf("review thresholds must satisfy 0 <= reject_confidence (%v) <= low_confidence (%v) <= 1",
			c.Review.RejectConfidence, c.Review.LowConfidence))
	}

	for name, p := range c.GatePairs {
		if p.VerificationWindowSeconds < 0 {
			errs = append(errs, fmt.Errorf("gate_pairs.%s.verification_window_seconds must be positive", name))
		}
		if p.MinMatchScore < 0 {
			errs = append(errs, fmt.Errorf("gate_pairs.%s.min_match_score must be positive", name))
		}
	}
	for id, cam := range c.Cameras {
		if cam.Direction != "" && !gate.Direction(strings.ToUpper(cam.Direction)).Valid() {
			errs = append(errs, fmt.Errorf("cameras.%s.direction must be ENTRY or EXIT, got %q", id, cam.Direction))
		}
	}

	if _, err := c.Topology(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Topology builds the gate topology. Pair windows and scores left at zero
// take the matching.* defaults.
func (c *Config) Topology() (*topology.Topology, error) {
	names := make([]string, 0, len(c.GatePairs))
	for name := range c.GatePairs {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]topology.GatePair, 0, len(names))
	for _, name := range names {
		p := c.GatePairs[name]
		pair := topology.GatePair{
			Name:                name,
			EntryCameraID:       p.EntryCameraID,
			ExitCameraID:        p.ExitCameraID,
			VerificationWindow:  time.Duration(p.VerificationWindowSeconds * float64(time.Second)),
			MinMatchScore:       p.MinMatchScore,
			RequireVerification: true,
		}
		if pair.VerificationWindow == 0 {
			pair.VerificationWindow = c.Matching.DefaultVerificationWindow
		}
		if pair.MinMatchScore == 0 {
			pair.MinMatchScore = c.Matching.DefaultMinMatchScore
		}
		if p.RequireVerification != nil {
			pair.RequireVerification = *p.RequireVerification
		}
		pairs = append(pairs, pair)
	}

	ids := make([]string, 0, len(c.Cameras))
	for id := range c.Cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cameras := make([]topology.Camera, 0, len(ids))
	for _, id := range ids {
		cam := c.Cameras[id]
		cameras = append(cameras, topology.Camera{
			ID:        id,
			GateName:  cam.Gate,
			Direction: gate.Direction(strings.ToUpper(cam.Direction)),
		})
	}

	return topology.New(pairs, cameras,
		topology.WithDefaultDirection(gate.Direction(strings.ToUpper(c.Matching.StandaloneDefaultDirection))))
}
