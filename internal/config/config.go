package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Server   ServerConfig
	Telegram TelegramConfig
	Store    StoreConfig
	Redis    RedisConfig
	Poll     PollConfig
	Votes    VoteConfig
	Retry    RetryConfig
	Sweep    SweepConfig
	Shutdown ShutdownConfig
}

type ServerConfig struct {
	Address string
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

type StoreConfig struct {
	Backend      string
	MongoURI     string
	DatabaseName string
	PostgresURL  string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type PollConfig struct {
	Question       string
	Options        []string
	OpenDuration   time.Duration
	ReminderOffset time.Duration
	Autostart      bool
	SendImage      bool
	ImagePath      string
	ImageCaption   string
}

type VoteConfig struct {
	QueueCapacity int
	BurstWindow   time.Duration
	BurstWeight   float64
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type SweepConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

type ShutdownConfig struct {
	DrainTimeout time.Duration
	Timeout      time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	token, err := requireEnv("TG_BOT_API_TOKEN")
	collect(err)
	chatID, err := requireEnvInt64("TG_CHAT_ID")
	collect(err)

	durationMins, err := getEnvInt("POLL_DURATION_IN_MINS", 60)
	collect(err)
	reminderMins, err := getEnvInt("REMINDER_MINS", 15)
	collect(err)
	autostart, err := getEnvBool("POLL_AUTOSTART", true)
	collect(err)
	sendImage, err := getEnvBool("ENABLE_IMAGE_SENDING", false)
	collect(err)

	queueCap, err := getEnvInt("VOTE_QUEUE_CAPACITY", 1024)
	collect(err)
	burstWindowMS, err := getEnvInt("VOTE_BURST_WINDOW_MS", 0)
	collect(err)
	burstWeight, err := getEnvFloat("VOTE_BURST_WEIGHT", 0.5)
	collect(err)

	retryAttempts, err := getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	collect(err)
	retryBaseMS, err := getEnvInt("RETRY_BASE_DELAY_MS", 250)
	collect(err)

	sweepSeconds, err := getEnvInt("SWEEP_INTERVAL_SECONDS", 60)
	collect(err)
	sweepGraceSeconds, err := getEnvInt("SWEEP_GRACE_SECONDS", 120)
	collect(err)

	drainSeconds, err := getEnvInt("DRAIN_TIMEOUT_SECONDS", 10)
	collect(err)
	shutdownSeconds, err := getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 30)
	collect(err)

	redisCfg, err := loadRedisConfig()
	collect(err)

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Telegram: TelegramConfig{
			Token:  token,
			ChatID: chatID,
		},
		Store: StoreConfig{
			Backend:      getEnv("STORE_BACKEND", BackendMongo),
			MongoURI:     os.Getenv("MONGODB_URI"),
			DatabaseName: getEnv("DATABASE_NAME", "Testing_TG_DB"),
			PostgresURL:  os.Getenv("POSTGRES_URL"),
		},
		Redis: redisCfg,
		Poll: PollConfig{
			Question:       getEnv("POLL_QUESTION", "Daily Poll"),
			Options:        splitOptions(getEnv("POLL_OPTIONS", "Option A,Option B")),
			OpenDuration:   time.Duration(durationMins) * time.Minute,
			ReminderOffset: time.Duration(reminderMins) * time.Minute,
			Autostart:      autostart,
			SendImage:      sendImage,
			ImagePath:      os.Getenv("DEFAULT_IMAGE_PATH"),
			ImageCaption:   os.Getenv("DEFAULT_IMAGE_CAPTION"),
		},
		Votes: VoteConfig{
			QueueCapacity: queueCap,
			BurstWindow:   time.Duration(burstWindowMS) * time.Millisecond,
			BurstWeight:   burstWeight,
		},
		Retry: RetryConfig{
			MaxAttempts: retryAttempts,
			BaseDelay:   time.Duration(retryBaseMS) * time.Millisecond,
		},
		Sweep: SweepConfig{
			Interval: time.Duration(sweepSeconds) * time.Second,
			Grace:    time.Duration(sweepGraceSeconds) * time.Second,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: time.Duration(drainSeconds) * time.Second,
			Timeout:      time.Duration(shutdownSeconds) * time.Second,
		},
	}

	errs = append(errs, validate(cfg)...)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttlSeconds, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func validate(cfg *Config) []error {
	var errs []error

	if cfg.Poll.OpenDuration <= 0 {
		errs = append(errs, errors.New("POLL_DURATION_IN_MINS must be > 0"))
	}
	if cfg.Poll.ReminderOffset <= 0 {
		errs = append(errs, errors.New("REMINDER_MINS must be > 0"))
	}
	if cfg.Poll.OpenDuration > 0 && cfg.Poll.ReminderOffset >= cfg.Poll.OpenDuration {
		errs = append(errs, errors.New("REMINDER_MINS must be less than POLL_DURATION_IN_MINS"))
	}
	if n := len(cfg.Poll.Options); n < 2 || n > 10 {
		errs = append(errs, errors.New("POLL_OPTIONS must list between 2 and 10 options"))
	}
	if cfg.Votes.QueueCapacity <= 0 {
		errs = append(errs, errors.New("VOTE_QUEUE_CAPACITY must be > 0"))
	}
	if cfg.Votes.BurstWindow > 0 && (cfg.Votes.BurstWeight <= 0 || cfg.Votes.BurstWeight > 1) {
		errs = append(errs, errors.New("VOTE_BURST_WEIGHT must be in (0, 1]"))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be > 0"))
	}

	switch cfg.Store.Backend {
	case BackendMongo:
		if cfg.Store.MongoURI == "" {
			errs = append(errs, errors.New("MONGODB_URI required when STORE_BACKEND is mongo"))
		}
	case BackendPostgres:
		if cfg.Store.PostgresURL == "" {
			errs = append(errs, errors.New("POSTGRES_URL required when STORE_BACKEND is postgres"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of %s, %s, %s",
			BackendMongo, BackendPostgres, BackendMemory))
	}

	return errs
}

// splitOptions parses the comma-separated option list, trimming
// whitespace and skipping empty entries.
func splitOptions(raw string) []string {
	var options []string
	for _, part := range strings.Split(raw, ",") {
		if opt := strings.TrimSpace(part); opt != "" {
			options = append(options, opt)
		}
	}
	return options
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func requireEnvInt64(key string) (int64, error) {
	val, err := requireEnv(key)
	if err != nil {
		return 0, err
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, val)
	}
	return i, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for env %s: %s", key, v)
	}
	return f, nil
}
