// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration of the coordination service.
// Every threshold that governs reconciliation, scheduling and fan-out is exposed here
// so operators can tune it without a rebuild.
type Config struct {
	Port     string
	LogLevel string

	Redis   Redis
	Rooms   Rooms
	Caller  Caller
	Cleanup Cleanup
	Events  Events
	Auth    Auth

	RateLimitPerMinute int
	CronSecret         string

	DatabaseURL string
	Historian   Historian
}

// Redis holds connection settings for the shared store.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Rooms governs room capacity, lifetime and the auto-start threshold.
type Rooms struct {
	Stakes           []int
	MaxPlayers       int
	MinPlayers       int
	AutoStartPercent int
	AutoStartCap     int
	AutoStartDelay   time.Duration
	BonusMinStake    int
	RoomTTL          time.Duration
	SessionTTL       time.Duration
	BoardTTL         time.Duration
	ActiveWindow     time.Duration
	FinishedHold     time.Duration
}

// AutoStartThreshold is the player count at which a waiting room begins its countdown:
// min(AutoStartPercent% of capacity, AutoStartCap), never below MinPlayers.
func (r Rooms) AutoStartThreshold(maxPlayers int) int {
	pct := (maxPlayers*r.AutoStartPercent + 99) / 100
	threshold := pct
	if r.AutoStartCap > 0 && threshold > r.AutoStartCap {
		threshold = r.AutoStartCap
	}
	if threshold < r.MinPlayers {
		threshold = r.MinPlayers
	}
	return threshold
}

// Caller governs the number-calling scheduler.
type Caller struct {
	Interval     time.Duration
	MarkerTTL    time.Duration
	TickInterval time.Duration
	GameTTL      time.Duration
	ResultsQueue string
}

// Cleanup governs the reconciliation engine.
type Cleanup struct {
	Interval            time.Duration
	GuestStaleAfter     time.Duration
	DuplicateSessionCap int
	Parallelism         int
	// AggressiveOnList runs the aggressive strategy, not the gentle one, when rooms are listed.
	AggressiveOnList bool
}

// Events governs the cross-instance broadcast bridge.
type Events struct {
	QueueLen          int64
	TTL               time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	SubscriberBuffer  int
}

// Auth holds identity token settings.
type Auth struct {
	Seed             string
	TokenExpire      time.Duration
	TelegramBotToken string
	InitDataMaxAge   time.Duration
}

// Historian holds the results archive consumer settings.
type Historian struct {
	BatchSize  int
	FlushDelay time.Duration
}

// Load reads the configuration from the environment, falling back to defaults.
func Load() Config {
	return Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Rooms: Rooms{
			Stakes:           getEnvInts("STAKES", []int{10, 20, 50, 100}),
			MaxPlayers:       getEnvInt("ROOM_MAX_PLAYERS", 20),
			MinPlayers:       getEnvInt("ROOM_MIN_PLAYERS", 2),
			AutoStartPercent: getEnvInt("AUTO_START_PERCENT", 10),
			AutoStartCap:     getEnvInt("AUTO_START_CAP", 10),
			AutoStartDelay:   getEnvDuration("AUTO_START_DELAY", 10*time.Second),
			BonusMinStake:    getEnvInt("BONUS_MIN_STAKE", 100),
			RoomTTL:          getEnvDuration("ROOM_TTL", 2*time.Hour),
			SessionTTL:       getEnvDuration("SESSION_TTL", 2*time.Hour),
			BoardTTL:         getEnvDuration("BOARD_TTL", 2*time.Hour),
			ActiveWindow:     getEnvDuration("ACTIVE_WINDOW", 5*time.Minute),
			FinishedHold:     getEnvDuration("FINISHED_HOLD", time.Minute),
		},
		Caller: Caller{
			Interval:     getEnvDuration("CALL_INTERVAL", 5*time.Second),
			MarkerTTL:    getEnvDuration("CALLER_MARKER_TTL", 15*time.Second),
			TickInterval: getEnvDuration("TICK_INTERVAL", 5*time.Second),
			GameTTL:      getEnvDuration("GAME_TTL", 2*time.Hour),
			ResultsQueue: getEnv("RESULTS_QUEUE", "bingo_results"),
		},
		Cleanup: Cleanup{
			Interval:            getEnvDuration("RECONCILE_INTERVAL", time.Minute),
			GuestStaleAfter:     getEnvDuration("GUEST_STALE_AFTER", 30*time.Minute),
			DuplicateSessionCap: getEnvInt("DUPLICATE_SESSION_CAP", 2),
			Parallelism:         getEnvInt("RECONCILE_PARALLELISM", 4),
			AggressiveOnList:    getEnvBool("AGGRESSIVE_ON_LIST", false),
		},
		Events: Events{
			QueueLen:          int64(getEnvInt("EVENT_QUEUE_LEN", 100)),
			TTL:               getEnvDuration("EVENT_TTL", 10*time.Minute),
			PollInterval:      getEnvDuration("BRIDGE_POLL_INTERVAL", time.Second),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 25*time.Second),
			SubscriberBuffer:  getEnvInt("SUBSCRIBER_BUFFER", 32),
		},
		Auth: Auth{
			Seed:             os.Getenv("AUTH_SEED"),
			TokenExpire:      getEnvDuration("TOKEN_EXPIRE_TIME", 0),
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			InitDataMaxAge:   getEnvDuration("TELEGRAM_INIT_MAX_AGE", 24*time.Hour),
		},
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		CronSecret:         os.Getenv("CRON_SECRET"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Historian: Historian{
			BatchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 20),
			FlushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
		},
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration accepts Go duration strings ("30m"); "never" or "0" yield zero.
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if s == "never" || s == "0" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func getEnvInts(key string, def []int) []int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
