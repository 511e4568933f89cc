package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Tickets   TicketConfig
	Dispenser DispenserConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port           string
	PublicBaseURL  string
	AllowedOrigins []string
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type NATSConfig struct {
	URL string // empty disables event publishing
}

type TicketConfig struct {
	Store string // memory or redis
	TTL   time.Duration
}

type DispenserConfig struct {
	MaxConcurrent      int
	ReservationTimeout time.Duration
	SweepInterval      time.Duration
	MaxTickets         int
	RetryAfter         time.Duration
}

// RateLimitConfig bounds uploads and claims per client address.
type RateLimitConfig struct {
	Requests int // 0 disables
	Window   time.Duration
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			MaxUploadBytes: getInt64("MAX_UPLOAD_BYTES", 100<<20),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			// zero: mass downloads and the live feed are long-lived
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Tickets: TicketConfig{
			Store: getEnv("TICKET_STORE", StoreMemory),
			TTL:   getDuration("SINGLE_TICKET_TTL", 24*time.Hour),
		},
		Dispenser: DispenserConfig{
			MaxConcurrent:      getPositiveInt("DISPENSER_MAX_CONCURRENT", 5),
			ReservationTimeout: getDuration("DISPENSER_RESERVATION_TIMEOUT", 5*time.Minute),
			SweepInterval:      getDuration("DISPENSER_SWEEP_INTERVAL", 30*time.Second),
			MaxTickets:         getPositiveInt("DISPENSER_MAX_TICKETS", 10000),
			RetryAfter:         getDuration("WAITING_ROOM_RETRY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Requests: getNonNegativeInt("RATE_LIMIT_REQUESTS", 60),
			Window:   getDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getPositiveInt(key string, fallback int) int {
	if i := getInt(key, fallback); i > 0 {
		return i
	}
	return fallback
}

func getNonNegativeInt(key string, fallback int) int {
	if i := getInt(key, fallback); i >= 0 {
		return i
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
