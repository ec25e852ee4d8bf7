package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	MaxRoomPeers   int
	Redis          RedisConfig
	Peer           PeerConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// PeerConfig configures the peer daemon: where the relay lives, the room
// secret, and how this device identifies itself to other peers.
type PeerConfig struct {
	RelayURL     string
	RoomSecret   string
	DisplayName  string
	Platform     string
	StoreBackend string // "memory" or "redis"
	STUNServers  []string
}

func Load() *Config {
	// Optional .env for local development; real env vars win.
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	stunStr := getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		MaxRoomPeers:   getEnvInt("MAX_ROOM_PEERS", 8),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Peer: PeerConfig{
			RelayURL:     getEnv("RELAY_URL", "ws://localhost:8080"),
			RoomSecret:   getEnv("ROOM_SECRET", ""),
			DisplayName:  getEnv("DEVICE_NAME", defaultHostname()),
			Platform:     getEnv("DEVICE_PLATFORM", "desktop"),
			StoreBackend: getEnv("HISTORY_STORE", "memory"),
			STUNServers:  strings.Split(stunStr, ","),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return name
}
