package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Gateway holds settings for the relay gateway process.
type Gateway struct {
	Port         string
	DatabaseDSN  string
	JWTSecret    string
	AMQPURL      string
	AMQPExchange string
	Env          string
	OTLPEndpoint string
	ServiceName  string
	PollTimeout  time.Duration
	DebugRoutes  bool
}

// Client holds settings for the chat client CLI.
type Client struct {
	Endpoint string
	Token    string
	UserID   string
	UserName string
	Env      string
}

// LoadDotEnv reads .env into the process environment when the file exists.
// Variables already set win.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// LoadGateway reads gateway settings from the environment.
func LoadGateway() Gateway {
	return Gateway{
		Port:         getEnv("PORT", "8083"),
		DatabaseDSN:  getEnv("DB_DSN", ""),
		JWTSecret:    getEnv("JWT_SECRET", "dev-secret-change-me"),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "crewchat.events"),
		Env:          getEnv("APP_ENV", "dev"),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "crewchat-gateway"),
		PollTimeout:  getDuration("POLL_TIMEOUT", 25*time.Second),
		DebugRoutes:  getBool("DEBUG_ROUTES", false),
	}
}

// LoadClient reads client settings from the environment.
func LoadClient() Client {
	return Client{
		Endpoint: getEnv("CREWCHAT_ENDPOINT", "http://localhost:8083"),
		Token:    getEnv("CREWCHAT_TOKEN", ""),
		UserID:   getEnv("CREWCHAT_USER_ID", ""),
		UserName: getEnv("CREWCHAT_USER_NAME", ""),
		Env:      getEnv("APP_ENV", "dev"),
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
