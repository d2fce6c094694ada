package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	MongoURI    string
	Database    string
	CORSOrigin  string
	PingTimeout time.Duration
}

func Load() Config {
	return Config{
		Addr:        getenv("API_ADDR", ":8080"),
		MongoURI:    getenv("MONGO_URI", "mongodb://localhost:27017/appdb"),
		Database:    getenv("PATCHBAY_DB", "appdb"),
		CORSOrigin:  getenv("PATCHBAY_CORS_ORIGIN", "*"),
		PingTimeout: time.Duration(getenvInt("PATCHBAY_PING_TIMEOUT_SECONDS", 5)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
