package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	TaxRatePercent        float64
	InvoicePrefix         string
	AlertCacheTTLSeconds  int
	EmitterName           string
	EmitterTaxID          string
	EmitterAddress        string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRate, err := strconv.ParseFloat(getEnv("TAX_RATE_PERCENT", "12"), 64)
	if err != nil || taxRate < 0 || taxRate > 100 {
		taxRate = 12
	}
	alertTTL, err := strconv.Atoi(getEnv("ALERT_CACHE_TTL_SECONDS", "60"))
	if err != nil || alertTTL < 1 {
		alertTTL = 60
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		TaxRatePercent:        taxRate,
		InvoicePrefix:         getEnv("INVOICE_PREFIX", "F"),
		AlertCacheTTLSeconds:  alertTTL,
		EmitterName:           getEnv("EMITTER_NAME", "Ferreteria El Chivo"),
		EmitterTaxID:          getEnv("EMITTER_TAX_ID", "123456789"),
		EmitterAddress:        getEnv("EMITTER_ADDRESS", "Calle Principal, Ciudad"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
