package config

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultSubject is used when no VAPID contact is configured. Push services
// only need *some* way to reach the operator, so a fixed fallback is fine.
const DefaultSubject = "mailto:push@lumatch.app"

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// VAPID key material. Both keys must be set for push delivery to be
	// active; leaving them empty disables the engine without failing startup.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS ingest config
	SQSRegion   string
	SQSQueueURL string

	// Delivery tuning
	PushTTL         int // seconds the push service retains an undelivered message
	SendTimeout     int // per-subscription request timeout in seconds
	DispatchTimeout int // whole-dispatch deadline in seconds
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		VAPIDSubject: DefaultSubject,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pushgate",
		DBPassword: "",
		DBName:     "pushgate",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		PushTTL:         86400,
		SendTimeout:     5,
		DispatchTimeout: 30,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// VAPID config
	if key := os.Getenv("VAPID_PUBLIC_KEY"); key != "" {
		cfg.VAPIDPublicKey = key
	}

	if key := os.Getenv("VAPID_PRIVATE_KEY"); key != "" {
		cfg.VAPIDPrivateKey = key
	}

	if subject := os.Getenv("VAPID_SUBJECT"); subject != "" {
		cfg.VAPIDSubject = subject
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = "us-east-1"
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Delivery tuning
	if ttl := os.Getenv("PUSH_TTL"); ttl != "" {
		t, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_TTL: %w", err)
		}
		cfg.PushTTL = t
	}

	if timeout := os.Getenv("PUSH_SEND_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = t
	}

	if timeout := os.Getenv("PUSH_DISPATCH_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_DISPATCH_TIMEOUT: %w", err)
		}
		cfg.DispatchTimeout = t
	}

	return cfg, nil
}
