package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	DatabaseURL    string
	AdminJWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	UseMemoryQueue       bool
	ConversationQueueURL string
	WorkerCount          int

	// Conversation engine
	ConversationTTL time.Duration
	HistoryLimit    int
	TurnTimeout     time.Duration
	TenantCacheTTL  time.Duration

	// Slot extraction
	LLMProvider                   string
	LLMFallbackProvider           string
	LLMModelID                    string
	BedrockModelID                string
	GeminiAPIKey                  string
	GeminiModelID                 string
	OpenAIAPIKey                  string
	OpenAIBaseURL                 string
	OpenAIModelID                 string
	ExtractionTimeout             time.Duration
	ExtractionConfidenceThreshold float64

	// Calendar provider
	CalendarBaseURL             string
	CalendarAPIVersion          string
	CalendarTimeout             time.Duration
	CalendarAppointmentDuration time.Duration

	// OAuth credentials for the calendar provider
	OAuthClientID        string
	OAuthClientSecret    string
	OAuthTokenURL        string
	OAuthAuthorizeURL    string
	OAuthRedirectURI     string
	OAuthScopes          string
	TokenRefreshMargin   time.Duration
	TokenRefreshInterval time.Duration

	// WhatsApp Cloud API
	WhatsAppAPIBase     string
	WhatsAppAccessToken string
	WhatsAppVerifyToken string
	MessengerTimeout    time.Duration

	// Reminders
	ReminderTimezone    string
	ReminderConcurrency int
	JobRunsTable        string

	// Transcript archive
	ArchiveBucket string

	// Re-authorization email
	EmailProvider    string
	SendGridAPIKey   string
	EmailFromAddress string
	EmailFromName    string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		UseMemoryQueue:       getEnvAsBool("USE_MEMORY_QUEUE", false),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),
		WorkerCount:          getEnvAsInt("WORKER_COUNT", 2),

		ConversationTTL: getEnvAsDuration("CONVERSATION_TTL", 24*time.Hour),
		HistoryLimit:    getEnvAsInt("HISTORY_LIMIT", 20),
		TurnTimeout:     getEnvAsDuration("TURN_TIMEOUT", 20*time.Second),
		TenantCacheTTL:  getEnvAsDuration("TENANT_CACHE_TTL", 5*time.Minute),

		LLMProvider:                   strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "openai"))),
		LLMFallbackProvider:           strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		LLMModelID:                    getEnv("LLM_MODEL_ID", ""),
		BedrockModelID:                getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:                  getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:                 getEnv("GEMINI_MODEL_ID", "gemini-1.5-flash"),
		OpenAIAPIKey:                  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                 getEnv("OPENAI_BASE_URL", "https://api.deepseek.com/v1"),
		OpenAIModelID:                 getEnv("OPENAI_MODEL_ID", "deepseek-chat"),
		ExtractionTimeout:             getEnvAsDuration("EXTRACTION_TIMEOUT", 8*time.Second),
		ExtractionConfidenceThreshold: getEnvAsFloat("EXTRACTION_CONFIDENCE_THRESHOLD", 0.8),

		CalendarBaseURL:             getEnv("CALENDAR_BASE_URL", "https://services.leadconnectorhq.com"),
		CalendarAPIVersion:          getEnv("CALENDAR_API_VERSION", "2021-07-28"),
		CalendarTimeout:             getEnvAsDuration("CALENDAR_TIMEOUT", 10*time.Second),
		CalendarAppointmentDuration: getEnvAsDuration("CALENDAR_APPOINTMENT_DURATION", time.Hour),

		OAuthClientID:        getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret:    getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:        getEnv("OAUTH_TOKEN_URL", "https://services.leadconnectorhq.com/oauth/token"),
		OAuthAuthorizeURL:    getEnv("OAUTH_AUTHORIZE_URL", "https://marketplace.gohighlevel.com/oauth/chooselocation"),
		OAuthRedirectURI:     getEnv("OAUTH_REDIRECT_URI", ""),
		OAuthScopes:          getEnv("OAUTH_SCOPES", "calendars.write calendars/events.write contacts.write"),
		TokenRefreshMargin:   getEnvAsDuration("TOKEN_REFRESH_MARGIN", 5*time.Minute),
		TokenRefreshInterval: getEnvAsDuration("TOKEN_REFRESH_INTERVAL", 10*time.Minute),

		WhatsAppAPIBase:     getEnv("WHATSAPP_API_BASE", "https://graph.facebook.com/v18.0"),
		WhatsAppAccessToken: getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		MessengerTimeout:    getEnvAsDuration("MESSENGER_TIMEOUT", 10*time.Second),

		ReminderTimezone:    getEnv("REMINDER_TIMEZONE", "America/Mexico_City"),
		ReminderConcurrency: getEnvAsInt("REMINDER_CONCURRENCY", 4),
		JobRunsTable:        getEnv("JOB_RUNS_TABLE", ""),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),

		EmailProvider:    strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", ""))),
		SendGridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		EmailFromAddress: getEnv("EMAIL_FROM", ""),
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "Agenda de Citas"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
