package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// UpstreamVariant selects which AI backend the gateway bridges calls to.
type UpstreamVariant string

const (
	VariantTranscriptionOnly UpstreamVariant = "transcription_only"
	VariantConversationalAI  UpstreamVariant = "conversational_ai"
	VariantAgentBridge       UpstreamVariant = "agent_bridge"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// Upstream backend selection and credentials.
	UpstreamVariant        UpstreamVariant
	OpenAIAPIKey           string
	OpenAIRealtimeURL      string
	GeminiAPIKey           string
	GeminiLiveURL          string
	GeminiModel            string
	UpstreamConnectTimeout time.Duration

	// Conversation defaults.
	Voice              string
	DefaultLanguage    string
	TranscriptionModel string
	Instructions       string
	MaxContextBytes    int

	// Server-side voice activity detection passed to the backend.
	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int

	// Caller pre-resolution tokens minted by the answer webhook.
	TokenTTL       time.Duration
	TokenTableSize int

	// Call stream limits.
	MaxJSONMessageBytes    int64
	MaxMediaFPS            int
	MaxMediaBytesPerSecond int64
	InboundBurstSeconds    int
	MaxCallDuration        time.Duration

	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	OutboundQueueSize int

	// FallbackAudioB64 is base64 mulaw played when the backend is unreachable.
	FallbackAudioB64 string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("CALLRELAY_ADDR", ":8080"),
		DatabaseURL:            envOr("CALLRELAY_DATABASE_URL", ""),
		UpstreamVariant:        UpstreamVariant(envOr("CALLRELAY_UPSTREAM_VARIANT", string(VariantConversationalAI))),
		OpenAIAPIKey:           envOr("CALLRELAY_OPENAI_API_KEY", ""),
		OpenAIRealtimeURL:      envOr("CALLRELAY_OPENAI_REALTIME_URL", ""),
		GeminiAPIKey:           envOr("CALLRELAY_GEMINI_API_KEY", ""),
		GeminiLiveURL:          envOr("CALLRELAY_GEMINI_LIVE_URL", ""),
		GeminiModel:            envOr("CALLRELAY_GEMINI_MODEL", ""),
		UpstreamConnectTimeout: envDurationOr("CALLRELAY_UPSTREAM_CONNECT_TIMEOUT", 5*time.Second),
		Voice:                  envOr("CALLRELAY_VOICE", "alloy"),
		DefaultLanguage:        envOr("CALLRELAY_DEFAULT_LANGUAGE", "en"),
		TranscriptionModel:     envOr("CALLRELAY_TRANSCRIPTION_MODEL", "whisper-1"),
		Instructions:           os.Getenv("CALLRELAY_INSTRUCTIONS"),
		MaxContextBytes:        envIntOr("CALLRELAY_MAX_CONTEXT_BYTES", 8<<10),
		VADThreshold:           envFloat64Or("CALLRELAY_VAD_THRESHOLD", 0.5),
		VADPrefixPaddingMS:     envIntOr("CALLRELAY_VAD_PREFIX_PADDING_MS", 300),
		VADSilenceDurationMS:   envIntOr("CALLRELAY_VAD_SILENCE_DURATION_MS", 500),
		TokenTTL:               envDurationOr("CALLRELAY_TOKEN_TTL", 5*time.Minute),
		TokenTableSize:         envIntOr("CALLRELAY_TOKEN_TABLE_SIZE", 4096),
		MaxJSONMessageBytes:    envInt64Or("CALLRELAY_MAX_JSON_MESSAGE_BYTES", 64*1024),
		MaxMediaFPS:            envIntOr("CALLRELAY_MAX_MEDIA_FPS", 100),
		MaxMediaBytesPerSecond: envInt64Or("CALLRELAY_MAX_MEDIA_BPS", 64*1024),
		InboundBurstSeconds:    envIntOr("CALLRELAY_INBOUND_BURST_SECONDS", 2),
		MaxCallDuration:        envDurationOr("CALLRELAY_MAX_CALL_DURATION", 30*time.Minute),
		WSPingInterval:         envDurationOr("CALLRELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         envDurationOr("CALLRELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:          envDurationOr("CALLRELAY_WS_READ_TIMEOUT", 0),
		OutboundQueueSize:      envIntOr("CALLRELAY_OUTBOUND_QUEUE_SIZE", 128),
		FallbackAudioB64:       os.Getenv("CALLRELAY_FALLBACK_AUDIO_B64"),
		ReadHeaderTimeout:      envDurationOr("CALLRELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("CALLRELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.UpstreamVariant {
	case VariantTranscriptionOnly, VariantConversationalAI, VariantAgentBridge:
	default:
		return Config{}, fmt.Errorf("CALLRELAY_UPSTREAM_VARIANT must be one of transcription_only|conversational_ai|agent_bridge")
	}

	switch cfg.UpstreamVariant {
	case VariantTranscriptionOnly, VariantConversationalAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return Config{}, fmt.Errorf("CALLRELAY_OPENAI_API_KEY must be set for variant %s", cfg.UpstreamVariant)
		}
	case VariantAgentBridge:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return Config{}, fmt.Errorf("CALLRELAY_GEMINI_API_KEY must be set for variant %s", cfg.UpstreamVariant)
		}
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("CALLRELAY_DATABASE_URL must be set")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.MaxContextBytes <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_MAX_CONTEXT_BYTES must be > 0")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("CALLRELAY_VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.VADPrefixPaddingMS < 0 {
		return Config{}, fmt.Errorf("CALLRELAY_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if cfg.VADSilenceDurationMS < 0 {
		return Config{}, fmt.Errorf("CALLRELAY_VAD_SILENCE_DURATION_MS must be >= 0")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_TOKEN_TTL must be > 0")
	}
	if cfg.TokenTableSize <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_TOKEN_TABLE_SIZE must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxMediaFPS < 0 {
		return Config{}, fmt.Errorf("CALLRELAY_MAX_MEDIA_FPS must be >= 0")
	}
	if cfg.MaxMediaBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("CALLRELAY_MAX_MEDIA_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("CALLRELAY_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxMediaFPS > 0 || cfg.MaxMediaBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("CALLRELAY_INBOUND_BURST_SECONDS must be >= 1 when inbound media limits are enabled")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_MAX_CALL_DURATION must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("CALLRELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLRELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
