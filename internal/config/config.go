package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config holds application configuration, decoded from the environment.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	LLM     LLMConfig
	ASR     ASRConfig
	VAD     VADConfig
	Capture CaptureConfig
	TTS     TTSConfig
	Voice   VoiceConfig
	Emotion EmotionConfig
	Barrage BarrageConfig
	Redis   RedisConfig
	Idle    IdleConfig
	Tools   ToolsConfig
	Vision  VisionConfig
	Dialog  DialogConfig
}

type ServerConfig struct {
	Address string `envconfig:"ADDRESS" default:"127.0.0.1:8765"`
	// AuthToken guards the control API and websockets when set.
	AuthToken string `envconfig:"AUTH_TOKEN"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Pretty bool   `envconfig:"PRETTY" default:"true"`
}

type LLMConfig struct {
	BaseURL      string        `envconfig:"BASE_URL" default:"https://api.openai.com/v1"`
	APIKey       string        `envconfig:"API_KEY"`
	Model        string        `envconfig:"MODEL" default:"gpt-4o-mini"`
	SystemPrompt string        `envconfig:"SYSTEM_PROMPT" default:"你是一个住在桌面上的虚拟角色，说话简短、自然、可爱。"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"60s"`
	ContextLimit bool          `envconfig:"CONTEXT_LIMIT" default:"true"`
	MaxMessages  int           `envconfig:"MAX_MESSAGES" default:"10"`
}

type ASRConfig struct {
	URL     string        `envconfig:"URL" default:"http://127.0.0.1:1000/v1/upload_audio"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

type VADConfig struct {
	URL        string        `envconfig:"URL" default:"ws://127.0.0.1:1000/v1/ws/vad"`
	MaxRetries int           `envconfig:"MAX_RETRIES" default:"5"`
	RetryDelay time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
}

type CaptureConfig struct {
	SampleRate   int           `envconfig:"SAMPLE_RATE" default:"16000"`
	BufferLength time.Duration `envconfig:"BUFFER_LENGTH" default:"30s"`
	Preroll      time.Duration `envconfig:"PREROLL" default:"1s"`
	Silence      time.Duration `envconfig:"SILENCE" default:"500ms"`
	MinUtterance time.Duration `envconfig:"MIN_UTTERANCE" default:"500ms"`
}

type TTSConfig struct {
	Provider      string        `envconfig:"PROVIDER" default:"http"`
	URL           string        `envconfig:"URL" default:"http://127.0.0.1:6006/v3"`
	Language      string        `envconfig:"LANGUAGE" default:"zh"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"30s"`
	DeepgramKey   string        `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel string        `envconfig:"DEEPGRAM_MODEL" default:"aura-2-thalia-en"`
}

type VoiceConfig struct {
	SynthesisWorkers  int           `envconfig:"SYNTHESIS_WORKERS" default:"1"`
	SettleDelay       time.Duration `envconfig:"SETTLE_DELAY" default:"300ms"`
	MinRevealInterval time.Duration `envconfig:"MIN_REVEAL_INTERVAL" default:"30ms"`
	MaxRevealInterval time.Duration `envconfig:"MAX_REVEAL_INTERVAL" default:"200ms"`
	MarkerTolerance   int           `envconfig:"MARKER_TOLERANCE" default:"2"`
	FrameInterval     time.Duration `envconfig:"FRAME_INTERVAL" default:"16ms"`
	MouthGain         float64       `envconfig:"MOUTH_GAIN" default:"1"`
	CaptionLinger     time.Duration `envconfig:"CAPTION_LINGER" default:"1s"`
	CaptionPrefix     string        `envconfig:"CAPTION_PREFIX"`
	IntroText         string        `envconfig:"INTRO_TEXT"`
	// MP3BitrateKbps estimates clip duration for payloads that are not WAV.
	MP3BitrateKbps int `envconfig:"MP3_BITRATE_KBPS" default:"128"`
}

type EmotionConfig struct {
	MapFile     string `envconfig:"MAP_FILE"`
	MotionGroup string `envconfig:"MOTION_GROUP" default:"TapBody"`
}

type BarrageConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"false"`
	RoomID        string        `envconfig:"ROOM_ID" default:"30230160"`
	CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"5s"`
	MaxMessages   int           `envconfig:"MAX_MESSAGES" default:"50"`
	APIURL        string        `envconfig:"API_URL" default:"http://api.live.bilibili.com/ajax/msg"`
	SettleDelay   time.Duration `envconfig:"SETTLE_DELAY" default:"500ms"`
}

// RedisConfig selects the Redis-backed barrage cache when URL is set.
type RedisConfig struct {
	URL          string        `envconfig:"URL"`
	Key          string        `envconfig:"KEY" default:"overlay:barrage:recent"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
}

type IdleConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"false"`
	Threshold     time.Duration `envconfig:"THRESHOLD" default:"60s"`
	CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"1s"`
	UseTools      bool          `envconfig:"USE_TOOLS" default:"false"`
	Prompt        string        `envconfig:"PROMPT" default:"你看到主人一段时间没有说话，请基于对话历史，现有的上下文对话记录来回复。"`
}

type ToolsConfig struct {
	Enabled bool          `envconfig:"ENABLED" default:"false"`
	URL     string        `envconfig:"URL" default:"http://127.0.0.1:3000"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"15s"`
}

type VisionConfig struct {
	Enabled       bool   `envconfig:"ENABLED" default:"false"`
	CheckURL      string `envconfig:"CHECK_URL" default:"http://127.0.0.1:6006/v4/check"`
	ScreenshotCmd string `envconfig:"SCREENSHOT_CMD"`
}

type DialogConfig struct {
	File           string `envconfig:"FILE" default:"dialog.log"`
	AssistantName  string `envconfig:"ASSISTANT_NAME" default:"Fake Neuro"`
	SupabaseURL    string `envconfig:"SUPABASE_URL"`
	SupabaseKey    string `envconfig:"SUPABASE_SERVICE_ROLE_KEY"`
	SupabaseBucket string `envconfig:"SUPABASE_BUCKET" default:"dialog-log"`
}

// Load reads an optional .env file, decodes the environment into Config and
// warns about anything that leaves a feature degraded.
func Load(envFile string, log zerolog.Logger) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug().Str("file", envFile).Msg("no .env file loaded")
	}

	var cfg Config
	if err := envconfig.Process("overlay", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.LLM.APIKey == "" {
		log.Warn().Msg("OVERLAY_LLM_API_KEY not set - LLM requests will be rejected")
	}
	if cfg.TTS.Provider == "deepgram" && cfg.TTS.DeepgramKey == "" {
		log.Warn().Msg("OVERLAY_TTS_DEEPGRAM_API_KEY not set - speech synthesis will fail")
	}
	if cfg.Vision.Enabled && cfg.Vision.ScreenshotCmd == "" {
		log.Warn().Msg("OVERLAY_VISION_SCREENSHOT_CMD not set - screenshots stay off")
	}
	log.Info().Str("address", cfg.Server.Address).Str("model", cfg.LLM.Model).Msg("config loaded")
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.LLM.MaxMessages < 1:
		return errors.New("OVERLAY_LLM_MAX_MESSAGES must be at least 1")
	case c.Capture.SampleRate <= 0:
		return errors.New("OVERLAY_CAPTURE_SAMPLE_RATE must be positive")
	case c.Barrage.CheckInterval < time.Second:
		return errors.New("OVERLAY_BARRAGE_CHECK_INTERVAL must be at least 1s")
	case c.Voice.SynthesisWorkers < 1:
		return errors.New("OVERLAY_VOICE_SYNTHESIS_WORKERS must be at least 1")
	case c.Voice.MinRevealInterval <= 0 || c.Voice.MaxRevealInterval < c.Voice.MinRevealInterval:
		return errors.New("reveal interval bounds are inconsistent")
	case c.TTS.Provider != "http" && c.TTS.Provider != "deepgram":
		return errors.Errorf("unknown tts provider %q", c.TTS.Provider)
	}
	return nil
}
