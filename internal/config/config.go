package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderVolcano    = "volcano"
	ProviderFeishuAily = "feishu_aily"
)

type Config struct {
	Server         ServerConfig
	Log            LogConfig
	Upload         UploadConfig
	LLMProvider    string
	RequestTimeout time.Duration
	Volcano        VolcanoConfig
	Feishu         FeishuConfig
	TTS            TTSConfig
	ASR            ASRConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	StaticDir    string
	IndexFile    string
	ResourcesDir string
	WSEnabled    bool
}

type LogConfig struct {
	Level  string
	Format string
}

type UploadConfig struct {
	Dir           string
	MaxBytes      int64
	PublicBaseURL string
	KeepUploads   bool
}

type VolcanoConfig struct {
	AccessKey          string
	APIURL             string
	Model              string
	SystemPrompt       string
	DefaultTemperature float64
	DefaultMaxTokens   int
}

type FeishuConfig struct {
	AppID           string
	AppSecret       string
	SkillAppID      string
	SkillID         string
	BaseURL         string
	PollingInterval time.Duration
	MaxPollingTime  time.Duration
	TokenStore      string
	TokenStorePath  string
}

type TTSConfig struct {
	AppID       string
	AccessToken string
	APIURL      string
	VoiceType   string
	ResourceID  string
	SpeechRate  int
	SampleRate  int
	MaxChars    int
}

type ASRConfig struct {
	AppID        string
	AccessToken  string
	SubmitURL    string
	QueryURL     string
	ResourceID   string
	ModelName    string
	SampleRate   int
	EnableITN    bool
	EnablePunc   bool
	EnableDDC    bool
	MaxWait      time.Duration
	PollInterval time.Duration
}

// Addr возвращает адрес для http.Server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Options управляет источниками конфигурации.
type Options struct {
	// EnvFile путь к .env; отсутствие файла не ошибка.
	EnvFile string
	// ConfigFile необязательный файл конфигурации в любом формате, который понимает viper.
	ConfigFile string
}

// Load собирает конфигурацию: окружение > .env > файл конфигурации > значения по умолчанию.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "127.0.0.1")
	v.SetDefault("server_port", 8001)
	v.SetDefault("static_dir", "static")
	v.SetDefault("index_file", "index.html")
	v.SetDefault("resources_dir", "resources")
	v.SetDefault("ws_enabled", false)

	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("upload_max_bytes", 5*1024*1024)
	v.SetDefault("asr_public_base_url", "")
	v.SetDefault("asr_keep_uploads", false)

	v.SetDefault("llm_provider", ProviderFeishuAily)
	v.SetDefault("http_client_timeout", "30s")

	v.SetDefault("volcano_access_key", "")
	v.SetDefault("deepseek_model", "deepseek-v3-1-terminus1")
	v.SetDefault("deepseek_api_url", "https://ark.cn-beijing.volces.com/api/v3/chat/completions")
	v.SetDefault("llm_system_prompt", "你是陈耀忠，长城物业的董事长")
	v.SetDefault("default_temperature", 0.7)
	v.SetDefault("default_max_tokens", 2048)

	v.SetDefault("feishu_app_id", "")
	v.SetDefault("feishu_app_secret", "")
	v.SetDefault("skill_app_id", "")
	v.SetDefault("skill_id", "")
	v.SetDefault("feishu_open_api_base", "https://open.feishu.cn")
	v.SetDefault("feishu_polling_interval", 0.3)
	v.SetDefault("feishu_max_polling_time", 60)
	v.SetDefault("feishu_token_store", "memory")
	v.SetDefault("feishu_token_store_path", "data/feishu_tokens.json")

	v.SetDefault("voice_app_id", "")
	v.SetDefault("voice_access_token", "")
	v.SetDefault("tts_api_url", "https://openspeech.bytedance.com/api/v3/tts/unidirectional")
	v.SetDefault("tts_voice_type", "S_dQcSOODF1")
	v.SetDefault("tts_resource_id", "volc.megatts.default")
	v.SetDefault("tts_speech_rate", 0)
	v.SetDefault("tts_sample_rate", 24000)
	v.SetDefault("tts_max_chars", 1000)

	v.SetDefault("asr_app_id", "")
	v.SetDefault("asr_access_token", "")
	v.SetDefault("asr_submit_url", "https://openspeech.bytedance.com/api/v3/auc/bigmodel/submit")
	v.SetDefault("asr_query_url", "https://openspeech.bytedance.com/api/v3/auc/bigmodel/query")
	v.SetDefault("asr_resource_id", "volc.bigasr.auc")
	v.SetDefault("asr_model_name", "bigmodel")
	v.SetDefault("asr_sample_rate", 16000)
	v.SetDefault("asr_enable_itn", true)
	v.SetDefault("asr_enable_punc", false)
	v.SetDefault("asr_enable_ddc", false)
	v.SetDefault("asr_max_wait", 60)
	v.SetDefault("asr_poll_interval", 2)
}

func fromViper(v *viper.Viper) (Config, error) {
	var cfg Config

	cfg.Server = ServerConfig{
		Host:         v.GetString("server_host"),
		Port:         v.GetInt("server_port"),
		StaticDir:    v.GetString("static_dir"),
		IndexFile:    v.GetString("index_file"),
		ResourcesDir: v.GetString("resources_dir"),
		WSEnabled:    v.GetBool("ws_enabled"),
	}

	cfg.Log = LogConfig{
		Level:  strings.ToLower(v.GetString("log_level")),
		Format: strings.ToLower(v.GetString("log_format")),
	}
	if v.GetBool("debug") {
		cfg.Log.Level = "debug"
	}

	cfg.Upload = UploadConfig{
		Dir:           v.GetString("upload_dir"),
		MaxBytes:      v.GetInt64("upload_max_bytes"),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("asr_public_base_url")), "/"),
		KeepUploads:   v.GetBool("asr_keep_uploads"),
	}

	cfg.LLMProvider = strings.TrimSpace(v.GetString("llm_provider"))

	reqTimeout, err := parseDuration(v.GetString("http_client_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("parse HTTP_CLIENT_TIMEOUT: %w", err)
	}
	cfg.RequestTimeout = reqTimeout

	var feishuInterval, feishuMaxTime, asrMaxWait, asrPollInterval time.Duration
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"feishu_polling_interval", &feishuInterval},
		{"feishu_max_polling_time", &feishuMaxTime},
		{"asr_max_wait", &asrMaxWait},
		{"asr_poll_interval", &asrPollInterval},
	} {
		*d.dst, err = parseSeconds(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.ToUpper(d.key), err)
		}
	}

	cfg.Volcano = VolcanoConfig{
		AccessKey:          v.GetString("volcano_access_key"),
		APIURL:             v.GetString("deepseek_api_url"),
		Model:              v.GetString("deepseek_model"),
		SystemPrompt:       v.GetString("llm_system_prompt"),
		DefaultTemperature: v.GetFloat64("default_temperature"),
		DefaultMaxTokens:   v.GetInt("default_max_tokens"),
	}

	cfg.Feishu = FeishuConfig{
		AppID:           v.GetString("feishu_app_id"),
		AppSecret:       v.GetString("feishu_app_secret"),
		SkillAppID:      v.GetString("skill_app_id"),
		SkillID:         v.GetString("skill_id"),
		BaseURL:         strings.TrimRight(v.GetString("feishu_open_api_base"), "/"),
		PollingInterval: feishuInterval,
		MaxPollingTime:  feishuMaxTime,
		TokenStore:      strings.ToLower(v.GetString("feishu_token_store")),
		TokenStorePath:  v.GetString("feishu_token_store_path"),
	}

	cfg.TTS = TTSConfig{
		AppID:       v.GetString("voice_app_id"),
		AccessToken: v.GetString("voice_access_token"),
		APIURL:      v.GetString("tts_api_url"),
		VoiceType:   v.GetString("tts_voice_type"),
		ResourceID:  v.GetString("tts_resource_id"),
		SpeechRate:  v.GetInt("tts_speech_rate"),
		SampleRate:  v.GetInt("tts_sample_rate"),
		MaxChars:    v.GetInt("tts_max_chars"),
	}

	cfg.ASR = ASRConfig{
		AppID:        v.GetString("asr_app_id"),
		AccessToken:  v.GetString("asr_access_token"),
		SubmitURL:    v.GetString("asr_submit_url"),
		QueryURL:     v.GetString("asr_query_url"),
		ResourceID:   v.GetString("asr_resource_id"),
		ModelName:    v.GetString("asr_model_name"),
		SampleRate:   v.GetInt("asr_sample_rate"),
		EnableITN:    v.GetBool("asr_enable_itn"),
		EnablePunc:   v.GetBool("asr_enable_punc"),
		EnableDDC:    v.GetBool("asr_enable_ddc"),
		MaxWait:      asrMaxWait,
		PollInterval: asrPollInterval,
	}

	return cfg, nil
}

// Validate проверяет значения, без которых сервер не стартует.
// Отсутствие ключей upstream-сервисов не ошибка: клиенты сообщают об этом на запросе.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.LLMProvider {
	case ProviderVolcano, ProviderFeishuAily:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s, must be 'json' or 'text'", c.Log.Format)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload max bytes must be positive")
	}
	if c.Feishu.PollingInterval <= 0 || c.Feishu.MaxPollingTime <= 0 {
		return fmt.Errorf("feishu polling interval and max polling time must be positive")
	}
	if c.ASR.PollInterval <= 0 || c.ASR.MaxWait <= 0 {
		return fmt.Errorf("asr poll interval and max wait must be positive")
	}
	if c.TTS.MaxChars <= 0 {
		return fmt.Errorf("tts max chars must be positive")
	}
	return nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	return time.ParseDuration(value)
}

// parseSeconds принимает и Go-длительность ("60s", "300ms"),
// и число дробных секунд ("0.3", "60").
func parseSeconds(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(f * float64(time.Second)), nil
}
