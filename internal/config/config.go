package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "mt5"
)

// 早期部署直接使用的环境变量名，继续兼容。
var legacyEnvBindings = map[string][]string{
	"terminal.login":    {"MT5_TERMINAL_LOGIN", "MT5_LOGIN"},
	"terminal.password": {"MT5_TERMINAL_PASSWORD", "MT5_PASSWORD"},
	"terminal.server":   {"MT5_TERMINAL_SERVER", "MT5_SERVER"},
	"terminal.path":     {"MT5_TERMINAL_PATH", "MT5_PATH"},
	"http.port":         {"MT5_HTTP_PORT", "FASTAPI_PORT"},
	"webhook.url":       {"MT5_WEBHOOK_URL", "TRADING_ENGINE_ORDER_WEBHOOK_URL"},
}

// Load 读取配置文件并结合 .env 与环境变量返回 Config。
// 未显式指定路径且默认配置文件不存在时，仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 %s 失败: %w", defaultEnvFile, err)
	}

	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	for key, names := range legacyEnvBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", key, err)
		}
	}

	setDefaults(v)

	if _, statErr := os.Stat(path); statErr == nil || explicit {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
			}
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("terminal.mode", TerminalModeBridge)
	v.SetDefault("terminal.path", "")
	v.SetDefault("terminal.login", 0)
	v.SetDefault("terminal.password", "")
	v.SetDefault("terminal.server", "")
	v.SetDefault("terminal.bridge_url", "ws://127.0.0.1:8765/rpc")
	v.SetDefault("terminal.call_timeout", "10s")
	v.SetDefault("terminal.dial_timeout", "5s")
	v.SetDefault("terminal.retry.max_attempts", 3)
	v.SetDefault("terminal.retry.min_delay", "500ms")
	v.SetDefault("terminal.retry.max_delay", "5s")

	v.SetDefault("http.port", 3030)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("execution.magic", 123456)
	v.SetDefault("execution.deviation", 20)
	v.SetDefault("execution.comment_prefix", "te")
	v.SetDefault("execution.require_stop_loss", false)

	v.SetDefault("orderflow.lookback", "60s")
	v.SetDefault("orderflow.large_order_multiplier", 20.0)
	v.SetDefault("orderflow.min_ticks", 5)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.source", "mt5-connector")
	v.SetDefault("webhook.timeout", "5s")
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.base_backoff", "1s")
	v.SetDefault("webhook.queue_size", 256)
	v.SetDefault("webhook.workers", 2)
	v.SetDefault("webhook.journal_size", 500)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
