package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了连接器运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Execution ExecutionConfig `mapstructure:"execution"`
	OrderFlow OrderFlowConfig `mapstructure:"orderflow"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

const (
	TerminalModeBridge = "bridge"
	TerminalModePaper  = "paper"
)

// TerminalConfig 描述交易终端连接信息。
type TerminalConfig struct {
	Mode        string        `mapstructure:"mode"`
	Path        string        `mapstructure:"path"`
	Login       int64         `mapstructure:"login"`
	Password    string        `mapstructure:"password"`
	Server      string        `mapstructure:"server"`
	BridgeURL   string        `mapstructure:"bridge_url"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// HasCredentials 判断是否配置了完整的登录凭证。
func (c TerminalConfig) HasCredentials() bool {
	return c.Login != 0 && c.Password != "" && c.Server != ""
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig 控制 HTTP 接口。
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Magic           int64  `mapstructure:"magic"`
	Deviation       int    `mapstructure:"deviation"`
	CommentPrefix   string `mapstructure:"comment_prefix"`
	RequireStopLoss bool   `mapstructure:"require_stop_loss"`
}

// OrderFlowConfig 控制订单流统计窗口。
type OrderFlowConfig struct {
	Lookback             time.Duration `mapstructure:"lookback"`
	LargeOrderMultiplier float64       `mapstructure:"large_order_multiplier"`
	MinTicks             int           `mapstructure:"min_ticks"`
}

// WebhookConfig 控制订单事件推送。
type WebhookConfig struct {
	URL         string        `mapstructure:"url"`
	Source      string        `mapstructure:"source"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	JournalSize int           `mapstructure:"journal_size"`
}

// Enabled 表示是否配置了推送地址。
func (c WebhookConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch c.Terminal.Mode {
	case TerminalModeBridge:
		if c.Terminal.BridgeURL == "" {
			err = multierr.Append(err, errors.New("terminal.bridge_url 在 bridge 模式下不能为空"))
		}
	case TerminalModePaper:
	default:
		err = multierr.Append(err, fmt.Errorf("terminal.mode 不支持 %q", c.Terminal.Mode))
	}
	if c.Terminal.Login < 0 {
		err = multierr.Append(err, errors.New("terminal.login 不能为负"))
	}
	if c.Terminal.Login != 0 && (c.Terminal.Password == "" || c.Terminal.Server == "") {
		err = multierr.Append(err, errors.New("配置了 terminal.login 时必须同时配置 password 与 server"))
	}
	if c.Terminal.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("terminal.call_timeout 必须大于0"))
	}
	if c.Terminal.DialTimeout <= 0 {
		err = multierr.Append(err, errors.New("terminal.dial_timeout 必须大于0"))
	}
	if c.Terminal.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("terminal.retry.max_attempts 必须大于0"))
	}
	if c.Terminal.Retry.MinDelay <= 0 || c.Terminal.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("terminal.retry.delay 必须为正"))
	}
	if c.Terminal.Retry.MinDelay > c.Terminal.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("terminal.retry.min_delay 不能大于 max_delay"))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, errors.New("http.port 必须位于[1,65535]"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("http.shutdown_timeout 必须大于0"))
	}

	if c.Execution.Deviation < 0 {
		err = multierr.Append(err, errors.New("execution.deviation 不能为负"))
	}
	if c.Execution.Magic < 0 {
		err = multierr.Append(err, errors.New("execution.magic 不能为负"))
	}

	if c.OrderFlow.Lookback <= 0 {
		err = multierr.Append(err, errors.New("orderflow.lookback 必须大于0"))
	}
	if c.OrderFlow.LargeOrderMultiplier <= 0 {
		err = multierr.Append(err, errors.New("orderflow.large_order_multiplier 必须大于0"))
	}
	if c.OrderFlow.MinTicks < 2 {
		err = multierr.Append(err, errors.New("orderflow.min_ticks 至少为2"))
	}

	if c.Webhook.Source == "" {
		err = multierr.Append(err, errors.New("webhook.source 不能为空"))
	}
	if c.Webhook.Timeout <= 0 {
		err = multierr.Append(err, errors.New("webhook.timeout 必须大于0"))
	}
	if c.Webhook.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("webhook.max_attempts 必须大于0"))
	}
	if c.Webhook.BaseBackoff <= 0 {
		err = multierr.Append(err, errors.New("webhook.base_backoff 必须大于0"))
	}
	if c.Webhook.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("webhook.queue_size 必须大于0"))
	}
	if c.Webhook.Workers <= 0 {
		err = multierr.Append(err, errors.New("webhook.workers 必须大于0"))
	}
	if c.Webhook.JournalSize < 0 {
		err = multierr.Append(err, errors.New("webhook.journal_size 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
