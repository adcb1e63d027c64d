package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"4000ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Milliseconds 与 Duration 相同，但纯数字按毫秒解释，例如 NetworkTimeout = 4000。
type Milliseconds time.Duration

// UnmarshalText 接受 "4s"、"4000ms" 或纯数字毫秒值。
func (m *Milliseconds) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*m = Milliseconds(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*m = Milliseconds(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*m = Milliseconds(time.Duration(intVal) * time.Millisecond)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration。
func (m Milliseconds) DurationValue() time.Duration {
	return time.Duration(m)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与上游连接。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	TracingEndpoint string   `mapstructure:"TracingEndpoint"`
}

// AgentConfig 描述一代 worker 的缓存清单与策略参数，变更后通过热加载安装新一代。
type AgentConfig struct {
	Origin            string       `mapstructure:"Origin"`
	StoreVersion      string       `mapstructure:"StoreVersion"`
	OfflinePage       string       `mapstructure:"OfflinePage"`
	PrecacheAssets    []string     `mapstructure:"PrecacheAssets"`
	ScriptSuffix      string       `mapstructure:"ScriptSuffix"`
	NetworkTimeout    Milliseconds `mapstructure:"NetworkTimeout"`
	ClientIdleTimeout Duration     `mapstructure:"ClientIdleTimeout"`
}

// Config 是 TOML 文件映射的整体结构，所有键都位于顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:",squash"`
}

// OriginURL 返回规范化的站点源地址：去掉 query/fragment，路径以 "/" 结尾，
// 便于把相对路径拼接到站点前缀之下。
func (a AgentConfig) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(a.Origin))
	if err != nil {
		return nil, err
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
		parsed.RawPath = ""
	}
	return parsed, nil
}
