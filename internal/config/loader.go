package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 OFFLINE_AGENT_ORIGIN。
const EnvPrefix = "OFFLINE_AGENT"

// DefaultPrecacheAssets 与默认离线页面的资源清单保持一致。
var DefaultPrecacheAssets = []string{
	"./mia-optimized.html",
	"./images/giphy.gif",
	"./images/image2.gif",
	"./images/image3.gif",
	"./images/image4.gif",
	"./images/image5.gif",
	"./images/image6.gif",
	"./images/image7.gif",
	"./libs/confetti.min.js",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

// Watch 监听配置文件变化，每次变更都重新解析并回调；解析失败时 cfg 为 nil。
// 回调在 viper 的监听 goroutine 中执行。
func Watch(path string, onChange func(cfg *Config, err error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAgentDefaults(&cfg.Agent)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "fs")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TracingEndpoint", "")

	v.SetDefault("Origin", "")
	v.SetDefault("StoreVersion", "mia-pages-v3")
	v.SetDefault("OfflinePage", "./mia-optimized.html")
	v.SetDefault("PrecacheAssets", DefaultPrecacheAssets)
	v.SetDefault("ScriptSuffix", "/libs/confetti.min.js")
	v.SetDefault("NetworkTimeout", "4000ms")
	v.SetDefault("ClientIdleTimeout", "5m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "fs"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyAgentDefaults(a *AgentConfig) {
	a.StoreVersion = strings.TrimSpace(a.StoreVersion)
	a.Origin = strings.TrimSpace(a.Origin)
	if a.NetworkTimeout.DurationValue() == 0 {
		a.NetworkTimeout = Milliseconds(4000 * time.Millisecond)
	}
	if a.ClientIdleTimeout.DurationValue() == 0 {
		a.ClientIdleTimeout = Duration(5 * time.Minute)
	}
	assets := make([]string, 0, len(a.PrecacheAssets))
	for _, asset := range a.PrecacheAssets {
		if trimmed := strings.TrimSpace(asset); trimmed != "" {
			assets = append(assets, trimmed)
		}
	}
	a.PrecacheAssets = assets
}

// durationDecodeHook 处理 Duration 与 Milliseconds 两种字段：字符串按 Go Duration 解析，
// 纯数字分别按秒或毫秒解释。
func durationDecodeHook() mapstructure.DecodeHookFunc {
	secondsType := reflect.TypeOf(Duration(0))
	millisType := reflect.TypeOf(Milliseconds(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		switch to {
		case secondsType:
			parsed, err := decodeDuration(data, time.Second)
			return Duration(parsed), err
		case millisType:
			parsed, err := decodeDuration(data, time.Millisecond)
			return Milliseconds(parsed), err
		default:
			return data, nil
		}
	}
}

func decodeDuration(data interface{}, unit time.Duration) (time.Duration, error) {
	switch v := data.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed, nil
		}
		if number, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(number * float64(unit)), nil
		}
		return 0, fmt.Errorf("无法解析 Duration 字段: %s", v)
	case int:
		return time.Duration(v) * unit, nil
	case int64:
		return time.Duration(v) * unit, nil
	case float64:
		return time.Duration(v * float64(unit)), nil
	case time.Duration:
		return v, nil
	case Duration:
		return time.Duration(v), nil
	case Milliseconds:
		return time.Duration(v), nil
	default:
		return 0, fmt.Errorf("不支持的 Duration 类型: %T", v)
	}
}
