package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.StoreBackend != "sqlite" {
		t.Fatalf("StoreBackend 应当被解析, got %s", cfg.Global.StoreBackend)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应该自动填充默认值")
	}
	if cfg.Agent.NetworkTimeout.DurationValue() != 2500*time.Millisecond {
		t.Fatalf("NetworkTimeout 解析错误: %s", cfg.Agent.NetworkTimeout.DurationValue())
	}
	if cfg.Agent.ClientIdleTimeout.DurationValue() != 5*time.Minute {
		t.Fatalf("ClientIdleTimeout 应该自动填充默认值")
	}
	if cfg.Agent.OfflinePage != "./mia-optimized.html" || cfg.Agent.ScriptSuffix != "/libs/confetti.min.js" {
		t.Fatalf("默认离线页/脚本后缀缺失: %+v", cfg.Agent)
	}
	if len(cfg.Agent.PrecacheAssets) != 2 {
		t.Fatalf("PrecacheAssets 应使用文件中的值: %v", cfg.Agent.PrecacheAssets)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	_, err := Load(testConfigPath(t, "missing.toml"))
	if err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	var fieldErr FieldError
	if err := cfg.Validate(); !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("ListenPort 超出范围应当报错, got %v", err)
	}
}

func TestValidateStoreBackend(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		shouldErr bool
	}{
		{"fs ok", "fs", false},
		{"sqlite ok", "sqlite", false},
		{"redis", "redis", true},
		{"empty", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StoreBackend = tc.backend
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateAgentFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ftp origin", func(c *Config) { c.Agent.Origin = "ftp://origin.test" }},
		{"origin without host", func(c *Config) { c.Agent.Origin = "http://" }},
		{"empty version", func(c *Config) { c.Agent.StoreVersion = "" }},
		{"hidden version", func(c *Config) { c.Agent.StoreVersion = ".tmp" }},
		{"empty offline page", func(c *Config) { c.Agent.OfflinePage = " " }},
		{"cross origin asset", func(c *Config) { c.Agent.PrecacheAssets = []string{"https://cdn.test/a.gif"} }},
		{"relative script suffix", func(c *Config) { c.Agent.ScriptSuffix = "confetti.min.js" }},
		{"zero network timeout", func(c *Config) { c.Agent.NetworkTimeout = 0 }},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }},
		{"bad tracing endpoint", func(c *Config) { c.Global.TracingEndpoint = "collector:4318" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestOriginURLNormalizesPath(t *testing.T) {
	agent := AgentConfig{Origin: "http://origin.test/pages?x=1#top"}
	origin, err := agent.OriginURL()
	if err != nil {
		t.Fatalf("OriginURL 返回错误: %v", err)
	}
	if origin.String() != "http://origin.test/pages/" {
		t.Fatalf("unexpected origin: %s", origin)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			StoreBackend:    "fs",
			UpstreamTimeout: Duration(time.Second),
		},
		Agent: AgentConfig{
			Origin:            "http://origin.test",
			StoreVersion:      "mia-pages-v3",
			OfflinePage:       "./mia-optimized.html",
			PrecacheAssets:    append([]string(nil), DefaultPrecacheAssets...),
			ScriptSuffix:      "/libs/confetti.min.js",
			NetworkTimeout:    Milliseconds(4 * time.Second),
			ClientIdleTimeout: Duration(time.Minute),
		},
	}
}
