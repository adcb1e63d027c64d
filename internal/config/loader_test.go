package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
Origin = "http://origin.test"
StoragePath = "./data"
NetworkTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsAsDuration(t *testing.T) {
	cfg := `
Origin = "http://origin.test"
UpstreamTimeout = 45
`
	cfgParsed, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfgParsed.Global.UpstreamTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("纯数字应按秒解析, got %s", cfgParsed.Global.UpstreamTimeout.DurationValue())
	}
	if len(cfgParsed.Agent.PrecacheAssets) != len(DefaultPrecacheAssets) {
		t.Fatalf("未配置 PrecacheAssets 时应使用默认清单")
	}
}

func TestLoadAcceptsMillisecondsForNetworkTimeout(t *testing.T) {
	cfg := `
Origin = "http://origin.test"
NetworkTimeout = 4000
`
	cfgParsed, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfgParsed.Agent.NetworkTimeout.DurationValue() != 4000*time.Millisecond {
		t.Fatalf("NetworkTimeout 纯数字应按毫秒解析, got %s", cfgParsed.Agent.NetworkTimeout.DurationValue())
	}

	t.Setenv("OFFLINE_AGENT_NETWORKTIMEOUT", "1500")
	cfgParsed, err = Load(writeTempConfig(t, `Origin = "http://origin.test"`))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfgParsed.Agent.NetworkTimeout.DurationValue() != 1500*time.Millisecond {
		t.Fatalf("环境变量中的纯数字也应按毫秒解析, got %s", cfgParsed.Agent.NetworkTimeout.DurationValue())
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("OFFLINE_AGENT_STOREVERSION", "mia-pages-v9")
	t.Setenv("OFFLINE_AGENT_PRECACHEASSETS", "./a.html,./images/b.gif")

	cfg, err := Load(writeTempConfig(t, `Origin = "http://origin.test"`))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Agent.StoreVersion != "mia-pages-v9" {
		t.Fatalf("环境变量应覆盖 StoreVersion, got %s", cfg.Agent.StoreVersion)
	}
	if len(cfg.Agent.PrecacheAssets) != 2 || cfg.Agent.PrecacheAssets[1] != "./images/b.gif" {
		t.Fatalf("环境变量应覆盖 PrecacheAssets, got %v", cfg.Agent.PrecacheAssets)
	}
}

func TestWatchReportsChanges(t *testing.T) {
	path := writeTempConfig(t, "Origin = \"http://origin.test\"\nStoreVersion = \"v1\"\n")

	changes := make(chan *Config, 8)
	err := Watch(path, func(cfg *Config, err error) {
		if err != nil || cfg == nil {
			return
		}
		select {
		case changes <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	if err := os.WriteFile(path, []byte("Origin = \"http://origin.test\"\nStoreVersion = \"v2\"\n"), 0o600); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Agent.StoreVersion == "v2" {
				return
			}
		case <-deadline:
			t.Fatalf("未收到配置变更通知")
		}
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	if err != nil {
		t.Fatalf("示例配置应可加载: %v", err)
	}
	if cfg.Agent.StoreVersion != "mia-pages-v3" {
		t.Fatalf("unexpected store version: %s", cfg.Agent.StoreVersion)
	}
	if len(cfg.Agent.PrecacheAssets) != len(DefaultPrecacheAssets) {
		t.Fatalf("示例配置应包含完整预缓存清单，得到 %d 项", len(cfg.Agent.PrecacheAssets))
	}
}
