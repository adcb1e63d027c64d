package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TracingEndpoint != "" {
		if err := validateHTTPURL(g.TracingEndpoint); err != nil {
			return fmt.Errorf("Global.TracingEndpoint: %w", err)
		}
	}

	return c.Agent.validate()
}

func (a AgentConfig) validate() error {
	if err := validateHTTPURL(a.Origin); err != nil {
		return fmt.Errorf("Agent.Origin: %w", err)
	}
	origin, err := a.OriginURL()
	if err != nil {
		return fmt.Errorf("Agent.Origin: %w", err)
	}

	if a.StoreVersion == "" {
		return newFieldError("Agent.StoreVersion", "不能为空")
	}
	if strings.HasPrefix(a.StoreVersion, ".") {
		return newFieldError("Agent.StoreVersion", "不能以 . 开头")
	}
	if strings.TrimSpace(a.OfflinePage) == "" {
		return newFieldError("Agent.OfflinePage", "不能为空")
	}
	if err := validateRelative(origin, a.OfflinePage); err != nil {
		return fmt.Errorf("Agent.OfflinePage: %w", err)
	}
	for i, asset := range a.PrecacheAssets {
		if err := validateRelative(origin, asset); err != nil {
			return fmt.Errorf("%s: %w", assetField(i), err)
		}
	}
	if !strings.HasPrefix(a.ScriptSuffix, "/") {
		return newFieldError("Agent.ScriptSuffix", "必须以 / 开头")
	}
	if a.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Agent.NetworkTimeout", "必须大于 0")
	}
	if a.ClientIdleTimeout.DurationValue() <= 0 {
		return newFieldError("Agent.ClientIdleTimeout", "必须大于 0")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}

// validateRelative 确保资源解析后仍位于站点源之下，代理不处理跨源资源。
func validateRelative(origin *url.URL, raw string) error {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	resolved := origin.ResolveReference(ref)
	if resolved.Scheme != origin.Scheme || resolved.Host != origin.Host {
		return fmt.Errorf("资源必须与 Origin 同源: %s", raw)
	}
	return nil
}
