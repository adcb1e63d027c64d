package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/fetch"
	"github.com/any-hub/offline-agent/internal/intercept"
	"github.com/any-hub/offline-agent/internal/lifecycle"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/strategy"
)

// SourceHeader 标识响应来源：network/cache/offline/passthrough。
const SourceHeader = "X-Offline-Agent-Source"

const sourcePassthrough = "passthrough"

var tracer = otel.Tracer("github.com/any-hub/offline-agent/internal/proxy")

// WorkerSource 提供当前激活的 worker；尚未激活时返回 nil，请求全部透传。
type WorkerSource interface {
	Active() *lifecycle.Worker
}

// Handler 对每个请求执行“路由决策 → 策略 / 透传”，对外暴露 Fiber handler。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	workers WorkerSource
	origin  *url.URL
}

// NewHandler 构建 Handler；origin 在没有激活 worker 时用于解析请求地址。
func NewHandler(client *http.Client, logger *logrus.Logger, workers WorkerSource, origin *url.URL) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{
		client:  client,
		logger:  logger,
		workers: workers,
		origin:  origin,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	worker := h.workers.Active()
	origin := h.origin
	rules := intercept.Rules{Origin: origin}
	if worker != nil {
		rules = worker.Rules()
		origin = rules.Origin
	}

	req := buildRequest(c, origin)
	decision := intercept.Decide(req, rules)
	if worker == nil && decision.Intercepted() {
		decision = intercept.Decision{Action: intercept.ActionPassthrough, Reason: reasonNoWorker}
	}

	ctx, span := tracer.Start(ctx, "proxy.handle", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("offline_agent.action", string(decision.Action)),
	))
	defer span.End()

	result := requestResult{
		worker:   worker,
		decision: decision,
		url:      req.URL.String(),
		started:  started,
	}

	switch {
	case decision.Action == intercept.ActionIgnore:
		result.status = fiber.StatusBadGateway
		h.logResult(ctx, c, result, nil)
		return h.writeError(c, fiber.StatusBadGateway, "cross_origin")
	case !decision.Intercepted():
		return h.passthrough(ctx, c, req, result)
	}

	handler := worker.Strategy(decision.Action)
	resp, source, err := handler.Serve(ctx, req)
	result.source = string(source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.status = fiber.StatusInternalServerError
		h.logResult(ctx, c, result, err)
		return h.writeError(c, fiber.StatusInternalServerError, "store_unavailable")
	}
	if resp == nil || source == strategy.SourceNone {
		result.source = string(strategy.SourceNone)
		result.status = fiber.StatusGatewayTimeout
		h.logResult(ctx, c, result, errOfflineUnavailable)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
	}

	result.status = resp.Status
	span.SetAttributes(attribute.String("offline_agent.source", string(source)))
	h.logResult(ctx, c, result, nil)
	return writeSnapshot(c, resp, string(source))
}

const reasonNoWorker = "no_active_worker"

var errOfflineUnavailable = errors.New("network failed and no cached fallback")

// passthrough 直接转发到站点源，不读写缓存，响应体流式返回。
func (h *Handler) passthrough(ctx context.Context, c fiber.Ctx, req *fetch.Request, result requestResult) error {
	result.source = sourcePassthrough

	upstream, err := h.buildUpstreamRequest(ctx, c, req)
	if err != nil {
		result.status = fiber.StatusBadGateway
		h.logResult(ctx, c, result, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(upstream)
	if err != nil {
		result.status = fiber.StatusBadGateway
		h.logResult(ctx, c, result, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, sourcePassthrough)
	c.Status(resp.StatusCode)

	result.status = resp.StatusCode
	if c.Method() == http.MethodHead {
		h.logResult(ctx, c, result, nil)
		return nil
	}
	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(ctx, c, result, err)
	return err
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, req *fetch.Request) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if payload := c.Body(); len(payload) > 0 {
		body = strings.NewReader(string(payload))
	}

	upstream, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}

	fetch.CopyHeaders(upstream.Header, req.Header)
	upstream.Header.Del("Accept-Encoding")
	upstream.Header.Del("Host")
	upstream.Header.Del("Content-Length")
	upstream.Host = req.URL.Host
	upstream.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := upstream.Header.Get("X-Forwarded-For"); prior != "" {
			upstream.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			upstream.Header.Set("X-Forwarded-For", ip)
		}
	}
	upstream.Header.Set("X-Forwarded-Proto", c.Scheme())
	return upstream, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

type requestResult struct {
	worker   *lifecycle.Worker
	decision intercept.Decision
	source   string
	url      string
	status   int
	started  time.Time
}

func (h *Handler) logResult(ctx context.Context, c fiber.Ctx, result requestResult, err error) {
	version := ""
	if result.worker != nil {
		version = result.worker.Version()
	}
	fields := logging.RequestFields(version, string(result.decision.Action), result.source, result.decision.Intercepted())
	fields["action"] = "proxy"
	fields["method"] = c.Method()
	fields["url"] = result.url
	fields["reason"] = result.decision.Reason
	fields["status"] = result.status
	fields["elapsed_ms"] = time.Since(result.started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if clientID := server.ClientID(c); clientID != "" {
		fields["client_id"] = clientID
	}
	if controller := server.ControllerVersion(c); controller != "" {
		fields["controller"] = controller
	}

	entry := h.logger.WithContext(ctx).WithFields(fields)
	if err != nil {
		entry.WithError(err).Error("proxy_failed")
		return
	}
	entry.Info("proxy_complete")
}

// buildRequest 把 Fiber 请求映射为站点源下的绝对地址。
// 请求行为绝对形式且主机与 Host 头不同的，视为指向其他源的请求，保留原地址。
func buildRequest(c fiber.Ctx, origin *url.URL) *fetch.Request {
	header := fiberHeadersAsHTTP(c)
	uri := c.Request().URI()
	path := string(uri.Path())
	query := string(uri.QueryString())

	var target *url.URL
	uriHost := string(uri.Host())
	hostHeader := string(c.Request().Header.Host())
	switch {
	case uriHost != "" && hostHeader != "" && !strings.EqualFold(uriHost, hostHeader):
		target = &url.URL{Scheme: string(uri.Scheme()), Host: uriHost, Path: path, RawQuery: query}
	case origin != nil:
		target = origin.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/"), RawQuery: query})
	default:
		target = &url.URL{Scheme: c.Scheme(), Host: hostHeader, Path: path, RawQuery: query}
	}
	return fetch.NewRequest(c.Method(), target, header)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

// writeSnapshot 输出策略返回的完整快照。
func writeSnapshot(c fiber.Ctx, resp *cache.Response, source string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, source)
	status := resp.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}
