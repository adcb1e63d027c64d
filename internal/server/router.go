package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers intercepted requests.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// ClientTracker records browser sessions and reports which store version
// controls them.
type ClientTracker interface {
	TouchClient(id string) string
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	Clients    ClientTracker
	ListenPort int
	// ClientCookieMaxAge 为 0 时使用会话 cookie。
	ClientCookieMaxAge time.Duration
}

// ClientCookieName 标识浏览器会话，用于判断哪些会话仍受旧版本控制。
const ClientCookieName = "offline_agent_client"

const (
	contextKeyRequestID  = "_offline_agent_request_id"
	contextKeyClientID   = "_offline_agent_client_id"
	contextKeyController = "_offline_agent_controller"
)

// NewApp builds a Fiber application with request-ID/session middleware and a
// catch-all route delegating to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.Clients == nil {
		return nil, errors.New("client tracker is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并为非诊断请求维护会话 cookie。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		clientID := c.Cookies(ClientCookieName)
		if _, err := uuid.Parse(clientID); err != nil {
			clientID = uuid.NewString()
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookieName,
				Value:    clientID,
				Path:     "/",
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
				MaxAge:   int(opts.ClientCookieMaxAge / time.Second),
			})
			opts.Logger.WithFields(logrus.Fields{
				"action":     "client_session",
				"client_id":  clientID,
				"request_id": reqID,
			}).Debug("client_session_started")
		}
		c.Locals(contextKeyClientID, clientID)
		c.Locals(contextKeyController, opts.Clients.TouchClient(clientID))

		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the browser session identifier stored by the middleware.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// ControllerVersion returns the store version controlling the session, empty
// when the session is not controlled yet.
func ControllerVersion(c fiber.Ctx) string {
	if value := c.Locals(contextKeyController); value != nil {
		if version, ok := value.(string); ok {
			return version
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
