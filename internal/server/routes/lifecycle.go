package routes

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-agent/internal/lifecycle"
)

// LifecycleController 是诊断与控制接口依赖的最小能力集合。
type LifecycleController interface {
	Status(ctx context.Context) (lifecycle.Status, error)
	HandleMessage(ctx context.Context, msg lifecycle.Message) bool
}

// RegisterLifecycleRoutes 暴露 /-/status 诊断接口与 /-/message 控制通道。
func RegisterLifecycleRoutes(app *fiber.App, controller LifecycleController) {
	if app == nil || controller == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := controller.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(status)
	})

	// 页面通过 postMessage 发送的任意载荷都会转发到这里，只识别 type 字段。
	app.Post("/-/message", func(c fiber.Ctx) error {
		msg, ok := decodeMessage(c.Body())
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if controller.HandleMessage(c.Context(), msg) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"handled": true})
		}
		return c.JSON(fiber.Map{"handled": false})
	})
}

// decodeMessage 接受任意 JSON 对象；type 缺失或不是字符串时返回空消息，由控制器忽略。
func decodeMessage(body []byte) (lifecycle.Message, bool) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return lifecycle.Message{}, false
	}
	msgType, _ := payload["type"].(string)
	return lifecycle.Message{Type: msgType}, true
}
