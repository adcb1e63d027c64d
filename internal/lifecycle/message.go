package lifecycle

// MessageSkipWaiting 是页面发送的跳过等待控制消息类型。
const MessageSkipWaiting = "SKIP_WAITING"

// Message 是控制通道上的消息，只识别 type 字段。
type Message struct {
	Type string `json:"type"`
}
