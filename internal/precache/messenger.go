package precache

import (
	"context"

	"go.uber.org/zap"
)

const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgGetVersion        = "GET_VERSION"
	MsgNotificationClick = "NOTIFICATION_CLICK"
)

// Message is a control message from the hosted application.
type Message struct {
	Type string `json:"type"`

	// set on NOTIFICATION_CLICK
	ID     string `json:"id,omitempty"`
	Action string `json:"action,omitempty"`
}

// Port is the reply channel that came with a message.
type Port interface {
	PostMessage(v any) error
}

type VersionReply struct {
	Version string `json:"version"`
}

type Messenger struct {
	lifecycle *Lifecycle
	logger    *zap.Logger
}

func NewMessenger(lifecycle *Lifecycle, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{lifecycle: lifecycle, logger: logger}
}

// Handle acts on SKIP_WAITING and GET_VERSION. Anything else is dropped
// without a reply.
func (m *Messenger) Handle(ctx context.Context, msg Message, port Port) error {
	switch msg.Type {
	case MsgSkipWaiting:
		return m.lifecycle.SkipWaiting(ctx)
	case MsgGetVersion:
		if port == nil {
			return nil
		}
		return port.PostMessage(VersionReply{Version: m.lifecycle.Version()})
	default:
		m.logger.Debug("ignoring message", zap.String("type", msg.Type))
		return nil
	}
}
