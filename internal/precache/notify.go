package precache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ActionExplore = "explore"

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int64 `json:"primaryKey"`
}

type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// NotificationSurface displays notifications and opens application windows.
type NotificationSurface interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

type Notifier struct {
	cfg     NotificationConfig
	appRoot string
	surface NotificationSurface
	logger  *zap.Logger
	metrics *metrics
	now     func() time.Time

	seq atomic.Int64
}

func NewNotifier(cfg NotificationConfig, appRoot string, surface NotificationSurface, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if appRoot == "" {
		appRoot = "/"
	}
	return &Notifier{
		cfg:     cfg,
		appRoot: appRoot,
		surface: surface,
		logger:  logger,
		now:     time.Now,
	}
}

// Push shows a notification for a push message. The payload is the body as
// sent; only an empty payload gets the configured fallback body.
func (n *Notifier) Push(ctx context.Context, payload []byte) (Notification, error) {
	body := string(payload)
	if len(payload) == 0 {
		body = n.cfg.FallbackBody
	}
	note := Notification{
		ID:      uuid.NewString(),
		Title:   n.cfg.Title,
		Body:    body,
		Icon:    n.cfg.Icon,
		Badge:   n.cfg.Badge,
		Vibrate: append([]int(nil), n.cfg.Vibrate...),
		Data: NotificationData{
			DateOfArrival: n.now().UnixMilli(),
			PrimaryKey:    n.seq.Add(1),
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: n.cfg.ExploreTitle, Icon: n.cfg.Icon},
		},
	}
	if err := n.surface.Show(ctx, note); err != nil {
		return Notification{}, err
	}
	n.metrics.observeNotification("push")
	n.logger.Debug("notification shown", zap.String("id", note.ID))
	return note, nil
}

// Click handles both the explore action and a plain click: the notification
// is dismissed and the application root is opened.
func (n *Notifier) Click(ctx context.Context, id, action string) error {
	if err := n.surface.Close(ctx, id); err != nil {
		n.logger.Warn("close notification", zap.String("id", id), zap.Error(err))
	}
	n.metrics.observeNotification("click")
	n.logger.Debug("notification clicked", zap.String("id", id), zap.String("action", action))
	return n.surface.OpenWindow(ctx, n.appRoot)
}
