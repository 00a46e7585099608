// Package notify listens to the sync server's websocket feed and turns
// change announcements into sync triggers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vonshlovens/fieldsync/internal/queue"
)

// Message types announced by the server
const (
	TypeSyncRequired       = "sync_required"
	TypeInspectionCreated  = "inspection_created"
	TypeInspectionUpdated  = "inspection_updated"
	TypeDefectDetected     = "defect_detected"
	TypeHiddenWorkApproved = "hidden_work_approved"
	TypeActSigned          = "act_signed"
	TypeProjectUpdated     = "project_updated"
	TypePhotoUploaded      = "photo_uploaded"
)

var triggering = map[string]bool{
	TypeSyncRequired:       true,
	TypeInspectionCreated:  true,
	TypeInspectionUpdated:  true,
	TypeDefectDetected:     true,
	TypeHiddenWorkApproved: true,
	TypeActSigned:          true,
	TypeProjectUpdated:     true,
	TypePhotoUploaded:      true,
}

// Message is one websocket notification
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Triggers reports whether a message type should start a sync
func Triggers(msgType string) bool {
	return triggering[msgType]
}

// Listener keeps a websocket connection to the server open
type Listener struct {
	url        string
	token      string
	onTrigger  func(Message)
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener creates a listener for url; onTrigger runs for every
// message that should start a sync
func NewListener(url, token string, onTrigger func(Message)) *Listener {
	return &Listener{
		url:        url,
		token:      token,
		onTrigger:  onTrigger,
		minBackoff: time.Second,
		maxBackoff: 5 * time.Minute,
	}
}

// Run connects and reconnects until ctx is done
func (l *Listener) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++

		delay := queue.Backoff(attempt, l.minBackoff, l.maxBackoff)
		slog.Warn("notification stream lost, reconnecting", "error", err, "delay", delay.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection; connected reports whether the dial worked
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{}
	if l.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.token}}
	}

	conn, _, err := websocket.Dial(ctx, l.url, opts)
	if err != nil {
		return false, fmt.Errorf("failed to connect to %s: %w", l.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	slog.Info("notification stream connected", "url", l.url)

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}

		slog.Debug("server notification", "type", msg.Type)
		if Triggers(msg.Type) && l.onTrigger != nil {
			l.onTrigger(msg)
		}
	}
}
