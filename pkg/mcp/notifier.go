package mcp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/streaming"
	"github.com/rendis/artgen/pkg/schema"
)

// notificationSender is the part of server.MCPServer the relay needs.
type notificationSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// Relay pushes approval events from a hub to every connected MCP client.
type Relay struct {
	sender notificationSender
	hub    streaming.EventHub
	logger *slog.Logger
}

var _ notificationSender = (*server.MCPServer)(nil)

// NewRelay creates a relay from hub to the clients of sender.
func NewRelay(sender notificationSender, hub streaming.EventHub, logger *slog.Logger) *Relay {
	return &Relay{sender: sender, hub: hub, logger: logging.OrDefault(logger)}
}

// Start subscribes to approval events and forwards them until ctx ends or
// the returned stop function is called.
func (r *Relay) Start(ctx context.Context) (func(), error) {
	events, unsub, err := r.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventApprovalRequested,
			schema.EventApprovalResolved,
			schema.EventApprovalTimeout,
		},
	})
	if err != nil {
		return nil, err
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.sender.SendNotificationToAllClients("notifications/message", map[string]any{
					"level":  "info",
					"logger": "artgen",
					"data": map[string]any{
						"event":    ev.EventType,
						"run_id":   ev.RunID,
						"step_id":  ev.StepID,
						"asset_id": ev.AssetID,
						"payload":  ev.Payload,
					},
				})
				r.logger.Debug("relayed approval event", slog.String("event", ev.EventType))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			unsub()
			<-done
		})
	}, nil
}
