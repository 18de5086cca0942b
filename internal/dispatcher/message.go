package dispatcher

import (
	"context"
	"strconv"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

func (d *Dispatcher) handleMessage(ctx context.Context, msg registration.MessageEvent) {
	switch msg.SpecialType {
	case "":
		d.handler.OnMessage(ctx, msg)
	case registration.SpecialTypeDeletedMessages:
		if msg.TotalDeleted == "" {
			d.logger.Debug("Deleted messages notification without a total")
			return
		}
		total, err := strconv.Atoi(msg.TotalDeleted)
		if err != nil {
			d.logger.Debug("Invalid number of deleted messages", "total", msg.TotalDeleted)
			return
		}
		d.logger.Debug("Received deleted messages notification", "total", total)
		d.handler.OnDeletedMessages(ctx, total)
	default:
		// Sent by a newer backend than this build understands.
		d.logger.Debug("Received unknown special message", "message_type", msg.SpecialType)
	}
}
