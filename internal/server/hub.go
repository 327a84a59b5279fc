package server

import (
	"log/slog"
)

// Hub relays lines to every registered session.
type Hub struct {
	registry *Registry
	logger   *slog.Logger
}

// Delivery summarizes one broadcast pass.
type Delivery struct {
	Attempted int
	Failed    int
}

// NewHub creates a hub dispatching to the members of registry.
func NewHub(registry *Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{registry: registry, logger: logger}
}

// Broadcast formats the line as coming from sender and sends it to every
// session registered at the time of the call, sender included. A failing
// recipient is logged and skipped; the error never reaches the caller.
func (h *Hub) Broadcast(sender, line string) Delivery {
	message := FormatMessage(sender, line)
	recipients := h.registry.Snapshot()

	h.logger.Debug("broadcasting line", "sender", sender, "recipients", len(recipients))
	return h.broadcastToSessions(recipients, message)
}

// broadcastToSessions sends message to each recipient in order, outside of
// any registry lock.
func (h *Hub) broadcastToSessions(recipients []*Session, message string) Delivery {
	delivery := Delivery{Attempted: len(recipients)}
	for _, recipient := range recipients {
		if err := recipient.Send(message); err != nil {
			delivery.Failed++
			h.logSendError(recipient, err)
		}
	}
	return delivery
}

func (h *Hub) logSendError(recipient *Session, err error) {
	if isExpectedCloseError(err) {
		h.logger.Debug("skipping closed recipient", "name", recipient.Name(), "id", recipient.ID(), "error", err)
		return
	}
	h.logger.Warn("send failed", "name", recipient.Name(), "id", recipient.ID(), "error", err)
}
