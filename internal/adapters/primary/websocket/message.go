package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lorrc/studio-realtime/internal/core/domain"
)

// Outbound message types
const (
	MessageShootUpdated   = "SHOOT_UPDATED"
	MessageShootAssigned  = "SHOOT_ASSIGNED"
	MessageRequestUpdated = "REQUEST_UPDATED"
	MessageInvoicePaid    = "INVOICE_PAID"

	MessageRefreshShoots          = "REFRESH_SHOOTS"
	MessageRefreshShootHistory    = "REFRESH_SHOOT_HISTORY"
	MessageRefreshInvoices        = "REFRESH_INVOICES"
	MessageRefreshEditingRequests = "REFRESH_EDITING_REQUESTS"

	MessageSubscribed   = "SUBSCRIBED"
	MessageUnsubscribed = "UNSUBSCRIBED"
	MessagePong         = "PONG"
	MessageError        = "ERROR"
)

// Inbound message types
const (
	MessageSubscribeToShoot     = "SUBSCRIBE_TO_SHOOT"
	MessageUnsubscribeFromShoot = "UNSUBSCRIBE_FROM_SHOOT"
	MessagePing                 = "PING"
)

// Command decoding errors. They are reported back to the client in an
// ERROR message.
var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMissingShootID   = errors.New("shoot id is required")
)

var messageTypes = map[domain.EventKind]string{
	domain.EventShootUpdated:   MessageShootUpdated,
	domain.EventShootAssigned:  MessageShootAssigned,
	domain.EventRequestUpdated: MessageRequestUpdated,
	domain.EventInvoicePaid:    MessageInvoicePaid,
}

// Message is what relay clients receive.
type Message struct {
	Type      string    `json:"type"`
	ShootID   domain.ID `json:"shootId,omitempty"`
	RequestID domain.ID `json:"requestId,omitempty"`
	InvoiceID domain.ID `json:"invoiceId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEventMessage converts a domain event to a relay message.
func NewEventMessage(event domain.DomainEvent) (Message, bool) {
	t, ok := messageTypes[event.Kind]
	if !ok {
		return Message{}, false
	}
	return Message{
		Type:      t,
		ShootID:   event.ShootID,
		RequestID: event.RequestID,
		InvoiceID: event.InvoiceID,
		Timestamp: time.Now().UTC(),
	}, true
}

func newReply(messageType string, shootID domain.ID) Message {
	return Message{Type: messageType, ShootID: shootID, Timestamp: time.Now().UTC()}
}

func newErrorMessage(err error) Message {
	return Message{Type: MessageError, Error: err.Error(), Timestamp: time.Now().UTC()}
}

// Command is a decoded inbound message.
type Command struct {
	Type    string
	ShootID domain.ID
}

type wireCommand struct {
	Type    string `json:"type"`
	ShootID any    `json:"shootId"`
	Payload *struct {
		ShootID any `json:"shootId"`
	} `json:"payload"`
}

// DecodeCommand parses one inbound frame. Types are case-insensitive. The
// shoot id may sit under payload or at the top level, as a number or a
// string.
func DecodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	cmd := Command{Type: strings.ToUpper(strings.TrimSpace(w.Type))}
	switch cmd.Type {
	case MessagePing:
		return cmd, nil

	case MessageSubscribeToShoot, MessageUnsubscribeFromShoot:
		if w.Payload != nil {
			cmd.ShootID = domain.ParseID(w.Payload.ShootID)
		}
		if cmd.ShootID.IsZero() {
			cmd.ShootID = domain.ParseID(w.ShootID)
		}
		if cmd.ShootID.IsZero() {
			return Command{}, fmt.Errorf("%s: %w", cmd.Type, ErrMissingShootID)
		}
		return cmd, nil

	default:
		return Command{}, fmt.Errorf("%w %q", ErrUnknownCommand, w.Type)
	}
}
