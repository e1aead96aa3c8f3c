package broadcast

import (
	"fmt"

	"github.com/lorrc/studio-realtime/internal/adapters/secondary/natsbroker"
	"github.com/lorrc/studio-realtime/internal/adapters/secondary/pusher"
	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

// NewTransport returns the broker transport registered under name.
func NewTransport(name string) (ports.Transport, error) {
	switch name {
	case "", pusher.TransportName:
		return pusher.NewTransport(), nil
	case natsbroker.TransportName:
		return natsbroker.NewTransport(), nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownTransport, name)
	}
}
