package pusher

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

const (
	protocolVersion = 7
	clientName      = "studio-realtime-go"
	clientVersion   = "1.0"
	defaultCluster  = "mt1"
	privatePrefix   = "private-"
)

// Protocol events
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
)

// frame is one protocol message. Data is kept raw because the protocol
// sends it either as an object or as a JSON-encoded string.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type errorData struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

type authResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// WireName returns the protocol name of a channel.
func WireName(ch domain.Channel) string {
	if ch.Private {
		return privatePrefix + ch.Name
	}
	return ch.Name
}

// EndpointURL builds the websocket URL for the given options. An explicit
// URL wins; otherwise the cluster host is derived from the app key.
func EndpointURL(opts ports.ConnectionOptions) (string, error) {
	if strings.TrimSpace(opts.AppKey) == "" {
		return "", apperrors.ErrMissingAppKey
	}

	if opts.URL != "" {
		u, err := url.Parse(opts.URL)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidEndpoint, opts.URL)
		}
		return u.String(), nil
	}

	host := opts.Host
	if host == "" {
		cluster := opts.Cluster
		if cluster == "" {
			cluster = defaultCluster
		}
		host = "ws-" + cluster + ".pusher.com"
	}

	scheme, port := "ws", 80
	if opts.ForceTLS {
		scheme, port = "wss", 443
	}
	if opts.Port > 0 {
		port = opts.Port
	}

	q := url.Values{}
	q.Set("protocol", strconv.Itoa(protocolVersion))
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	q.Set("flash", "false")

	u := url.URL{
		Scheme:   scheme,
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/app/" + url.PathEscape(opts.AppKey),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// decodeData unwraps a frame's data into an object. The protocol double
// encodes event data as a string; servers that send a bare object are
// accepted too. Anything that is not an object yields ok == false.
func decodeData(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var payload map[string]any
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, false
		}
		if err := json.Unmarshal([]byte(inner), &payload); err != nil {
			return nil, false
		}
		return payload, payload != nil
	}

	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, payload != nil
}

// decodeInto unwraps a frame's data, string encoded or not, into v.
func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}
	return json.Unmarshal(raw, v)
}

func brokerError(raw json.RawMessage) *apperrors.BrokerError {
	var data errorData
	_ = decodeInto(raw, &data)

	err := &apperrors.BrokerError{Message: data.Message}
	if data.Code != nil {
		err.Code = *data.Code
	}
	return err
}
