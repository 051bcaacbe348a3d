package transport

import (
	"context"
	"fmt"
	"strings"
)

// Delivery is one occurrence handed to the sink. The engine does not retry:
// a returned error marks the occurrence failed, terminally.
type Delivery struct {
	TenantID    string
	Destination string
	Payload     string
}

// Sink consumes delivery requests. Implementations own transport-level
// concerns (rate limits, formatting, retries before acknowledging failure).
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Destination kinds understood by adapters. A destination string is
// "<kind>:<platform id>", e.g. "channel:123456" or "dm:654321".
const (
	DestChannel = "channel"
	DestDM      = "dm"
)

// SplitDestination parses "<kind>:<id>" and validates the kind.
func SplitDestination(dest string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(dest), ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed destination %q", dest)
	}
	switch kind {
	case DestChannel, DestDM:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("unknown destination kind %q", kind)
	}
}
