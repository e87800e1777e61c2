package observability

import (
	"context"
	"sync/atomic"
)

// Publisher is the subset of the rabbitmq publisher used for operational events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// EventEnvelope wraps an operational event such as a websocket lifecycle change.
type EventEnvelope struct {
	EventType string            `json:"event_type"`
	EventName string            `json:"event_name"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   any               `json:"payload"`
}

type publisherHolder struct{ Publisher }

var defaultPublisher atomic.Pointer[publisherHolder]

// SetPublisher installs the process-wide event publisher. nil disables events.
func SetPublisher(p Publisher) {
	if p == nil {
		defaultPublisher.Store(nil)
		return
	}
	defaultPublisher.Store(&publisherHolder{p})
}

// PublishEvent sends env through the installed publisher, if any, and counts
// failures.
func PublishEvent(ctx context.Context, routingKey string, env EventEnvelope) error {
	holder := defaultPublisher.Load()
	if holder == nil {
		return nil
	}
	if err := holder.Publish(ctx, routingKey, env); err != nil {
		IncAMQPPublishError()
		return err
	}
	return nil
}

// TraceHeaders carries request correlation ids. Empty ids are left out.
func TraceHeaders(requestID, traceID string) map[string]string {
	headers := make(map[string]string, 2)
	for k, v := range map[string]string{"x-request-id": requestID, "trace_id": traceID} {
		if v != "" {
			headers[k] = v
		}
	}
	return headers
}
