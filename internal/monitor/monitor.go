package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/internal/events"
)

// Monitor watches alert-worthy events and fans them out to sinks. Delivery is
// fire-and-forget: a failing sink is logged and never retried, and slow sinks
// cannot block the core.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
}

// alertTopics are the events that warrant operator notification.
var alertTopics = []events.Event{
	events.EventBreakerOpen,
	events.EventBatchFailed,
	events.EventRiskAlert,
	events.EventEmergencyMode,
}

// Start subscribes to alert topics until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Println("monitor not fully configured; skipping")
		return
	}
	for _, topic := range alertTopics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.deliver(formatAlert(topic, msg))
				}
			}
		}(topic, stream, unsub)
	}
}

func (m *Monitor) deliver(message string) {
	for _, sink := range m.Sinks {
		go func(s AlertSink) {
			if err := s.Send(message); err != nil {
				log.Printf("monitor: alert delivery failed: %v", err)
			}
		}(sink)
	}
}

func formatAlert(topic events.Event, msg any) string {
	return fmt.Sprintf("[%s] %s: %s", time.Now().Format(time.RFC3339), topic, toString(msg))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%+v", t)
	}
}
