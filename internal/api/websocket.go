package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the bus events pushed to websocket clients.
var streamTopics = []events.Event{
	events.EventOrderPending,
	events.EventOrderFilled,
	events.EventOrderFailed,
	events.EventBatchFailed,
	events.EventBreakerOpen,
	events.EventRiskAlert,
	events.EventEmergencyMode,
	events.EventScheduleFired,
}

type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Merge all event topics into one outbound stream.
	merged := make(chan wsFrame, 100)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		go func(topic events.Event, stream <-chan any) {
			defer unsub()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- wsFrame{Topic: string(topic), Payload: msg}:
					case <-done:
						return
					}
				}
			}
		}(topic, stream)
	}

	for frame := range merged {
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
