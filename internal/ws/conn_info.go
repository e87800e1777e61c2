package ws

import "time"

// ConnInfo describes one room connection for metrics and lifecycle events.
type ConnInfo struct {
	ConnID      string
	Room        string
	UserID      string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

type wsEventPayload struct {
	WS       wsEventDetail   `json:"ws"`
	Identity wsEventIdentity `json:"identity"`
}

type wsEventDetail struct {
	Room       string `json:"room"`
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

type wsEventIdentity struct {
	UserID string `json:"user_id"`
	IP     string `json:"ip"`
}

func (i ConnInfo) eventPayload(event, reason string, now time.Time) wsEventPayload {
	return wsEventPayload{
		WS: wsEventDetail{
			Room:       i.Room,
			Event:      event,
			ConnID:     i.ConnID,
			DurationMS: now.Sub(i.ConnectedAt).Milliseconds(),
			Reason:     reason,
		},
		Identity: wsEventIdentity{UserID: i.UserID, IP: i.IP},
	}
}
