// Package hub fans JSON events out to websocket subscribers. Slow
// subscribers are disconnected rather than allowed to stall the sender.
package hub

import (
	"encoding/json"
	"time"
)

// Envelope is the frame written to subscribers.
type Envelope struct {
	Kind string          `json:"kind"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps v in an Envelope of the given kind.
func Encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: kind, Time: time.Now().UTC(), Data: data})
}
