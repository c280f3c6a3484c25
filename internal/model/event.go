package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChannelEvent is the envelope delivered on, and published to, a channel.
//
// Routing never inspects these fields; the channel name that selects the
// subscription travels alongside the payload.
type ChannelEvent struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	ChannelName string          `json:"channelName"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`

	// Raw is the exact payload received from the hub. Not serialized.
	Raw json.RawMessage `json:"-"`
}

// NewChannelEvent builds an outbound event with a fresh id and timestamp.
func NewChannelEvent(channel, name string, data json.RawMessage) ChannelEvent {
	return ChannelEvent{
		ID:          uuid.NewString(),
		Name:        name,
		ChannelName: channel,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// DecodeChannelEvent parses payload into an event. Raw is always set, even
// when the payload does not match the envelope shape.
func DecodeChannelEvent(payload json.RawMessage) (ChannelEvent, error) {
	ev := ChannelEvent{Raw: payload}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChannelEvent{Raw: payload}, err
	}
	ev.Raw = payload
	return ev, nil
}
