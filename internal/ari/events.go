package ari

import "strings"

// Event names delivered on the control-plane websocket, preserved literally.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelStateChange  = "ChannelStateChange"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventPlaybackFinished    = "PlaybackFinished"
)

// Channel states reported by ChannelStateChange.
const (
	StateRinging = "Ringing"
	StateUp      = "Up"
)

// Channel is the channel snapshot embedded in events.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Playback is the playback snapshot embedded in playback events. TargetURI
// has the form "channel:<id>".
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
}

// ChannelID extracts the channel id from the playback target URI.
func (p *Playback) ChannelID() string {
	return strings.TrimPrefix(p.TargetURI, "channel:")
}

// Event is a single JSON frame from the event stream. Only the fields the
// engine consumes are decoded; unknown fields are ignored.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"`
	Channel     *Channel  `json:"channel,omitempty"`
	Playback    *Playback `json:"playback,omitempty"`
	Digit       string    `json:"digit,omitempty"`
	Cause       int       `json:"cause,omitempty"`
	CauseTxt    string    `json:"cause_txt,omitempty"`
	Args        []string  `json:"args,omitempty"`
}

// ChannelID returns the channel the event belongs to, or "" for events that
// carry no channel association.
func (e *Event) ChannelID() string {
	if e.Channel != nil {
		return e.Channel.ID
	}
	if e.Playback != nil {
		return e.Playback.ChannelID()
	}
	return ""
}
