package notify

import (
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
)

// Match selects events by kind and type. InternalOnly limits it to events
// about meta-alerts.
type Match struct {
	Kind         events.Kind `yaml:"kind"`
	Type         events.Type `yaml:"type"`
	InternalOnly bool        `yaml:"internal_only"`
}

func (m Match) accepts(e events.Event) bool {
	if m.Kind != e.Kind || m.Type != e.Type {
		return false
	}
	return !m.InternalOnly || e.Internal
}

// Route is the subscription of one channel
type Route struct {
	All     bool    `yaml:"all"`
	Matches []Match `yaml:"matches"`
}

// Wants reports whether the route subscribes to e
func (r Route) Wants(e events.Event) bool {
	if r.All {
		return true
	}
	for _, m := range r.Matches {
		if m.accepts(e) {
			return true
		}
	}
	return false
}

// Routes maps every channel to its subscription
type Routes map[database.Channel]Route

// DefaultRoutes sends every channel only the events a human should act on,
// so related alerts notify once through their incident. Dashboards follow
// the raw stream through the hub's feed, not through notifications.
func DefaultRoutes() Routes {
	urgent := Route{Matches: []Match{
		{Kind: events.KindIncident, Type: events.Created},
		{Kind: events.KindIncident, Type: events.Escalated},
		{Kind: events.KindIncident, Type: events.Resolved},
		{Kind: events.KindAlert, Type: events.Escalated},
		{Kind: events.KindAlert, Type: events.Created, InternalOnly: true},
	}}
	return Routes{
		database.ChannelRealtime: urgent,
		database.ChannelEmail:    urgent,
		database.ChannelWebhook:  urgent,
		database.ChannelChat:     urgent,
	}
}

// For returns the channels subscribed to e, in a stable order
func (r Routes) For(e events.Event) []database.Channel {
	var out []database.Channel
	for _, ch := range channelOrder {
		if route, ok := r[ch]; ok && route.Wants(e) {
			out = append(out, ch)
		}
	}
	return out
}

var channelOrder = []database.Channel{
	database.ChannelRealtime,
	database.ChannelEmail,
	database.ChannelWebhook,
	database.ChannelChat,
}
