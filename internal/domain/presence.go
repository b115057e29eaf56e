package domain

import "time"

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceState is the record stored for one user.
type PresenceState struct {
	State       PresenceStatus `json:"state"`
	LastChanged time.Time      `json:"lastChanged"`
}

// PresenceMap maps user ids to their latest presence record.
type PresenceMap map[string]PresenceState

// OnlineCount returns the number of users currently marked online.
func (m PresenceMap) OnlineCount() int {
	n := 0
	for _, p := range m {
		if p.State == PresenceOnline {
			n++
		}
	}
	return n
}
