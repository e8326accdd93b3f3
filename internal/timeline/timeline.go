// Package timeline models the append-only audit log embedded in every order.
package timeline

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

// SystemActor is recorded when no user drove the transition.
const SystemActor = "system"

// MetaGatewayEventID is the meta key holding the gateway's event id.
const MetaGatewayEventID = "gateway_event_id"

// Entry is a single immutable timeline record.
type Entry struct {
	At    time.Time               `json:"at"`
	Type  enums.TimelineEventType `json:"type"`
	Actor string                  `json:"actor"`
	Meta  map[string]any          `json:"meta,omitempty"`
}

// NewEntry builds an entry stamped in UTC, defaulting the actor to system.
func NewEntry(eventType enums.TimelineEventType, actor string, at time.Time, meta map[string]any) Entry {
	if actor == "" {
		actor = SystemActor
	}
	var copied map[string]any
	if len(meta) > 0 {
		copied = make(map[string]any, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
	}
	return Entry{At: at.UTC(), Type: eventType, Actor: actor, Meta: copied}
}

// Timeline is an ordered, append-only list of entries. The zero value is empty
// and ready to use. Append never touches the receiver's backing array, so a
// Timeline held by one reader is never changed by another's append.
type Timeline struct {
	entries []Entry
}

// New returns a timeline seeded with entries, copied.
func New(entries ...Entry) Timeline {
	if len(entries) == 0 {
		return Timeline{}
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return Timeline{entries: out}
}

// Append returns a new timeline with the entries added at the end.
func (t Timeline) Append(entries ...Entry) Timeline {
	if len(entries) == 0 {
		return t
	}
	out := make([]Entry, 0, len(t.entries)+len(entries))
	out = append(out, t.entries...)
	out = append(out, entries...)
	return Timeline{entries: out}
}

func (t Timeline) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the log.
func (t Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Last returns the most recent entry.
func (t Timeline) Last() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Since returns entries appended after the first n.
func (t Timeline) Since(n int) []Entry {
	if n < 0 {
		n = 0
	}
	if n >= len(t.entries) {
		return nil
	}
	out := make([]Entry, len(t.entries)-n)
	copy(out, t.entries[n:])
	return out
}

func (t Timeline) Contains(eventType enums.TimelineEventType) bool {
	for _, e := range t.entries {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// HasGatewayEvent reports whether an entry already records the given gateway event.
func (t Timeline) HasGatewayEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, e := range t.entries {
		if id, ok := e.Meta[MetaGatewayEventID].(string); ok && id == eventID {
			return true
		}
	}
	return false
}

// IsPrefixOf reports whether every entry of t appears unchanged at the head of other.
func (t Timeline) IsPrefixOf(other Timeline) bool {
	if len(t.entries) > len(other.entries) {
		return false
	}
	for i, e := range t.entries {
		o := other.entries[i]
		if !e.At.Equal(o.At) || e.Type != o.Type || e.Actor != o.Actor {
			return false
		}
	}
	return true
}

func (t Timeline) MarshalJSON() ([]byte, error) {
	if t.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.entries)
}

func (t *Timeline) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	t.entries = entries
	return nil
}
