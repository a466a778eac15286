package config

import (
	"sort"
	"strings"
)

// Tag name attribute suffixes. The polling core treats tag names as opaque
// keys; only the panel-facing grouping below interprets them.
const (
	AttrStatus = "警報狀態" // alarm status, boolean
	AttrEnable = "警報開關" // alarm enable, boolean
	AttrReset  = "警報復歸" // reset, boolean, momentary
	AttrDelay  = "警報延遲" // delay seconds, numeric
)

// Room collects the tag names belonging to one room or facility. An empty
// field means the tag list does not carry that attribute for the room.
type Room struct {
	Floor  string // "2F"
	Label  string // "201客房"
	Status string
	Enable string
	Reset  string
	Delay  string
}

// Key is the stable identifier the panel uses for a room.
func (r Room) Key() string { return r.Floor + " " + r.Label }

// Matches reports whether an operator-typed room reference picks this room.
// "201", "201客房" and "2F 201客房" all match room 201 on floor 2F.
func (r Room) Matches(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	return ref == r.Label || ref == r.Key() || strings.HasPrefix(r.Label, ref)
}

// GroupRooms splits tag names of the form "<floor> <room> <subsystem>
// <attribute>" into per-room groups. Tags whose names do not follow the
// convention are returned separately; they still poll, the panel just lists
// them ungrouped. Rooms come back sorted by floor then label.
func GroupRooms(tags []Tag) ([]Room, []Tag) {
	byKey := make(map[string]*Room)
	var order []string
	var ungrouped []Tag

	for _, t := range tags {
		fields := strings.Fields(t.Name)
		if len(fields) < 3 {
			ungrouped = append(ungrouped, t)
			continue
		}
		attr := fields[len(fields)-1]
		if attr != AttrStatus && attr != AttrEnable && attr != AttrReset && attr != AttrDelay {
			ungrouped = append(ungrouped, t)
			continue
		}
		floor, label := fields[0], fields[1]
		key := floor + " " + label
		room, ok := byKey[key]
		if !ok {
			room = &Room{Floor: floor, Label: label}
			byKey[key] = room
			order = append(order, key)
		}
		switch attr {
		case AttrStatus:
			room.Status = t.Name
		case AttrEnable:
			room.Enable = t.Name
		case AttrReset:
			room.Reset = t.Name
		case AttrDelay:
			room.Delay = t.Name
		}
	}

	sort.Strings(order)
	rooms := make([]Room, 0, len(order))
	for _, key := range order {
		rooms = append(rooms, *byKey[key])
	}
	return rooms, ungrouped
}

// FindRoom resolves an operator-typed room reference against a room list.
func FindRoom(rooms []Room, ref string) (Room, bool) {
	for _, r := range rooms {
		if r.Matches(ref) {
			return r, true
		}
	}
	return Room{}, false
}
