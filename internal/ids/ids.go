// Package ids provides the fleet's pane- and agent-addressing helpers:
// turning a raw multiplexer pane id into a filesystem-safe name, and
// resolving group addresses (@all, @active, @swarm:X, @type:T,
// @coordinators) against a snapshot of known agents.
package ids

import "strings"

// SafePane converts a multiplexer pane id into a filesystem-safe name by
// replacing ':' and '.' with '-' (the SAFE_PANE transform).
func SafePane(paneID string) string {
	s := strings.ReplaceAll(paneID, ":", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s
}

// GroupKind classifies a recipient address parsed by ParseGroup.
type GroupKind int

const (
	// Individual is a plain agent name, not a group.
	Individual GroupKind = iota
	All
	Active
	Swarm
	Type
	Coordinators
)

// Group is a parsed recipient address.
type Group struct {
	Kind GroupKind
	Name string // plain agent name (Individual), swarm name (Swarm), or type (Type)
}

// ParseGroup parses a recipient address, recognizing the fleet's group
// syntax: @all, @active, @swarm:<name>, @type:<T>, @coordinators. Anything
// else is treated as an individual agent name.
func ParseGroup(addr string) Group {
	if !strings.HasPrefix(addr, "@") {
		return Group{Kind: Individual, Name: addr}
	}

	body := strings.TrimPrefix(addr, "@")
	switch {
	case body == "all":
		return Group{Kind: All}
	case body == "active":
		return Group{Kind: Active}
	case body == "coordinators":
		return Group{Kind: Coordinators}
	case strings.HasPrefix(body, "swarm:"):
		return Group{Kind: Swarm, Name: strings.TrimPrefix(body, "swarm:")}
	case strings.HasPrefix(body, "type:"):
		return Group{Kind: Type, Name: strings.TrimPrefix(body, "type:")}
	default:
		// Unrecognized @-prefixed token: treat literally rather than silently
		// resolving to nothing.
		return Group{Kind: Individual, Name: addr}
	}
}
