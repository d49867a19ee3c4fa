// Package domain contains entity without logic, just meta-data
package domain

import "fmt"

type (
	// UserID is the stable numeric identifier handed to us by the
	// identity provider.
	UserID int64

	// MatchID identifies a pairing of two users.
	MatchID int64

	// RoomID names a signaling room. Two matched users share one room.
	RoomID string

	// CallDay counts how many days the underlying match has existed,
	// starting at 1.
	CallDay int
)

// RoomForMatch derives the canonical room id for a match.
func RoomForMatch(id MatchID) RoomID {
	return RoomID(fmt.Sprintf("match-%d", id))
}
