package domain

import "time"

type UserID string

// Identity is the authenticated principal behind a signaling connection.
type Identity struct {
	UserID UserID
	Name   string
	// Role is the role asserted by the token, if any. Room access may override it.
	Role Role
}

// Class binds a classroom to the media room its members join.
type Class struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	RoomID       RoomID    `json:"room_id"`
	TeacherID    UserID    `json:"teacher_id"`
	Participants []UserID  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *Class) HasParticipant(userID UserID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
