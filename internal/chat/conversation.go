// ABOUTME: Conversation and participant model with membership intervals
// ABOUTME: Join/leave history is immutable and drives history visibility

package chat

import (
	"fmt"
	"time"
)

// ConversationType distinguishes direct chats from groups.
type ConversationType string

const (
	ConversationOneToOne ConversationType = "ONE_TO_ONE"
	ConversationGroup    ConversationType = "GROUP"
)

// Participant size bounds. ONE_TO_ONE is exactly 2; GROUP is 2..100.
const (
	MinParticipants = 2
	MaxParticipants = 100
)

// ParseConversationType normalizes a string into a ConversationType.
func ParseConversationType(s string) (ConversationType, error) {
	switch ConversationType(s) {
	case ConversationOneToOne:
		return ConversationOneToOne, nil
	case ConversationGroup:
		return ConversationGroup, nil
	default:
		return "", fmt.Errorf("unknown conversation type %q", s)
	}
}

// Participant is one membership interval for a user. A rejoin appends a new
// entry rather than mutating the old one, so the full join/leave history
// stays available to the visibility filter.
type Participant struct {
	UserID   string     `json:"userId" bson:"user_id"`
	JoinedAt time.Time  `json:"joinedAt" bson:"joined_at"`
	LeftAt   *time.Time `json:"leftAt,omitempty" bson:"left_at,omitempty"`
}

// Active reports whether the interval covers t.
func (p Participant) Active(t time.Time) bool {
	if t.Before(p.JoinedAt) {
		return false
	}
	return p.LeftAt == nil || t.Before(*p.LeftAt)
}

// PlatformRef binds a conversation to an external chat so inbound webhooks
// can find their way back to it.
type PlatformRef struct {
	Platform       Platform `json:"platform" bson:"platform"`
	PlatformChatID string   `json:"platformChatId" bson:"platform_chat_id"`
}

// Conversation is a thread connecting 2..100 participants, possibly across
// platforms.
type Conversation struct {
	ID             string           `json:"conversationId" bson:"_id"`
	Type           ConversationType `json:"type" bson:"type"`
	Participants   []Participant    `json:"participants" bson:"participants"`
	PrimaryChannel Platform         `json:"primaryChannel,omitempty" bson:"primary_channel,omitempty"`
	PlatformRefs   []PlatformRef    `json:"platformRefs,omitempty" bson:"platform_refs,omitempty"`
	CreatedAt      time.Time        `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time        `json:"updatedAt" bson:"updated_at"`
}

// ActiveParticipants returns the user ids with a live membership interval
// at time t, in participant order, without duplicates.
func (c *Conversation) ActiveParticipants(t time.Time) []string {
	seen := make(map[string]bool, len(c.Participants))
	var out []string
	for _, p := range c.Participants {
		if p.Active(t) && !seen[p.UserID] {
			seen[p.UserID] = true
			out = append(out, p.UserID)
		}
	}
	return out
}

// IsActiveParticipant reports whether userID has a live interval at t.
func (c *Conversation) IsActiveParticipant(userID string, t time.Time) bool {
	for _, p := range c.Participants {
		if p.UserID == userID && p.Active(t) {
			return true
		}
	}
	return false
}

// VisibleAt reports whether a message created at ts is visible to userID
// under the join-timestamp rule: the message must fall inside one of the
// user's membership intervals.
func (c *Conversation) VisibleAt(userID string, ts time.Time) bool {
	for _, p := range c.Participants {
		if p.UserID != userID {
			continue
		}
		if !ts.Before(p.JoinedAt) && (p.LeftAt == nil || ts.Before(*p.LeftAt)) {
			return true
		}
	}
	return false
}

// ValidateParticipantCount enforces the size bounds for a conversation type.
func ValidateParticipantCount(t ConversationType, n int) error {
	switch t {
	case ConversationOneToOne:
		if n != MinParticipants {
			return fmt.Errorf("ONE_TO_ONE requires exactly %d participants, got %d", MinParticipants, n)
		}
	case ConversationGroup:
		if n < MinParticipants || n > MaxParticipants {
			return fmt.Errorf("GROUP requires %d-%d participants, got %d", MinParticipants, MaxParticipants, n)
		}
	default:
		return fmt.Errorf("unknown conversation type %q", t)
	}
	return nil
}
