// ABOUTME: Shared participant mutation logic for both store engines
// ABOUTME: Applies add/remove intervals, validates bounds, and builds SYSTEM messages

package msgstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
)

// participantChange is the payload of a synthetic SYSTEM message.
type participantChange struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// applyParticipantChange mutates a conversation's membership intervals in
// place. Adds append fresh intervals; removes close the live interval.
// Returns ErrInvalidTransition wrapped errors for rule violations.
func applyParticipantChange(conv *chat.Conversation, params ModifyParticipantsParams) error {
	if conv.Type != chat.ConversationGroup {
		return fmt.Errorf("%w: participants of a %s conversation are fixed", ErrInvalidTransition, conv.Type)
	}
	if len(params.Add) == 0 && len(params.Remove) == 0 {
		return fmt.Errorf("%w: no participant changes requested", ErrInvalidTransition)
	}

	at := params.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for _, userID := range params.Add {
		if conv.IsActiveParticipant(userID, at) {
			return fmt.Errorf("%w: %s is already a participant", ErrInvalidTransition, userID)
		}
	}
	for _, userID := range params.Remove {
		if !conv.IsActiveParticipant(userID, at) {
			return fmt.Errorf("%w: %s is not an active participant", ErrInvalidTransition, userID)
		}
	}

	after := len(conv.ActiveParticipants(at)) + len(params.Add) - len(params.Remove)
	if err := chat.ValidateParticipantCount(conv.Type, after); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	for _, userID := range params.Remove {
		for i := range conv.Participants {
			p := &conv.Participants[i]
			if p.UserID == userID && p.Active(at) {
				leftAt := at
				p.LeftAt = &leftAt
			}
		}
	}
	for _, userID := range params.Add {
		conv.Participants = append(conv.Participants, chat.Participant{
			UserID:   userID,
			JoinedAt: at,
		})
	}
	conv.UpdatedAt = at

	return nil
}

// buildSystemMessage creates the synthetic record of a membership change.
// It is born terminal: it is never dispatched, only stored and pushed live.
func buildSystemMessage(conv *chat.Conversation, params ModifyParticipantsParams, at time.Time) (*chat.Message, error) {
	content, err := json.Marshal(participantChange{
		Added:   params.Add,
		Removed: params.Remove,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding participant change: %w", err)
	}

	return &chat.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       params.Actor,
		Content:        string(content),
		Channel:        chat.PlatformInternal,
		Kind:           chat.KindSystem,
		Status:         chat.StatusDelivered,
		StatusHistory: []chat.StatusEntry{
			{Status: chat.StatusDelivered, At: at, Reason: "participant_change"},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}
