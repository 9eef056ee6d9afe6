// ABOUTME: Internal user and external identity records
// ABOUTME: Identities tie platform handles to exactly one user at a time

package chat

import "time"

// User is an internal identity. Users are never destroyed while referenced.
type User struct {
	ID          string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Identity links a User to one platform handle. (Platform, PlatformUserID)
// is globally unique while linked; unlink frees the handle for re-linking.
type Identity struct {
	ID             string    `json:"identityId"`
	UserID         string    `json:"userId"`
	Platform       Platform  `json:"platform"`
	PlatformUserID string    `json:"platformUserId"`
	Verified       bool      `json:"verified"`
	LinkedAt       time.Time `json:"linkedAt"`
}
