package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when an operation requires an active
	// session and none is present (or the token was revoked).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation is returned before any store call is attempted.
	ErrValidation = errors.New("validation failed")

	// ErrStoreUnavailable wraps read/write failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUploadFailed is returned when the object store rejects an upload.
	// An upload failure aborts the subsequent send.
	ErrUploadFailed = errors.New("upload failed")
)

// MaxMessageLength is the bound on text message bodies, in characters.
// Image messages carry a URL and are exempt.
const MaxMessageLength = 10000

// RoomID is the single shared room all messages belong to.
const RoomID = "general"

// Profile represents a user identity and its presentation metadata.
type Profile struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	IsAdmin   bool     `json:"isAdmin"`
	Theme     string   `json:"theme"`
	Presence  Presence `json:"presence"`
	CreatedAt int64    `json:"createdAt"` // Unix timestamp (milliseconds)
}

// ProfileSummary is the sender projection joined into messages.
type ProfileSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	IsAdmin   bool   `json:"isAdmin"`
}

func (p Profile) Summary() ProfileSummary {
	return ProfileSummary{
		ID:        p.ID,
		Username:  p.Username,
		AvatarURL: p.AvatarURL,
		IsAdmin:   p.IsAdmin,
	}
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// Message represents a single entry of the room conversation.
// ID and CreatedAt are assigned by the store on insert. CreatedAt is
// non-decreasing in assignment order, which is the only defined ordering;
// the relative order of equal timestamps is unspecified.
type Message struct {
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	SenderID  string          `json:"senderId"`
	IsImage   bool            `json:"isImage"`
	CreatedAt int64           `json:"createdAt"` // Unix timestamp (milliseconds)
	Sender    *ProfileSummary `json:"sender,omitempty"`
}

type FriendStatus string

const (
	FriendStatusPending  FriendStatus = "pending"
	FriendStatusAccepted FriendStatus = "accepted"
)

// Friendship is a directed request between two users. The
// (requester, target) pair is unique regardless of direction.
type Friendship struct {
	ID          string       `json:"id"`
	RequesterID string       `json:"requesterId"`
	TargetID    string       `json:"targetId"`
	Status      FriendStatus `json:"status"`
	CreatedAt   int64        `json:"createdAt"`
}

// Other returns the counterpart of userID in the friendship.
func (f Friendship) Other(userID string) string {
	if f.RequesterID == userID {
		return f.TargetID
	}
	return f.RequesterID
}

// Themes the settings dialog offers. The first one is the default.
var Themes = []string{"dark", "light", "midnight", "dracula", "synthwave", "retro-green"}

func ValidTheme(name string) bool {
	for _, t := range Themes {
		if t == name {
			return true
		}
	}
	return false
}

// ClientMessage represents a frame sent from the browser to the server.
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	Content string            `json:"content"`
	IsImage bool              `json:"isImage,omitempty"`
}

// ServerMessage represents a frame pushed to the browser.
type ServerMessage struct {
	Type     ServerMessageType `json:"type"`
	UserID   string            `json:"userId,omitempty"`
	Online   bool              `json:"online,omitempty"`
	Error    string            `json:"error,omitempty"`
	Messages []Message         `json:"messages,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeSend ClientMessageType = "send"
)

type ServerMessageType string

const (
	ServerMessageTypeMessages ServerMessageType = "messages"
	ServerMessageTypeOnline   ServerMessageType = "online"
	ServerMessageTypeOffline  ServerMessageType = "offline"
	ServerMessageTypeError    ServerMessageType = "error"
)
