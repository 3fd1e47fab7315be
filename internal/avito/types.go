package avito

import (
	"encoding/json"
	"strings"
	"time"
)

// Subscription is one registered webhook.
type Subscription struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

// ChatsOptions filters ListChats.
type ChatsOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
	ChatTypes  []string
	ItemIDs    []int64
}

// Chat is a messenger chat as returned by the v2 API.
type Chat struct {
	ID          string      `json:"id"`
	Context     ChatContext `json:"context"`
	Users       []ChatUser  `json:"users"`
	Created     int64       `json:"created"`
	Updated     int64       `json:"updated"`
	LastMessage *Message    `json:"last_message,omitempty"`
}

// ChatContext carries the listing the chat is about.
type ChatContext struct {
	Type  string `json:"type"`
	Value Item   `json:"value"`
}

// Item is an Avito listing.
type Item struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	PriceString string   `json:"price_string"`
	URL         string   `json:"url"`
	UserID      int64    `json:"user_id"`
	Location    Location `json:"location"`
}

// Location of a listing.
type Location struct {
	Title string  `json:"title"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

// ChatUser is a chat participant.
type ChatUser struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	PublicUserProfile *PublicProfile `json:"public_user_profile,omitempty"`
}

// PublicProfile is the public part of a user profile.
type PublicProfile struct {
	UserID int64  `json:"user_id"`
	ItemID int64  `json:"item_id"`
	URL    string `json:"url"`
}

// Interlocutor returns the participant that is not accountID.
func (c *Chat) Interlocutor(accountID int64) (ChatUser, bool) {
	for _, u := range c.Users {
		if u.ID != accountID {
			return u, true
		}
	}
	return ChatUser{}, false
}

// Account returns the participant matching accountID.
func (c *Chat) Account(accountID int64) (ChatUser, bool) {
	for _, u := range c.Users {
		if u.ID == accountID {
			return u, true
		}
	}
	return ChatUser{}, false
}

// Message is one chat message as returned by the v3 API.
type Message struct {
	ID        string         `json:"id"`
	AuthorID  int64          `json:"author_id"`
	Content   MessageContent `json:"content"`
	Created   int64          `json:"created"`
	Direction string         `json:"direction"`
	Type      string         `json:"type"`
	IsRead    bool           `json:"is_read"`
}

// MessageContent holds the payload of a message. Only text is interpreted.
type MessageContent struct {
	Text string `json:"text"`
}

// CreatedAt converts the unix timestamp of the message.
func (m *Message) CreatedAt() time.Time {
	if m.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(m.Created, 0)
}

// IsSystem reports whether the message was generated by Avito.
func (m *Message) IsSystem() bool {
	return strings.Contains(strings.ToLower(m.Type), "system")
}

// SentMessage is the answer to SendText and SendImage.
type SentMessage struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Type    string `json:"type"`
}

// decodeMessages accepts a bare list or an object with a messages field.
func decodeMessages(body []byte) ([]Message, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []Message
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Messages, nil
}
