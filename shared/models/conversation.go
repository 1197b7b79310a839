package models

import "time"

// Conversation is a messaging thread scoped to one (listing, buyer, seller) triple.
// ListingID becomes nil when the listing is deleted.
type Conversation struct {
	ID            string    `json:"id" db:"id"`
	ListingID     *string   `json:"listing_id" db:"listing_id"`
	BuyerID       string    `json:"buyer_id" db:"buyer_id"`
	SellerID      string    `json:"seller_id" db:"seller_id"`
	LastMessageAt time.Time `json:"last_message_at" db:"last_message_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// HasParticipant reports whether userID is the buyer or the seller
func (c *Conversation) HasParticipant(userID string) bool {
	return c.BuyerID == userID || c.SellerID == userID
}

// Counterpart returns the other participant's id
func (c *Conversation) Counterpart(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// MaxMessageLength is the maximum length of a chat message in characters
const MaxMessageLength = 4000

// Message is a single chat message inside a conversation
type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Content        string     `json:"content" db:"content"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ReadAt         *time.Time `json:"read_at" db:"read_at"`
	ClientRef      *string    `json:"client_ref,omitempty" db:"client_ref"`
}

// Unread reports whether the message is unread from the point of view of userID
func (m *Message) Unread(userID string) bool {
	return m.SenderID != userID && m.ReadAt == nil
}

// Profile is the public part of a user account
type Profile struct {
	ID        string `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	AvatarURL string `json:"avatar_url,omitempty" db:"avatar_url"`
}

// UnknownProfile is the placeholder shown when a referenced profile is missing
func UnknownProfile(id string) *Profile {
	return &Profile{ID: id, Username: "unknown"}
}
