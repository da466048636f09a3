package convstore

import "time"

// ConversationRecord is the GORM-mapped row for a conversation.
type ConversationRecord struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	OwnerSubject string    `gorm:"size:255;not null;index:idx_conversations_owner_subject" json:"owner_subject"`
	Title        string    `gorm:"size:255" json:"title"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

// TableName pins the table name so it matches the migration files exactly.
func (ConversationRecord) TableName() string { return "conversations" }

// Role enumerates the three message roles the store accepts.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageRecord is the GORM-mapped row for one message in a conversation.
type MessageRecord struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	ConversationID string    `gorm:"size:64;not null;index:idx_messages_conversation_id;uniqueIndex:uq_messages_conversation_sequence,priority:1" json:"conversation_id"`
	Sequence       int       `gorm:"not null;uniqueIndex:uq_messages_conversation_sequence,priority:2" json:"sequence"`
	Role           Role      `gorm:"size:32;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	DirectivePayload string  `gorm:"type:text" json:"directive_payload,omitempty"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

// TableName pins the table name so it matches the migration files exactly.
func (MessageRecord) TableName() string { return "messages" }

// Conversation is the facade's public view of a conversation and its
// ordered messages.
type Conversation struct {
	ID           string
	OwnerSubject string
	Title        string
	MessageCount int
	CreatedAt    time.Time
	Messages     []Message
}

// Message is the facade's public view of one persisted message.
type Message struct {
	ID               string
	ConversationID   string
	Sequence         int
	Role             Role
	Content          string
	DirectivePayload string
	CreatedAt        time.Time
}

// ConversationSummary is the row shape returned by ListConversations,
// omitting message bodies.
type ConversationSummary struct {
	ID           string
	Title        string
	MessageCount int
	CreatedAt    time.Time
}
