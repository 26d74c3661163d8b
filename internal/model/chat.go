package model

import "time"

type ChatSession struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// ChatMessage is one turn of a conversation. ToolsUsed is a JSON array of
// tool names, populated on assistant messages only.
type ChatMessage struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	ToolsUsed string    `gorm:"type:jsonb" json:"tools_used,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_messages" }
