package models

import (
	"time"

	"gorm.io/gorm"
)

// AgentSession is the durable row behind one generation session
type AgentSession struct {
	ID        string    `json:"id" gorm:"primarykey;size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID string `json:"user_id" gorm:"index;size:64"`
	Query  string `json:"query" gorm:"type:text"`

	// State is the serialised session snapshot
	State string `json:"-" gorm:"type:text;not null"`
}

// TableName pins the session table name.
func (AgentSession) TableName() string { return "agent_sessions" }

// App is the user-facing record of a generated application
type App struct {
	ID        string         `json:"id" gorm:"primarykey;size:64"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	UserID         string `json:"user_id" gorm:"index;size:64;not null"`
	Title          string `json:"title" gorm:"size:100"`
	Description    string `json:"description"`
	OriginalPrompt string `json:"original_prompt" gorm:"type:text"`
	FinalPrompt    string `json:"final_prompt" gorm:"type:text"`
	Framework      string `json:"framework"`
	Visibility     string `json:"visibility" gorm:"default:'private'"` // private, public
	Status         string `json:"status" gorm:"default:'generating'"`  // generating, completed, failed

	ParentAppID    *string    `json:"parent_app_id,omitempty" gorm:"index;size:64"`
	DeploymentURL  string     `json:"deployment_url"`
	LastDeployedAt *time.Time `json:"last_deployed_at,omitempty"`
	Version        int        `json:"version" gorm:"default:1"`
}

// CreditAccount holds a user's generation credits
type CreditAccount struct {
	UserID    string    `json:"user_id" gorm:"primarykey;size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Balance        int       `json:"balance" gorm:"not null;default:0"`
	MonthlyGrant   int       `json:"monthly_grant" gorm:"not null;default:10"`
	LastRefilledAt time.Time `json:"last_refilled_at"`
	LifetimeUsed   int       `json:"lifetime_used" gorm:"default:0"`
}

// UserModelConfig is a per-user override of one action's model settings
type UserModelConfig struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID          string  `json:"user_id" gorm:"uniqueIndex:idx_user_action;size:64;not null"`
	ActionKey       string  `json:"action_key" gorm:"uniqueIndex:idx_user_action;size:64;not null"`
	ModelName       string  `json:"model_name"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	ReasoningEffort string  `json:"reasoning_effort"`
	FallbackModel   string  `json:"fallback_model"`
	IsActive        bool    `json:"is_active" gorm:"default:true"`
}

// All returns every model for auto-migration.
func All() []interface{} {
	return []interface{}{
		&AgentSession{},
		&App{},
		&CreditAccount{},
		&UserModelConfig{},
	}
}
