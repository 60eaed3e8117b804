package models

import "time"

// Project is the unit of collaboration. LastSequence is the highest change
// sequence ever issued for the project.
type Project struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	LastSequence int64     `json:"last_sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is an authenticated principal
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member roles
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)
