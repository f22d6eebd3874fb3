// Package schema defines the data structures shared by the task service,
// its transports and the client SDK.
package schema

import "time"

// Role names used by the service. Any non-empty role is accepted at
// registration; these are the ones the CLI and tests use.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User is a registered identity. The password hash is deliberately absent:
// storage keeps it beside the record and only hands it out for login.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
