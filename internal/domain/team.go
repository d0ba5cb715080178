package domain

import "time"

// Team is an access-control group scoped to one environment and backed by one namespace.
type Team struct {
	ID            string
	EnvironmentID string
	Name          string
	Namespace     string
	CreatedAt     time.Time
}

// UserRoleBinding links a user to a team with a role.
type UserRoleBinding struct {
	TeamID    string
	UserID    string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}
