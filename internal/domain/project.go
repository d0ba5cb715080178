package domain

import "time"

// Project groups applications under one environment, optionally owned by a team.
type Project struct {
	ID            string
	EnvironmentID string
	TeamID        string
	Name          string
	CreatedAt     time.Time
}
