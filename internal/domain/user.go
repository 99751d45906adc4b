package domain

import "time"

// User is an account known to the judge. The dispatcher core only ever
// reads a user's role set (for Problem.VisibleTo); everything else on the
// record belongs to the external REST surface.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is a named grant referenced by User.Roles and
// Problem.VisibilityRoles. "@everyone" is implicit and never stored.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
