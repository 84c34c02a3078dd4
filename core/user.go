package core

import "time"

// DefaultRole is assigned to users created on first login.
const DefaultRole = "viewer"

// User is an account known to the user directory.
type User struct {
	ID        string
	Address   string
	Role      string
	Name      string
	Email     string
	Picture   string
	CreatedAt time.Time
}

// ProfileUpdate carries the optional fields a user may change about themselves.
type ProfileUpdate struct {
	Name    *string
	Email   *string
	Picture *string
}

// Apply copies the set fields onto u.
func (p ProfileUpdate) Apply(u *User) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Picture != nil {
		u.Picture = *p.Picture
	}
}

// UserView is the client-facing shape of a user.
type UserView struct {
	UserID  string `json:"userId"`
	Address string `json:"address"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// View maps the user to its response shape.
func (u *User) View() UserView {
	return UserView{
		UserID:  u.ID,
		Address: u.Address,
		Role:    u.Role,
		Name:    u.Name,
		Email:   u.Email,
		Picture: u.Picture,
	}
}
