package domain

// User is owned by the profile subsystem; the chat core only reads it.
type User struct {
	ID         string `json:"_id" bson:"_id"`
	Name       string `json:"name" bson:"name"`
	Email      string `json:"email,omitempty" bson:"email,omitempty"`
	ProfilePic string `json:"profilePic,omitempty" bson:"profilePic,omitempty"`
}

// DisplayName returns the name used in system notices, falling back to the id
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// UserPresence is a user together with their live presence, sent on joinRoom
type UserPresence struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
	Online     bool   `json:"online"`
}

// WithPresence attaches an online flag to u
func (u *User) WithPresence(online bool) *UserPresence {
	return &UserPresence{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
		Online:     online,
	}
}
