// Package models defines types shared across internal packages.
package models

// Role is a role granted to a user by the identity backend.
type Role struct {
	ID          int64  `json:"id"`
	RoleName    string `json:"roleName"`
	RoleCode    string `json:"roleCode"`
	Description string `json:"description"`
	Status      int    `json:"status"`
}

// Profile is the user record returned alongside a session token. Field
// names follow the backend wire format.
type Profile struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Nickname      string `json:"nickname"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Avatar        string `json:"avatar"`
	Status        int    `json:"status"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
	LastLoginTime string `json:"lastLoginTime"`
	LastLoginIP   string `json:"lastLoginIp"`
	IsDeleted     string `json:"isDeleted"`
	Roles         []Role `json:"roles"`
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}

	c := *p
	if p.Roles != nil {
		c.Roles = make([]Role, len(p.Roles))
		copy(c.Roles, p.Roles)
	}

	return &c
}

// DisplayName prefers the nickname, then the username, then the email.
func (p *Profile) DisplayName() string {
	switch {
	case p == nil:
		return ""
	case p.Nickname != "":
		return p.Nickname
	case p.Username != "":
		return p.Username
	default:
		return p.Email
	}
}

// HasRole reports whether the profile carries the given role code.
func (p *Profile) HasRole(code string) bool {
	if p == nil {
		return false
	}

	for _, r := range p.Roles {
		if r.RoleCode == code {
			return true
		}
	}

	return false
}
