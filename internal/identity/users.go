package identity

import (
	"fmt"
	"strings"
)

// SeedUser is an account created at startup.
type SeedUser struct {
	Email    string
	Password string
	Roles    []string
}

// ParseUsers parses "email:password[:ROLE_A|ROLE_B],..." into seed users.
func ParseUsers(s string) ([]SeedUser, error) {
	var users []SeedUser

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid user entry (missing ':'): %s", entry)
		}

		email := strings.TrimSpace(parts[0])
		password := parts[1]

		if email == "" || password == "" {
			return nil, fmt.Errorf("empty email or password in: %s", entry)
		}

		u := SeedUser{Email: email, Password: password}

		if len(parts) == 3 && parts[2] != "" {
			u.Roles = strings.Split(parts[2], "|")
		}

		users = append(users, u)
	}

	return users, nil
}

// Seed creates every user in users.
func (s *Store) Seed(users []SeedUser) error {
	for _, u := range users {
		if _, err := s.AddUser("", u.Email, u.Password, u.Roles...); err != nil {
			return fmt.Errorf("seeding %s: %w", u.Email, err)
		}
	}

	return nil
}
