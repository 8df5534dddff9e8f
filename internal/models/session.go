package models

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// LoginOutcome is the uniform result of every login strategy that ends in
// a usable session. The JSON shape matches the backend login responses.
type LoginOutcome struct {
	Token   string   `json:"token"`
	Profile *Profile `json:"userInfo"`
}

// Valid reports whether the outcome carries both halves of a session.
func (o *LoginOutcome) Valid() bool {
	return o != nil && o.Token != "" && o.Profile != nil
}

// TokenSet is the credential bundle returned by an authorization code
// exchange. It must be turned into a LoginOutcome before it is stored.
type TokenSet struct {
	*oauth2.Token
}

// IDToken returns the OpenID Connect id_token, if the server sent one.
func (ts TokenSet) IDToken() string {
	if ts.Token == nil {
		return ""
	}

	v, _ := ts.Extra("id_token").(string)

	return v
}

// Access is the access requirement declared on a route. The zero value is
// Authenticated so routes without a declaration fail closed.
type Access int

const (
	Authenticated Access = iota
	Public
)

func (a Access) String() string {
	if a == Public {
		return "public"
	}

	return "authenticated"
}

// ParseAccess accepts "public" or "authenticated" (case-insensitive). An
// empty string is Authenticated.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "authenticated", "auth", "private":
		return Authenticated, nil
	case "public":
		return Public, nil
	default:
		return Authenticated, fmt.Errorf("unknown access requirement %q", s)
	}
}

// UnmarshalYAML lets route files spell access as a string.
func (a *Access) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parsed, err := ParseAccess(s)
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}
