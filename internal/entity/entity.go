// Package entity defines the relay's tenant documents, servers and the users
// that own them, plus a read-through cached store backed by Redis.
package entity

import "errors"

// ErrNotFound is returned when a server or user document does not exist.
var ErrNotFound = errors.New("entity: not found")

// Plan is a subscription tier. Unknown plans fall back to the hobby limits.
type Plan string

const (
	PlanHobby      Plan = "hobby"
	PlanStartup    Plan = "startup"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Server is a tenant relay endpoint. Publishers authenticate with its
// password; clients authenticate with tokens signed by it.
type Server struct {
	ID       string `json:"id"`
	Password string `json:"password"`
	Owner    string `json:"owner"`
	Region   string `json:"region"`
}

// User owns servers and carries the plan that bounds their usage.
type User struct {
	Email   string   `json:"email"`
	Plan    Plan     `json:"plan"`
	Servers []string `json:"servers"`
}
