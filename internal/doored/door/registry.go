package door

import (
	"errors"
	"fmt"
)

// Registry holds every configured controller, built once at startup
// from the wiring table. Exactly one door must be flagged admin: its
// reader serves logins and command binding and never opens for
// ordinary traffic.
type Registry struct {
	all   []*Controller
	byID  map[string]*Controller
	admin *Controller
}

func NewRegistry(controllers []*Controller) (*Registry, error) {
	r := &Registry{
		all:  controllers,
		byID: make(map[string]*Controller, len(controllers)),
	}
	for _, c := range controllers {
		if _, dup := r.byID[c.ID()]; dup {
			return nil, fmt.Errorf("duplicate door id %q", c.ID())
		}
		r.byID[c.ID()] = c
		if c.IsAdmin() {
			if r.admin != nil {
				return nil, errors.New("more than one admin door configured")
			}
			r.admin = c
		}
	}
	if r.admin == nil {
		return nil, errors.New("no admin door configured")
	}
	return r, nil
}

// All returns the controllers in configuration order.
func (r *Registry) All() []*Controller { return r.all }

func (r *Registry) ByID(id string) (*Controller, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Admin returns the dedicated admin door.
func (r *Registry) Admin() *Controller { return r.admin }
