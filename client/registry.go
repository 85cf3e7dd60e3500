// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"sort"
	"sync"
)

// ErrClientExists is returned when registering a name twice.
var ErrClientExists = errors.New("client already registered")

// Registry holds named clients for an application that runs several
// endpoints. It is owned by the caller; there is no global instance.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[name]
	return c, ok
}

// GetOrCreate returns the named client, creating it with newFn if absent.
func (r *Registry) GetOrCreate(name string, newFn func() (*Client, error)) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	c, err := newFn()
	if err != nil {
		return nil, err
	}
	r.clients[name] = c
	return c, nil
}

// Register adds c under name.
func (r *Registry) Register(name string, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[name]; ok {
		return ErrClientExists
	}
	r.clients[name] = c
	return nil
}

// Remove unregisters and returns the named client without closing it.
func (r *Registry) Remove(name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[name]
	delete(r.clients, name)
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every client and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
