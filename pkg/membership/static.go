package membership

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
)

// Seed is the on-disk shape of a static membership file:
//
//	scopes:
//	  acme:
//	    founder: f1
//	    members:
//	      m1: approved
//	      m2: pending
//	blocks:
//	  m1: [m2]
//	contacts:
//	  m1: {phone: "+15550100", verified: true}
type Seed struct {
	Scopes   map[string]ScopeSeed `yaml:"scopes"`
	Blocks   map[string][]string  `yaml:"blocks"`
	Contacts map[string]Contact   `yaml:"contacts"`
}

type ScopeSeed struct {
	Founder string          `yaml:"founder"`
	Members map[string]Role `yaml:"members"`
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu       sync.RWMutex
	roles    map[string]map[string]Role // scope -> identity -> role
	blocks   map[string]map[string]struct{}
	contacts map[string]Contact
}

func NewStatic() *StaticDirectory {
	return &StaticDirectory{
		roles:    make(map[string]map[string]Role),
		blocks:   make(map[string]map[string]struct{}),
		contacts: make(map[string]Contact),
	}
}

// LoadStatic reads a seed file. An empty path yields an empty directory.
func LoadStatic(path string) (*StaticDirectory, error) {
	d := NewStatic()
	if path == "" {
		return d, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read membership seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("parse membership seed %s: %w", path, err)
	}
	if err := d.Apply(seed); err != nil {
		return nil, err
	}
	logger.Info("membership_seed_loaded", "path", path, "scopes", len(seed.Scopes), "contacts", len(seed.Contacts))
	return d, nil
}

// Apply merges seed into the directory.
func (d *StaticDirectory) Apply(seed Seed) error {
	for scope, ss := range seed.Scopes {
		for id, role := range ss.Members {
			if err := d.SetRole(scope, id, role); err != nil {
				return err
			}
		}
		if ss.Founder != "" {
			if err := d.SetRole(scope, ss.Founder, RoleFounder); err != nil {
				return err
			}
		}
	}
	for blocker, list := range seed.Blocks {
		for _, blocked := range list {
			d.Block(blocker, blocked)
		}
	}
	for id, c := range seed.Contacts {
		d.SetContact(id, c)
	}
	return nil
}

func (d *StaticDirectory) SetRole(scope, identity string, role Role) error {
	if scope == "" || identity == "" {
		return errs.Invalid("membership.set_role", "scope and identity are required")
	}
	if !role.Valid() {
		return errs.Invalid("membership.set_role", fmt.Sprintf("unknown role %q", role))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.roles[scope]
	if !ok {
		m = make(map[string]Role)
		d.roles[scope] = m
	}
	if role == RoleNone {
		delete(m, identity)
		return nil
	}
	m[identity] = role
	return nil
}

// Block records that blocker blocks blocked.
func (d *StaticDirectory) Block(blocker, blocked string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.blocks[blocker]
	if !ok {
		m = make(map[string]struct{})
		d.blocks[blocker] = m
	}
	m[blocked] = struct{}{}
}

func (d *StaticDirectory) SetContact(identity string, c Contact) {
	d.mu.Lock()
	d.contacts[identity] = c
	d.mu.Unlock()
}

func (d *StaticDirectory) Role(_ context.Context, identity, scope string) (Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.roles[scope][identity]; ok {
		return r, nil
	}
	return RoleNone, nil
}

func (d *StaticDirectory) Members(_ context.Context, scope string) ([]Member, error) {
	d.mu.RLock()
	out := make([]Member, 0, len(d.roles[scope]))
	for id, r := range d.roles[scope] {
		out = append(out, Member{Identity: id, Role: r})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (d *StaticDirectory) Blocks(_ context.Context, blocker, blocked string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blocks[blocker][blocked]
	return ok, nil
}

func (d *StaticDirectory) Contact(_ context.Context, identity string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contacts[identity], nil
}
