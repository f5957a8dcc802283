// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package authz decides who may query the audit trail and who may see
// decrypted sensitive fields. Decisions are delegated to a Casbin RBAC
// policy; this package's only obligation is that an unauthorized caller
// gets nothing, not a partial view.
package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Actions on the audit object.
const (
	ObjectAudit = "audit"

	// ActionQuery gates reading the audit trail at all.
	ActionQuery = "query"

	// ActionDecrypt gates seeing sensitive fields in plaintext. Without
	// it, query results carry opaque ciphertext markers.
	ActionDecrypt = "decrypt"
)

// ErrUnauthorized is returned when a caller lacks a required permission.
var ErrUnauthorized = errors.New("caller is not authorized")

// Principal is the caller identity the API layer resolves from the token.
type Principal struct {
	UserID string
	Role   string
}

// Authorizer is what the query service consumes.
type Authorizer interface {
	// Allowed reports whether the principal may perform the action on
	// the object.
	Allowed(p Principal, object, action string) (bool, error)
}

// Config holds enforcer configuration.
type Config struct {
	// ModelPath overrides the embedded Casbin model.
	ModelPath string

	// PolicyPath overrides the embedded policy.
	PolicyPath string
}

// Enforcer wraps a Casbin enforcer over the audit access policy.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

var _ Authorizer = (*Enforcer)(nil)

// NewEnforcer builds the enforcer, using embedded model and policy when no
// paths are configured.
func NewEnforcer(cfg Config) (*Enforcer, error) {
	var m model.Model
	var err error
	if cfg.ModelPath != "" && fileExists(cfg.ModelPath) {
		m, err = model.NewModelFromFile(cfg.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" && fileExists(cfg.PolicyPath) {
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	return &Enforcer{enforcer: enforcer}, nil
}

// loadPolicy parses the embedded policy CSV.
func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch parts[0] {
		case "p":
			if len(parts) >= 4 {
				if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
					return fmt.Errorf("add policy %v: %w", parts[1:], err)
				}
			}
		case "g":
			if len(parts) >= 3 {
				if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
					return fmt.Errorf("add grouping policy %v: %w", parts[1:], err)
				}
			}
		}
	}
	return nil
}

// Allowed checks the principal's user ID first, then their role.
func (e *Enforcer) Allowed(p Principal, object, action string) (bool, error) {
	if p.UserID != "" {
		allowed, err := e.enforcer.Enforce(p.UserID, object, action)
		if err != nil {
			return false, fmt.Errorf("enforce: %w", err)
		}
		if allowed {
			return true, nil
		}
	}
	if p.Role == "" {
		return false, nil
	}

	allowed, err := e.enforcer.Enforce(p.Role, object, action)
	if err != nil {
		return false, fmt.Errorf("enforce: %w", err)
	}
	return allowed, nil
}

// AddRoleForUser assigns a role to a user at runtime.
func (e *Enforcer) AddRoleForUser(user, role string) error {
	if _, err := e.enforcer.AddGroupingPolicy(user, role); err != nil {
		return fmt.Errorf("add role: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
