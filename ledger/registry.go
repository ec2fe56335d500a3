package ledger

import (
	"fmt"
	"time"
)

// registerStakeholder creates a stakeholder record. Admin only. Fails
// with ALREADY_EXISTS while the address is active; re-registering a
// deactivated address succeeds and reactivates it with a fresh record.
func (e *Engine) registerStakeholder(sender string, p RegisterStakeholderPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.isAdmin(sender) {
		return nil, errUnauthorized(fmt.Sprintf("%s is not an admin", sender))
	}
	if p.Address == "" {
		return nil, errInvalidTx("stakeholder address is required")
	}
	if existing, ok := e.state.Stakeholders[p.Address]; ok && existing.Active {
		return nil, errAlreadyExists(fmt.Sprintf("stakeholder %s is already registered", p.Address))
	}

	e.state.Stakeholders[p.Address] = &Stakeholder{
		Address:      p.Address,
		Name:         p.Name,
		RoleLabel:    p.RoleLabel,
		LicenseInfo:  p.LicenseInfo,
		Active:       true,
		RegisteredAt: blockTime.UTC(),
	}

	return &ApplyResult{
		Data: mustMarshal(map[string]string{"address": p.Address}),
		Info: fmt.Sprintf("stakeholder %s registered", p.Address),
		Events: []Event{newEvent("stakeholder_registered", blockTime,
			EventAttribute{Key: "address", Value: p.Address},
			EventAttribute{Key: "name", Value: p.Name},
		)},
	}, nil
}

// grantRole grants a capability role to a registered stakeholder. Admin
// only. Re-granting a held role is a no-op beyond re-emitting the event.
func (e *Engine) grantRole(sender string, p GrantRolePayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.isAdmin(sender) {
		return nil, errUnauthorized(fmt.Sprintf("%s is not an admin", sender))
	}
	role, err := ParseRole(p.Role)
	if err != nil {
		return nil, errInvalidTx(err.Error())
	}
	s, ok := e.state.Stakeholders[p.Address]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("stakeholder %s is not registered", p.Address))
	}

	s.Roles.Grant(role)

	return &ApplyResult{
		Data: mustMarshal(map[string]string{"address": p.Address, "role": role.String()}),
		Info: fmt.Sprintf("role %s granted to %s", role, p.Address),
		Events: []Event{newEvent("role_granted", blockTime,
			EventAttribute{Key: "address", Value: p.Address},
			EventAttribute{Key: "role", Value: role.String()},
		)},
	}, nil
}

// deactivateStakeholder soft-deletes a stakeholder. Admin only.
// Idempotent: deactivating twice leaves the same state. Granted roles are
// not revoked; the active gate in hasCapability makes them inert.
func (e *Engine) deactivateStakeholder(sender string, p DeactivatePayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.isAdmin(sender) {
		return nil, errUnauthorized(fmt.Sprintf("%s is not an admin", sender))
	}
	s, ok := e.state.Stakeholders[p.Address]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("stakeholder %s is not registered", p.Address))
	}

	s.Active = false

	return &ApplyResult{
		Data: mustMarshal(map[string]string{"address": p.Address}),
		Info: fmt.Sprintf("stakeholder %s deactivated", p.Address),
		Events: []Event{newEvent("stakeholder_deactivated", blockTime,
			EventAttribute{Key: "address", Value: p.Address},
		)},
	}, nil
}

// GetStakeholder returns a copy of the stakeholder record.
func (e *Engine) GetStakeholder(addr string) (*Stakeholder, *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.state.Stakeholders[addr]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("stakeholder %s is not registered", addr))
	}
	return copyStakeholder(s), nil
}

// IsActiveStakeholder reports whether addr is registered and active.
func (e *Engine) IsActiveStakeholder(addr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.state.Stakeholders[addr]
	return ok && s.Active
}

// HasCapability reports whether addr is an active stakeholder holding
// the given role.
func (e *Engine) HasCapability(addr string, role Role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasCapability(addr, role)
}
