package ledger

import (
	"fmt"
	"strconv"
	"time"
)

// addRawMaterial records a raw material intake. Manufacturer capability
// required. The record is created unverified and is never mutated again
// except for the one-way verified flip.
func (e *Engine) addRawMaterial(sender string, p AddRawMaterialPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.hasCapability(sender, RoleManufacturer) {
		return nil, errUnauthorized(fmt.Sprintf("%s does not hold the manufacturer role", sender))
	}
	if p.Name == "" {
		return nil, errInvalidTx("material name is required")
	}

	id := e.state.NextMaterialID
	e.state.NextMaterialID++
	e.state.Materials[id] = &RawMaterial{
		ID:           id,
		Name:         p.Name,
		Origin:       p.Origin,
		CertHash:     p.CertHash,
		Quantity:     p.Quantity,
		Expiry:       p.Expiry,
		Manufacturer: sender,
		Verified:     false,
		AddedAt:      blockTime.UTC(),
	}

	return &ApplyResult{
		Data: mustMarshal(map[string]uint64{"material_id": id}),
		Info: fmt.Sprintf("raw material %d added", id),
		Events: []Event{newEvent("raw_material_added", blockTime,
			EventAttribute{Key: "material_id", Value: strconv.FormatUint(id, 10)},
			EventAttribute{Key: "manufacturer", Value: sender},
		)},
	}, nil
}

// verifyRawMaterial flips the verified flag. Regulator capability
// required. Verifying an already-verified material is a no-op beyond
// re-emitting the event; the flag never goes back to false.
func (e *Engine) verifyRawMaterial(sender string, p VerifyRawMaterialPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.hasCapability(sender, RoleRegulator) {
		return nil, errUnauthorized(fmt.Sprintf("%s does not hold the regulator role", sender))
	}
	m, ok := e.state.Materials[p.MaterialID]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("raw material %d does not exist", p.MaterialID))
	}

	m.Verified = true

	return &ApplyResult{
		Data: mustMarshal(map[string]uint64{"material_id": m.ID}),
		Info: fmt.Sprintf("raw material %d verified", m.ID),
		Events: []Event{newEvent("raw_material_verified", blockTime,
			EventAttribute{Key: "material_id", Value: strconv.FormatUint(m.ID, 10)},
			EventAttribute{Key: "regulator", Value: sender},
		)},
	}, nil
}

// GetRawMaterial returns a copy of the material record.
func (e *Engine) GetRawMaterial(id uint64) (*RawMaterial, *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.state.Materials[id]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("raw material %d does not exist", id))
	}
	return copyMaterial(m), nil
}
