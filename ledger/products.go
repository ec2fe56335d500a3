package ledger

import (
	"fmt"
	"strconv"
	"time"
)

// manufactureProduct creates a product from verified raw materials.
// Manufacturer capability required. The whole material list is validated
// before any state changes, so a failing id aborts the call without
// consuming a product id or touching the indices.
func (e *Engine) manufactureProduct(sender string, p ManufactureProductPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.hasCapability(sender, RoleManufacturer) {
		return nil, errUnauthorized(fmt.Sprintf("%s does not hold the manufacturer role", sender))
	}
	if p.Name == "" {
		return nil, errInvalidTx("product name is required")
	}
	for _, materialID := range p.MaterialIDs {
		m, ok := e.state.Materials[materialID]
		if !ok {
			return nil, errMaterialNotVerified(fmt.Sprintf("raw material %d does not exist", materialID))
		}
		if !m.Verified {
			return nil, errMaterialNotVerified(fmt.Sprintf("raw material %d is not verified", materialID))
		}
	}

	id := e.state.NextProductID
	e.state.NextProductID++
	e.state.Products[id] = &Product{
		ID:           id,
		Name:         p.Name,
		BatchNumber:  p.BatchNumber,
		Manufacturer: sender,
		CurrentOwner: sender,
		MaterialIDs:  append([]uint64(nil), p.MaterialIDs...),
		Status:       StatusManufactured,
		Recalled:     false,
		Expiry:       p.Expiry,
		CreatedAt:    blockTime.UTC(),
	}
	e.state.Batches[p.BatchNumber] = append(e.state.Batches[p.BatchNumber], id)
	e.state.Manufacturers[sender] = append(e.state.Manufacturers[sender], id)

	return &ApplyResult{
		Data: mustMarshal(map[string]uint64{"product_id": id}),
		Info: fmt.Sprintf("product %d manufactured", id),
		Events: []Event{newEvent("product_manufactured", blockTime,
			EventAttribute{Key: "product_id", Value: strconv.FormatUint(id, 10)},
			EventAttribute{Key: "batch_number", Value: p.BatchNumber},
			EventAttribute{Key: "manufacturer", Value: sender},
		)},
	}, nil
}

// GetProduct returns a copy of the product record.
func (e *Engine) GetProduct(id uint64) (*Product, *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.state.Products[id]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("product %d does not exist", id))
	}
	return copyProduct(p), nil
}

// GetBatchProducts returns the product ids created under a batch number,
// in creation order. An unknown batch yields an empty slice, not an error.
func (e *Engine) GetBatchProducts(batchNumber string) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.state.Batches[batchNumber]...)
}

// GetManufacturerProducts returns the product ids created by a
// manufacturer address, in creation order.
func (e *Engine) GetManufacturerProducts(addr string) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.state.Manufacturers[addr]...)
}

// VerifyProductAuthenticity recomputes authenticity for a product: it
// must exist, must not be recalled, and every referenced raw material
// must still be verified. The returned string names the failing check.
func (e *Engine) VerifyProductAuthenticity(id uint64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.state.Products[id]
	if !ok {
		return false, fmt.Sprintf("product %d is not registered on the ledger", id)
	}
	if p.Recalled {
		return false, fmt.Sprintf("product %d has been recalled", id)
	}
	for _, materialID := range p.MaterialIDs {
		m, ok := e.state.Materials[materialID]
		if !ok {
			return false, fmt.Sprintf("raw material %d referenced by product %d does not exist", materialID, id)
		}
		if !m.Verified {
			return false, fmt.Sprintf("raw material %d referenced by product %d is not verified", materialID, id)
		}
	}
	return true, fmt.Sprintf("product %d passed all authenticity checks", id)
}
