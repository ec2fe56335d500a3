package ledger

import (
	"fmt"
	"strconv"
	"time"
)

// transferTargets is the custody state machine: the statuses a transfer
// may move a product into, keyed by current status. Sold and Recalled
// have no entries and admit no further transitions.
var transferTargets = map[Status][]Status{
	StatusManufactured:  {StatusInTransit, StatusAtDistributor, StatusAtPharmacy},
	StatusInTransit:     {StatusAtDistributor, StatusAtPharmacy},
	StatusAtDistributor: {StatusInTransit, StatusAtPharmacy},
}

func transferAllowed(from, to Status) bool {
	for _, target := range transferTargets[from] {
		if target == to {
			return true
		}
	}
	return false
}

// recipientRole maps a requested destination status to the capability
// role the recipient must hold.
func recipientRole(status Status) (Role, bool) {
	switch status {
	case StatusInTransit, StatusAtDistributor:
		return RoleDistributor, true
	case StatusAtPharmacy:
		return RolePharmacist, true
	default:
		return 0, false
	}
}

// transferProduct moves custody of a product. The caller must be an
// active stakeholder and the current owner; the recipient must be an
// active stakeholder holding the role that matches the requested status.
// The whole read-validate-write sequence runs under the engine mutex, so
// a transfer can never be re-triggered mid-update.
func (e *Engine) transferProduct(sender string, p TransferProductPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.isActive(sender) {
		return nil, errUnauthorized(fmt.Sprintf("%s is not an active stakeholder", sender))
	}
	product, ok := e.state.Products[p.ProductID]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("product %d does not exist", p.ProductID))
	}
	if product.Recalled {
		return nil, errProductRecalled(fmt.Sprintf("product %d has been recalled", p.ProductID))
	}
	if product.CurrentOwner != sender {
		return nil, errUnauthorized(fmt.Sprintf("%s is not the current owner of product %d", sender, p.ProductID))
	}
	if !transferAllowed(product.Status, p.NewStatus) {
		return nil, errInvalidTransition(fmt.Sprintf("cannot transfer product %d from %s to %s", p.ProductID, product.Status, p.NewStatus))
	}
	role, ok := recipientRole(p.NewStatus)
	if !ok {
		return nil, errInvalidRecipient(fmt.Sprintf("status %s is not a transfer destination", p.NewStatus))
	}
	if !e.hasCapability(p.To, role) {
		return nil, errInvalidRecipient(fmt.Sprintf("%s does not hold the %s role required for status %s", p.To, role, p.NewStatus))
	}

	from := product.CurrentOwner
	product.CurrentOwner = p.To
	product.Status = p.NewStatus
	e.appendHistory(SupplyChainEvent{
		ProductID: p.ProductID,
		Type:      EventTransfer,
		Actor:     sender,
		Note:      p.Location,
		Timestamp: blockTime.UTC(),
	})

	return &ApplyResult{
		Data: mustMarshal(map[string]any{"product_id": p.ProductID, "owner": p.To, "status": p.NewStatus}),
		Info: fmt.Sprintf("product %d transferred to %s", p.ProductID, p.To),
		Events: []Event{newEvent("product_transferred", blockTime,
			EventAttribute{Key: "product_id", Value: strconv.FormatUint(p.ProductID, 10)},
			EventAttribute{Key: "from", Value: from},
			EventAttribute{Key: "to", Value: p.To},
			EventAttribute{Key: "status", Value: string(p.NewStatus)},
		)},
	}, nil
}

// sellProduct records the end sale. Pharmacist capability and current
// ownership required; the product must sit at the pharmacy. Sold is
// terminal. The emitted notification carries an empty "to" as the
// no-next-owner marker.
func (e *Engine) sellProduct(sender string, p SellProductPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.hasCapability(sender, RolePharmacist) {
		return nil, errUnauthorized(fmt.Sprintf("%s does not hold the pharmacist role", sender))
	}
	product, ok := e.state.Products[p.ProductID]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("product %d does not exist", p.ProductID))
	}
	if product.Recalled {
		return nil, errProductRecalled(fmt.Sprintf("product %d has been recalled", p.ProductID))
	}
	if product.CurrentOwner != sender {
		return nil, errUnauthorized(fmt.Sprintf("%s is not the current owner of product %d", sender, p.ProductID))
	}
	if product.Status != StatusAtPharmacy {
		return nil, errInvalidTransition(fmt.Sprintf("cannot sell product %d in status %s", p.ProductID, product.Status))
	}

	product.Status = StatusSold
	e.appendHistory(SupplyChainEvent{
		ProductID: p.ProductID,
		Type:      EventSale,
		Actor:     sender,
		Timestamp: blockTime.UTC(),
	})

	return &ApplyResult{
		Data: mustMarshal(map[string]any{"product_id": p.ProductID, "status": StatusSold}),
		Info: fmt.Sprintf("product %d sold", p.ProductID),
		Events: []Event{newEvent("product_transferred", blockTime,
			EventAttribute{Key: "product_id", Value: strconv.FormatUint(p.ProductID, 10)},
			EventAttribute{Key: "from", Value: sender},
			EventAttribute{Key: "to", Value: ""},
			EventAttribute{Key: "status", Value: string(StatusSold)},
		)},
	}, nil
}

// updateProductStatus records a QC outcome or status annotation without
// a custody change. Any active stakeholder may call it. The new status
// must equal the current one (a pure note) or follow a legal transfer
// edge; terminal products reject further updates. CurrentOwner is never
// touched.
func (e *Engine) updateProductStatus(sender string, p UpdateStatusPayload, blockTime time.Time) (*ApplyResult, *Error) {
	if !e.isActive(sender) {
		return nil, errUnauthorized(fmt.Sprintf("%s is not an active stakeholder", sender))
	}
	product, ok := e.state.Products[p.ProductID]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("product %d does not exist", p.ProductID))
	}
	if product.Recalled {
		return nil, errProductRecalled(fmt.Sprintf("product %d has been recalled", p.ProductID))
	}
	if product.Status == StatusSold {
		return nil, errInvalidTransition(fmt.Sprintf("product %d is sold and admits no further updates", p.ProductID))
	}
	if p.NewStatus != product.Status && !transferAllowed(product.Status, p.NewStatus) {
		return nil, errInvalidTransition(fmt.Sprintf("cannot move product %d from %s to %s", p.ProductID, product.Status, p.NewStatus))
	}

	product.Status = p.NewStatus
	e.appendHistory(SupplyChainEvent{
		ProductID: p.ProductID,
		Type:      EventStatusUpdate,
		Actor:     sender,
		Note:      p.Notes,
		Timestamp: blockTime.UTC(),
	})

	return &ApplyResult{
		Data: mustMarshal(map[string]any{"product_id": p.ProductID, "status": p.NewStatus}),
		Info: fmt.Sprintf("product %d status updated to %s", p.ProductID, p.NewStatus),
		Events: []Event{newEvent("product_status_updated", blockTime,
			EventAttribute{Key: "product_id", Value: strconv.FormatUint(p.ProductID, 10)},
			EventAttribute{Key: "actor", Value: sender},
			EventAttribute{Key: "status", Value: string(p.NewStatus)},
		)},
	}, nil
}

// recallProduct marks a product unsafe. Allowed for the original
// manufacturer (holding the manufacturer role) or any regulator. A
// recalled product fails ALREADY_RECALLED on a second recall; a sold
// product is terminal and cannot be recalled.
func (e *Engine) recallProduct(sender string, p RecallProductPayload, blockTime time.Time) (*ApplyResult, *Error) {
	product, ok := e.state.Products[p.ProductID]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("product %d does not exist", p.ProductID))
	}
	isManufacturer := e.hasCapability(sender, RoleManufacturer) && product.Manufacturer == sender
	isRegulator := e.hasCapability(sender, RoleRegulator)
	if !isManufacturer && !isRegulator {
		return nil, errUnauthorized(fmt.Sprintf("%s may not recall product %d", sender, p.ProductID))
	}
	if product.Recalled {
		return nil, errAlreadyRecalled(fmt.Sprintf("product %d is already recalled", p.ProductID))
	}
	if product.Status == StatusSold {
		return nil, errInvalidTransition(fmt.Sprintf("product %d is sold and cannot be recalled", p.ProductID))
	}

	product.Recalled = true
	product.Status = StatusRecalled
	e.appendHistory(SupplyChainEvent{
		ProductID: p.ProductID,
		Type:      EventRecall,
		Actor:     sender,
		Note:      p.Reason,
		Timestamp: blockTime.UTC(),
	})

	return &ApplyResult{
		Data: mustMarshal(map[string]any{"product_id": p.ProductID, "status": StatusRecalled}),
		Info: fmt.Sprintf("product %d recalled", p.ProductID),
		Events: []Event{newEvent("product_recalled", blockTime,
			EventAttribute{Key: "product_id", Value: strconv.FormatUint(p.ProductID, 10)},
			EventAttribute{Key: "recalled_by", Value: sender},
			EventAttribute{Key: "reason", Value: p.Reason},
		)},
	}, nil
}

func (e *Engine) appendHistory(event SupplyChainEvent) {
	e.state.History[event.ProductID] = append(e.state.History[event.ProductID], event)
}

func (e *Engine) isActive(addr string) bool {
	s, ok := e.state.Stakeholders[addr]
	return ok && s.Active
}

// GetProductHistory returns the product's audit trail in insertion
// order. The slice is a copy; callers cannot alias live state.
func (e *Engine) GetProductHistory(id uint64) ([]SupplyChainEvent, *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.state.Products[id]; !ok {
		return nil, errNotFound(fmt.Sprintf("product %d does not exist", id))
	}
	return append([]SupplyChainEvent(nil), e.state.History[id]...), nil
}
