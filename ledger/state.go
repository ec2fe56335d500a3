package ledger

import "encoding/json"

// Material and product ids start here and increase by one per committed
// creation. A failed call never consumes an id.
const firstID uint64 = 1

// State is the full ledger state. It is owned exclusively by the Engine;
// everything handed out of the package is a copy.
//
// All maps serialize deterministically (encoding/json sorts map keys), so
// a marshaled State is a canonical snapshot suitable for app hashing.
type State struct {
	Stakeholders  map[string]*Stakeholder       `json:"stakeholders"`
	Materials     map[uint64]*RawMaterial       `json:"materials"`
	Products      map[uint64]*Product           `json:"products"`
	History       map[uint64][]SupplyChainEvent `json:"history"`
	Batches       map[string][]uint64           `json:"batches"`
	Manufacturers map[string][]uint64           `json:"manufacturers"`

	NextMaterialID uint64 `json:"next_material_id"`
	NextProductID  uint64 `json:"next_product_id"`
}

// NewState returns an empty ledger state.
func NewState() *State {
	return &State{
		Stakeholders:   make(map[string]*Stakeholder),
		Materials:      make(map[uint64]*RawMaterial),
		Products:       make(map[uint64]*Product),
		History:        make(map[uint64][]SupplyChainEvent),
		Batches:        make(map[string][]uint64),
		Manufacturers:  make(map[string][]uint64),
		NextMaterialID: firstID,
		NextProductID:  firstID,
	}
}

// MarshalState serializes the current state as a canonical snapshot.
func (e *Engine) MarshalState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.state)
}

// LoadState replaces the engine state with a previously marshaled
// snapshot. Used on node restart before replay resumes.
func (e *Engine) LoadState(snapshot []byte) error {
	state := NewState()
	if err := json.Unmarshal(snapshot, state); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	return nil
}

func copyProduct(p *Product) *Product {
	cp := *p
	cp.MaterialIDs = append([]uint64(nil), p.MaterialIDs...)
	return &cp
}

func copyStakeholder(s *Stakeholder) *Stakeholder {
	cp := *s
	return &cp
}

func copyMaterial(m *RawMaterial) *RawMaterial {
	cp := *m
	return &cp
}
