package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Op names accepted in a transaction envelope.
type Op string

const (
	OpRegisterStakeholder Op = "register_stakeholder"
	OpGrantRole           Op = "grant_role"
	OpDeactivate          Op = "deactivate_stakeholder"
	OpAddRawMaterial      Op = "add_raw_material"
	OpVerifyRawMaterial   Op = "verify_raw_material"
	OpManufactureProduct  Op = "manufacture_product"
	OpTransferProduct     Op = "transfer_product"
	OpSellProduct         Op = "sell_product"
	OpUpdateStatus        Op = "update_product_status"
	OpRecallProduct       Op = "recall_product"
)

// Tx is the wire envelope for a mutating request. The sender identity is
// supplied and authenticated by the sequencing layer; the engine never
// infers it.
type Tx struct {
	Sender  string          `json:"sender"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeTx parses and structurally validates a transaction envelope.
func DecodeTx(raw []byte) (*Tx, error) {
	var tx Tx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	if tx.Sender == "" {
		return nil, fmt.Errorf("decode tx: missing sender")
	}
	if tx.Op == "" {
		return nil, fmt.Errorf("decode tx: missing op")
	}
	return &tx, nil
}

// Operation payloads.

type RegisterStakeholderPayload struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	RoleLabel   string `json:"role_label"`
	LicenseInfo string `json:"license_info"`
}

type GrantRolePayload struct {
	Address string `json:"address"`
	Role    string `json:"role"`
}

type DeactivatePayload struct {
	Address string `json:"address"`
}

type AddRawMaterialPayload struct {
	Name     string    `json:"name"`
	Origin   string    `json:"origin"`
	CertHash string    `json:"cert_hash"`
	Quantity uint64    `json:"quantity"`
	Expiry   time.Time `json:"expiry"`
}

type VerifyRawMaterialPayload struct {
	MaterialID uint64 `json:"material_id"`
}

type ManufactureProductPayload struct {
	Name        string    `json:"name"`
	BatchNumber string    `json:"batch_number"`
	MaterialIDs []uint64  `json:"material_ids"`
	Expiry      time.Time `json:"expiry"`
}

type TransferProductPayload struct {
	ProductID uint64 `json:"product_id"`
	To        string `json:"to"`
	NewStatus Status `json:"new_status"`
	Location  string `json:"location"`
}

type SellProductPayload struct {
	ProductID uint64 `json:"product_id"`
}

type UpdateStatusPayload struct {
	ProductID uint64 `json:"product_id"`
	NewStatus Status `json:"new_status"`
	Notes     string `json:"notes"`
}

type RecallProductPayload struct {
	ProductID uint64 `json:"product_id"`
	Reason    string `json:"reason"`
}

// EventAttribute is one indexed key-value pair on an emitted notification.
type EventAttribute struct {
	Key   string
	Value string
}

// Event is the primary notification emitted for a committed mutation.
// Exactly one per successful Apply, never one for an aborted call.
type Event struct {
	Name       string
	Attributes []EventAttribute
}

// ApplyResult carries the success value of a committed mutation.
type ApplyResult struct {
	Data   []byte
	Info   string
	Events []Event
}

// Engine is the sole writer of ledger state. Every mutation runs as one
// indivisible unit under the engine mutex: the read-validate-write
// sequence for a call cannot interleave with another call, and no
// operation calls out of the package mid-mutation.
type Engine struct {
	mu        sync.Mutex
	state     *State
	adminAddr string
}

// NewEngine creates an empty ledger. adminAddr is the genesis admin: it
// holds the admin capability without registration so the first
// stakeholders can be bootstrapped.
func NewEngine(adminAddr string) *Engine {
	return &Engine{
		state:     NewState(),
		adminAddr: adminAddr,
	}
}

// Apply validates and executes one transaction against the ledger.
// blockTime is the collaborator clock; it stamps history entries and
// event notifications so replay stays deterministic. On error the state
// is byte-for-byte unchanged.
func (e *Engine) Apply(rawTx []byte, blockTime time.Time) (*ApplyResult, *Error) {
	tx, err := DecodeTx(rawTx)
	if err != nil {
		return nil, errInvalidTx(err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch tx.Op {
	case OpRegisterStakeholder:
		var p RegisterStakeholderPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.registerStakeholder(tx.Sender, p, blockTime)
	case OpGrantRole:
		var p GrantRolePayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.grantRole(tx.Sender, p, blockTime)
	case OpDeactivate:
		var p DeactivatePayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.deactivateStakeholder(tx.Sender, p, blockTime)
	case OpAddRawMaterial:
		var p AddRawMaterialPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.addRawMaterial(tx.Sender, p, blockTime)
	case OpVerifyRawMaterial:
		var p VerifyRawMaterialPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.verifyRawMaterial(tx.Sender, p, blockTime)
	case OpManufactureProduct:
		var p ManufactureProductPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.manufactureProduct(tx.Sender, p, blockTime)
	case OpTransferProduct:
		var p TransferProductPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.transferProduct(tx.Sender, p, blockTime)
	case OpSellProduct:
		var p SellProductPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.sellProduct(tx.Sender, p, blockTime)
	case OpUpdateStatus:
		var p UpdateStatusPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.updateProductStatus(tx.Sender, p, blockTime)
	case OpRecallProduct:
		var p RecallProductPayload
		if err := decodePayload(tx.Payload, &p); err != nil {
			return nil, err
		}
		return e.recallProduct(tx.Sender, p, blockTime)
	default:
		return nil, errInvalidTx(fmt.Sprintf("unknown op %q", tx.Op))
	}
}

func decodePayload(raw json.RawMessage, out any) *Error {
	if len(raw) == 0 {
		return errInvalidTx("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errInvalidTx(fmt.Sprintf("decode payload: %v", err))
	}
	return nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func newEvent(name string, blockTime time.Time, attrs ...EventAttribute) Event {
	attrs = append(attrs, EventAttribute{Key: "timestamp", Value: blockTime.UTC().Format(time.RFC3339)})
	return Event{Name: name, Attributes: attrs}
}

// isAdmin reports whether addr may perform admin operations: either the
// genesis admin or an active stakeholder holding the admin role.
func (e *Engine) isAdmin(addr string) bool {
	if addr != "" && addr == e.adminAddr {
		return true
	}
	return e.hasCapability(addr, RoleAdmin)
}

// hasCapability is the authorization predicate used by every role-gated
// operation: the address must be an active stakeholder and hold the role.
// A deactivated stakeholder fails this check even if the role was granted.
func (e *Engine) hasCapability(addr string, role Role) bool {
	s, ok := e.state.Stakeholders[addr]
	if !ok {
		return false
	}
	return s.Active && s.Roles.Has(role)
}
