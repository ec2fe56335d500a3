package ledger_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pharmatrace/pharmatrace/ledger"
)

const (
	adminAddr = "0xadmin"
	manuAddr  = "0xmanufacturer"
	distAddr  = "0xdistributor"
	pharmAddr = "0xpharmacist"
	regAddr   = "0xregulator"
)

var blockTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func buildTx(t *testing.T, sender string, op ledger.Op, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	tx, err := json.Marshal(ledger.Tx{Sender: sender, Op: op, Payload: raw})
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return tx
}

func apply(t *testing.T, e *ledger.Engine, sender string, op ledger.Op, payload any) (*ledger.ApplyResult, *ledger.Error) {
	t.Helper()
	return e.Apply(buildTx(t, sender, op, payload), blockTime)
}

func mustApply(t *testing.T, e *ledger.Engine, sender string, op ledger.Op, payload any) *ledger.ApplyResult {
	t.Helper()
	res, lerr := apply(t, e, sender, op, payload)
	if lerr != nil {
		t.Fatalf("%s by %s: %v", op, sender, lerr)
	}
	return res
}

func expectCode(t *testing.T, lerr *ledger.Error, code string) {
	t.Helper()
	if lerr == nil {
		t.Fatalf("expected error code %s, got success", code)
	}
	if lerr.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, lerr.Code, lerr.Detail)
	}
}

func registerWithRole(t *testing.T, e *ledger.Engine, addr, name, role string) {
	t.Helper()
	mustApply(t, e, adminAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{
		Address: addr, Name: name, RoleLabel: role,
	})
	mustApply(t, e, adminAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: addr, Role: role})
}

// newTestLedger returns an engine seeded with one stakeholder per role.
func newTestLedger(t *testing.T) *ledger.Engine {
	t.Helper()
	e := ledger.NewEngine(adminAddr)
	registerWithRole(t, e, manuAddr, "Acme Pharma", "manufacturer")
	registerWithRole(t, e, distAddr, "MedShip Logistics", "distributor")
	registerWithRole(t, e, pharmAddr, "Corner Pharmacy", "pharmacist")
	registerWithRole(t, e, regAddr, "Health Authority", "regulator")
	return e
}

func TestRegisterStakeholder(t *testing.T) {
	e := ledger.NewEngine(adminAddr)

	mustApply(t, e, adminAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{
		Address: manuAddr, Name: "Acme Pharma", RoleLabel: "manufacturer", LicenseInfo: "LIC-100",
	})
	s, lerr := e.GetStakeholder(manuAddr)
	if lerr != nil {
		t.Fatalf("get stakeholder: %v", lerr)
	}
	if !s.Active || s.Name != "Acme Pharma" {
		t.Fatalf("unexpected stakeholder record: %+v", s)
	}

	// duplicate registration while active
	_, lerr = apply(t, e, adminAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{Address: manuAddr})
	expectCode(t, lerr, ledger.CodeAlreadyExists)

	// only admins may register
	_, lerr = apply(t, e, manuAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{Address: "0xother"})
	expectCode(t, lerr, ledger.CodeUnauthorized)
}

func TestReregisterAfterDeactivation(t *testing.T) {
	e := ledger.NewEngine(adminAddr)
	registerWithRole(t, e, manuAddr, "Acme Pharma", "manufacturer")

	mustApply(t, e, adminAddr, ledger.OpDeactivate, ledger.DeactivatePayload{Address: manuAddr})
	if e.IsActiveStakeholder(manuAddr) {
		t.Fatalf("expected inactive stakeholder")
	}

	// deactivation is a soft delete; the address can be registered again
	mustApply(t, e, adminAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{
		Address: manuAddr, Name: "Acme Pharma GmbH",
	})
	s, lerr := e.GetStakeholder(manuAddr)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if !s.Active || s.Name != "Acme Pharma GmbH" {
		t.Fatalf("expected reactivated record, got %+v", s)
	}
}

func TestDeactivateGatesCapabilities(t *testing.T) {
	e := newTestLedger(t)

	mustApply(t, e, adminAddr, ledger.OpDeactivate, ledger.DeactivatePayload{Address: manuAddr})

	// roles survive deactivation but the active gate makes them inert
	s, _ := e.GetStakeholder(manuAddr)
	if !s.Roles.Has(ledger.RoleManufacturer) {
		t.Fatalf("expected role to survive deactivation")
	}
	if e.HasCapability(manuAddr, ledger.RoleManufacturer) {
		t.Fatalf("deactivated stakeholder must fail capability checks")
	}
	_, lerr := apply(t, e, manuAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{Name: "paracetamol"})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	// deactivating twice has the same observable effect as once
	mustApply(t, e, adminAddr, ledger.OpDeactivate, ledger.DeactivatePayload{Address: manuAddr})
	if e.IsActiveStakeholder(manuAddr) {
		t.Fatalf("expected stakeholder to stay inactive")
	}
}

func TestGrantRole(t *testing.T) {
	e := ledger.NewEngine(adminAddr)
	mustApply(t, e, adminAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{Address: manuAddr})

	mustApply(t, e, adminAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: manuAddr, Role: "manufacturer"})
	// idempotent re-grant
	mustApply(t, e, adminAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: manuAddr, Role: "manufacturer"})
	if !e.HasCapability(manuAddr, ledger.RoleManufacturer) {
		t.Fatalf("expected manufacturer capability")
	}

	_, lerr := apply(t, e, adminAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: "0xunknown", Role: "regulator"})
	expectCode(t, lerr, ledger.CodeNotFound)

	_, lerr = apply(t, e, manuAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: manuAddr, Role: "admin"})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	_, lerr = apply(t, e, adminAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: manuAddr, Role: "warehouse"})
	expectCode(t, lerr, ledger.CodeInvalidTx)
}

func TestAdminRoleDelegation(t *testing.T) {
	e := ledger.NewEngine(adminAddr)
	mustApply(t, e, adminAddr, ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{Address: "0xdeputy"})
	mustApply(t, e, adminAddr, ledger.OpGrantRole, ledger.GrantRolePayload{Address: "0xdeputy", Role: "admin"})

	// a granted admin can register stakeholders like the genesis admin
	mustApply(t, e, "0xdeputy", ledger.OpRegisterStakeholder, ledger.RegisterStakeholderPayload{Address: manuAddr})
	if !e.IsActiveStakeholder(manuAddr) {
		t.Fatalf("expected stakeholder registered by deputy admin")
	}
}

func TestRawMaterialLifecycle(t *testing.T) {
	e := newTestLedger(t)

	res := mustApply(t, e, manuAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{
		Name: "ibuprofen API", Origin: "plant-7", CertHash: "0xcert", Quantity: 500,
	})
	var created struct {
		MaterialID uint64 `json:"material_id"`
	}
	if err := json.Unmarshal(res.Data, &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if created.MaterialID != 1 {
		t.Fatalf("expected first material id 1, got %d", created.MaterialID)
	}

	m, lerr := e.GetRawMaterial(1)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if m.Verified {
		t.Fatalf("new material must start unverified")
	}
	if m.Manufacturer != manuAddr {
		t.Fatalf("expected owning manufacturer %s, got %s", manuAddr, m.Manufacturer)
	}

	// only regulators verify
	_, lerr = apply(t, e, manuAddr, ledger.OpVerifyRawMaterial, ledger.VerifyRawMaterialPayload{MaterialID: 1})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	_, lerr = apply(t, e, regAddr, ledger.OpVerifyRawMaterial, ledger.VerifyRawMaterialPayload{MaterialID: 99})
	expectCode(t, lerr, ledger.CodeNotFound)

	mustApply(t, e, regAddr, ledger.OpVerifyRawMaterial, ledger.VerifyRawMaterialPayload{MaterialID: 1})
	// re-verifying is a no-op beyond re-emitting
	mustApply(t, e, regAddr, ledger.OpVerifyRawMaterial, ledger.VerifyRawMaterialPayload{MaterialID: 1})

	m, _ = e.GetRawMaterial(1)
	if !m.Verified {
		t.Fatalf("expected verified material")
	}

	// non-manufacturers cannot add materials
	_, lerr = apply(t, e, distAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{Name: "glycerin"})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	if _, lerr := e.GetRawMaterial(42); lerr == nil || lerr.Code != ledger.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unassigned id")
	}
}

func TestMalformedTransactions(t *testing.T) {
	e := newTestLedger(t)

	_, lerr := e.Apply([]byte(`{"op":"add_raw_material"}`), blockTime)
	expectCode(t, lerr, ledger.CodeInvalidTx)

	_, lerr = e.Apply([]byte(`{"sender":"0xa","op":"mint_tokens","payload":{}}`), blockTime)
	expectCode(t, lerr, ledger.CodeInvalidTx)

	_, lerr = e.Apply([]byte(`not json`), blockTime)
	expectCode(t, lerr, ledger.CodeInvalidTx)
}
