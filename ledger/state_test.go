package ledger_test

import (
	"bytes"
	"testing"

	"github.com/pharmatrace/pharmatrace/ledger"
)

func TestSnapshotRoundTrip(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)
	mustApply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusAtDistributor, Location: "warehouse 4",
	})

	snapshot, err := e.MarshalState()
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}

	restored := ledger.NewEngine(adminAddr)
	if err := restored.LoadState(snapshot); err != nil {
		t.Fatalf("load state: %v", err)
	}

	p, lerr := restored.GetProduct(productID)
	if lerr != nil {
		t.Fatalf("get product after restore: %v", lerr)
	}
	if p.CurrentOwner != distAddr || p.Status != ledger.StatusAtDistributor {
		t.Fatalf("unexpected restored product: %+v", p)
	}
	history, _ := restored.GetProductHistory(productID)
	if len(history) != 1 {
		t.Fatalf("expected restored history, got %+v", history)
	}

	// id counters survive: the next product continues the sequence
	next := manufacture(t, restored, "B-002", m)
	if next != productID+1 {
		t.Fatalf("expected product id %d after restore, got %d", productID+1, next)
	}
}

func TestSnapshotDeterminism(t *testing.T) {
	build := func() *ledger.Engine {
		e := newTestLedger(t)
		m := verifiedMaterial(t, e, "API-1")
		productID := manufacture(t, e, "B-001", m)
		mustApply(t, e, regAddr, ledger.OpUpdateStatus, ledger.UpdateStatusPayload{
			ProductID: productID, NewStatus: ledger.StatusManufactured, Notes: "qc",
		})
		return e
	}

	first, err := build().MarshalState()
	if err != nil {
		t.Fatal(err)
	}
	second, err := build().MarshalState()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("identical histories must produce identical snapshots")
	}
}

func TestFailedCallLeavesSnapshotUnchanged(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	manufacture(t, e, "B-001", m)

	before, err := e.MarshalState()
	if err != nil {
		t.Fatal(err)
	}

	// a pile of rejected operations must not leave any trace
	apply(t, e, distAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{Name: "x"})
	apply(t, e, manuAddr, ledger.OpManufactureProduct, ledger.ManufactureProductPayload{Name: "x", MaterialIDs: []uint64{999}})
	apply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{ProductID: 1, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy})
	apply(t, e, "0xnobody", ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: 1, Reason: "no"})

	after, err := e.MarshalState()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("failed calls must leave state byte-for-byte unchanged")
	}
}
