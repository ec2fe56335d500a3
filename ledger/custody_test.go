package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/pharmatrace/pharmatrace/ledger"
)

// verifiedMaterial adds and verifies one raw material, returning its id.
func verifiedMaterial(t *testing.T, e *ledger.Engine, name string) uint64 {
	t.Helper()
	res := mustApply(t, e, manuAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{Name: name})
	var created struct {
		MaterialID uint64 `json:"material_id"`
	}
	if err := json.Unmarshal(res.Data, &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	mustApply(t, e, regAddr, ledger.OpVerifyRawMaterial, ledger.VerifyRawMaterialPayload{MaterialID: created.MaterialID})
	return created.MaterialID
}

func manufacture(t *testing.T, e *ledger.Engine, batch string, materialIDs ...uint64) uint64 {
	t.Helper()
	res := mustApply(t, e, manuAddr, ledger.OpManufactureProduct, ledger.ManufactureProductPayload{
		Name: "ibuprofen 200mg", BatchNumber: batch, MaterialIDs: materialIDs,
	})
	var created struct {
		ProductID uint64 `json:"product_id"`
	}
	if err := json.Unmarshal(res.Data, &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return created.ProductID
}

func TestManufactureRequiresVerifiedMaterials(t *testing.T) {
	e := newTestLedger(t)

	res := mustApply(t, e, manuAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{Name: "ibuprofen API"})
	var created struct {
		MaterialID uint64 `json:"material_id"`
	}
	json.Unmarshal(res.Data, &created)

	// unverified material blocks manufacturing
	_, lerr := apply(t, e, manuAddr, ledger.OpManufactureProduct, ledger.ManufactureProductPayload{
		Name: "ibuprofen 200mg", BatchNumber: "B-001", MaterialIDs: []uint64{created.MaterialID},
	})
	expectCode(t, lerr, ledger.CodeMaterialNotVerified)

	// nonexistent material blocks manufacturing with the same code
	_, lerr = apply(t, e, manuAddr, ledger.OpManufactureProduct, ledger.ManufactureProductPayload{
		Name: "ibuprofen 200mg", BatchNumber: "B-001", MaterialIDs: []uint64{777},
	})
	expectCode(t, lerr, ledger.CodeMaterialNotVerified)

	mustApply(t, e, regAddr, ledger.OpVerifyRawMaterial, ledger.VerifyRawMaterialPayload{MaterialID: created.MaterialID})

	// retry after verification; the failed attempts consumed no product id
	productID := manufacture(t, e, "B-001", created.MaterialID)
	if productID != 1 {
		t.Fatalf("expected product id 1, got %d", productID)
	}
	p, lerr := e.GetProduct(productID)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if p.Status != ledger.StatusManufactured || p.CurrentOwner != manuAddr || p.Manufacturer != manuAddr {
		t.Fatalf("unexpected product: %+v", p)
	}
}

func TestManufactureAtomicity(t *testing.T) {
	e := newTestLedger(t)
	verified := verifiedMaterial(t, e, "API-1")

	res := mustApply(t, e, manuAddr, ledger.OpAddRawMaterial, ledger.AddRawMaterialPayload{Name: "API-2"})
	var unverified struct {
		MaterialID uint64 `json:"material_id"`
	}
	json.Unmarshal(res.Data, &unverified)

	_, lerr := apply(t, e, manuAddr, ledger.OpManufactureProduct, ledger.ManufactureProductPayload{
		Name: "mix", BatchNumber: "B-XYZ", MaterialIDs: []uint64{verified, unverified.MaterialID},
	})
	expectCode(t, lerr, ledger.CodeMaterialNotVerified)

	// no partial state: no product, no batch index entry
	if _, lerr := e.GetProduct(1); lerr == nil {
		t.Fatalf("expected no product after failed manufacture")
	}
	if ids := e.GetBatchProducts("B-XYZ"); len(ids) != 0 {
		t.Fatalf("expected empty batch index, got %v", ids)
	}

	// non-manufacturers cannot manufacture
	_, lerr = apply(t, e, distAddr, ledger.OpManufactureProduct, ledger.ManufactureProductPayload{
		Name: "mix", MaterialIDs: []uint64{verified},
	})
	expectCode(t, lerr, ledger.CodeUnauthorized)
}

func TestTransferProduct(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	mustApply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusAtDistributor, Location: "warehouse 4",
	})
	p, _ := e.GetProduct(productID)
	if p.CurrentOwner != distAddr || p.Status != ledger.StatusAtDistributor {
		t.Fatalf("unexpected product after transfer: %+v", p)
	}
	history, lerr := e.GetProductHistory(productID)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if len(history) != 1 || history[0].Type != ledger.EventTransfer || history[0].Note != "warehouse 4" {
		t.Fatalf("unexpected history: %+v", history)
	}

	// prior owner can no longer transfer
	_, lerr = apply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy,
	})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	// recipient must hold the role matching the requested status
	_, lerr = apply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: regAddr, NewStatus: ledger.StatusAtPharmacy,
	})
	expectCode(t, lerr, ledger.CodeInvalidRecipient)

	_, lerr = apply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusSold,
	})
	expectCode(t, lerr, ledger.CodeInvalidTransition)

	_, lerr = apply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: 99, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy,
	})
	expectCode(t, lerr, ledger.CodeNotFound)

	// distributor can route back into transit and on to the pharmacy
	mustApply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusInTransit, Location: "truck 12",
	})
	mustApply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy, Location: "main street",
	})
	p, _ = e.GetProduct(productID)
	if p.CurrentOwner != pharmAddr || p.Status != ledger.StatusAtPharmacy {
		t.Fatalf("unexpected product after chain: %+v", p)
	}

	// AtPharmacy admits no further transfers, only a sale
	_, lerr = apply(t, e, pharmAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusAtDistributor,
	})
	expectCode(t, lerr, ledger.CodeInvalidTransition)
}

func TestSellProduct(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	// selling requires the product to sit at the pharmacy
	_, lerr := apply(t, e, manuAddr, ledger.OpSellProduct, ledger.SellProductPayload{ProductID: productID})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	mustApply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy,
	})

	res := mustApply(t, e, pharmAddr, ledger.OpSellProduct, ledger.SellProductPayload{ProductID: productID})
	p, _ := e.GetProduct(productID)
	if p.Status != ledger.StatusSold {
		t.Fatalf("expected Sold, got %s", p.Status)
	}

	// the sale notification carries the no-next-owner marker
	if len(res.Events) != 1 || res.Events[0].Name != "product_transferred" {
		t.Fatalf("unexpected events: %+v", res.Events)
	}
	foundSentinel := false
	for _, attr := range res.Events[0].Attributes {
		if attr.Key == "to" && attr.Value == "" {
			foundSentinel = true
		}
	}
	if !foundSentinel {
		t.Fatalf("expected empty to attribute on sale event")
	}

	// Sold is terminal
	_, lerr = apply(t, e, pharmAddr, ledger.OpSellProduct, ledger.SellProductPayload{ProductID: productID})
	expectCode(t, lerr, ledger.CodeInvalidTransition)
	_, lerr = apply(t, e, pharmAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusAtDistributor,
	})
	expectCode(t, lerr, ledger.CodeInvalidTransition)
}

func TestRecallProduct(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	// an unrelated manufacturer cannot recall someone else's product
	registerWithRole(t, e, "0xothermanu", "Rival Pharma", "manufacturer")
	_, lerr := apply(t, e, "0xothermanu", ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: productID, Reason: "spite"})
	expectCode(t, lerr, ledger.CodeUnauthorized)

	// regulators may recall any product
	mustApply(t, e, regAddr, ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: productID, Reason: "contamination"})
	p, _ := e.GetProduct(productID)
	if !p.Recalled || p.Status != ledger.StatusRecalled {
		t.Fatalf("expected recalled product, got %+v", p)
	}
	history, _ := e.GetProductHistory(productID)
	last := history[len(history)-1]
	if last.Type != ledger.EventRecall || last.Note != "contamination" {
		t.Fatalf("unexpected recall entry: %+v", last)
	}

	// recalled products reject all custody operations
	_, lerr = apply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: distAddr, NewStatus: ledger.StatusAtDistributor,
	})
	expectCode(t, lerr, ledger.CodeProductRecalled)
	_, lerr = apply(t, e, pharmAddr, ledger.OpSellProduct, ledger.SellProductPayload{ProductID: productID})
	expectCode(t, lerr, ledger.CodeProductRecalled)

	_, lerr = apply(t, e, regAddr, ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: productID, Reason: "again"})
	expectCode(t, lerr, ledger.CodeAlreadyRecalled)
}

func TestManufacturerRecallsOwnProduct(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	mustApply(t, e, manuAddr, ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: productID, Reason: "labeling defect"})
	p, _ := e.GetProduct(productID)
	if !p.Recalled {
		t.Fatalf("expected manufacturer recall to succeed")
	}
}

func TestRecallSoldProductFails(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)
	mustApply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{
		ProductID: productID, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy,
	})
	mustApply(t, e, pharmAddr, ledger.OpSellProduct, ledger.SellProductPayload{ProductID: productID})

	_, lerr := apply(t, e, regAddr, ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: productID, Reason: "late"})
	expectCode(t, lerr, ledger.CodeInvalidTransition)
}

func TestUpdateProductStatus(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	// QC note without a status change
	mustApply(t, e, regAddr, ledger.OpUpdateStatus, ledger.UpdateStatusPayload{
		ProductID: productID, NewStatus: ledger.StatusManufactured, Notes: "QC batch sample passed",
	})
	p, _ := e.GetProduct(productID)
	if p.Status != ledger.StatusManufactured || p.CurrentOwner != manuAddr {
		t.Fatalf("status note must not change owner or status: %+v", p)
	}
	history, _ := e.GetProductHistory(productID)
	if len(history) != 1 || history[0].Type != ledger.EventStatusUpdate {
		t.Fatalf("unexpected history: %+v", history)
	}

	// a legal graph edge is allowed, ownership stays put
	mustApply(t, e, manuAddr, ledger.OpUpdateStatus, ledger.UpdateStatusPayload{
		ProductID: productID, NewStatus: ledger.StatusInTransit, Notes: "handed to carrier",
	})
	p, _ = e.GetProduct(productID)
	if p.Status != ledger.StatusInTransit || p.CurrentOwner != manuAddr {
		t.Fatalf("unexpected product: %+v", p)
	}

	// illegal edge rejected
	_, lerr := apply(t, e, manuAddr, ledger.OpUpdateStatus, ledger.UpdateStatusPayload{
		ProductID: productID, NewStatus: ledger.StatusSold,
	})
	expectCode(t, lerr, ledger.CodeInvalidTransition)

	// unregistered callers rejected
	_, lerr = apply(t, e, "0xnobody", ledger.OpUpdateStatus, ledger.UpdateStatusPayload{
		ProductID: productID, NewStatus: ledger.StatusInTransit,
	})
	expectCode(t, lerr, ledger.CodeUnauthorized)
}

func TestHistoryOrdering(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	mustApply(t, e, regAddr, ledger.OpUpdateStatus, ledger.UpdateStatusPayload{ProductID: productID, NewStatus: ledger.StatusManufactured, Notes: "qc"})
	mustApply(t, e, manuAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{ProductID: productID, To: distAddr, NewStatus: ledger.StatusAtDistributor})
	mustApply(t, e, distAddr, ledger.OpTransferProduct, ledger.TransferProductPayload{ProductID: productID, To: pharmAddr, NewStatus: ledger.StatusAtPharmacy})
	mustApply(t, e, pharmAddr, ledger.OpSellProduct, ledger.SellProductPayload{ProductID: productID})

	history, lerr := e.GetProductHistory(productID)
	if lerr != nil {
		t.Fatal(lerr)
	}
	want := []ledger.EventType{ledger.EventStatusUpdate, ledger.EventTransfer, ledger.EventTransfer, ledger.EventSale}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, eventType := range want {
		if history[i].Type != eventType {
			t.Fatalf("entry %d: expected %s, got %s", i, eventType, history[i].Type)
		}
	}

	// the returned slice is a copy; mutating it must not affect the ledger
	history[0].Note = "tampered"
	fresh, _ := e.GetProductHistory(productID)
	if fresh[0].Note == "tampered" {
		t.Fatalf("history must not alias live state")
	}
}

func TestBatchIndex(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")

	first := manufacture(t, e, "B-100", m)
	second := manufacture(t, e, "B-100", m)
	other := manufacture(t, e, "B-200", m)

	ids := e.GetBatchProducts("B-100")
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Fatalf("unexpected batch products: %v", ids)
	}
	if got := e.GetBatchProducts("B-999"); len(got) != 0 {
		t.Fatalf("unknown batch must yield empty slice, got %v", got)
	}

	byManu := e.GetManufacturerProducts(manuAddr)
	if len(byManu) != 3 || byManu[2] != other {
		t.Fatalf("unexpected manufacturer index: %v", byManu)
	}
}

func TestVerifyProductAuthenticity(t *testing.T) {
	e := newTestLedger(t)
	m := verifiedMaterial(t, e, "API-1")
	productID := manufacture(t, e, "B-001", m)

	ok, details := e.VerifyProductAuthenticity(productID)
	if !ok {
		t.Fatalf("expected authentic product: %s", details)
	}

	if ok, _ := e.VerifyProductAuthenticity(404); ok {
		t.Fatalf("unknown product must not be authentic")
	}

	mustApply(t, e, regAddr, ledger.OpRecallProduct, ledger.RecallProductPayload{ProductID: productID, Reason: "contamination"})
	ok, details = e.VerifyProductAuthenticity(productID)
	if ok {
		t.Fatalf("recalled product must not be authentic")
	}
	if details == "" {
		t.Fatalf("expected failure details")
	}
}
