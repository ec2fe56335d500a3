package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type CommitResponse struct {
	TxHash      string          `json:"tx_hash"`
	BlockHeight int64           `json:"block_height"`
	Data        json.RawMessage `json:"data"`
}

type Result struct {
	Step        string
	Latency     time.Duration
	BlockHeight int64
}

func main() {
	nodes := flag.Int("nodes", 4, "Number of validator nodes in the network")
	iterations := flag.Int("n", 100, "Number of iterations")
	port := flag.String("port", "5000", "Ledger node HTTP port")
	adminAddr := flag.String("admin", "0xadmin", "Genesis admin address")
	flag.Parse()

	recordsDir := "./records"
	os.MkdirAll(recordsDir, 0755)

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"latency_%s_n%d_nodes-%d.csv",
		timestamp, *iterations, *nodes,
	))

	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{"Iteration", "Step", "Latency_ms", "BlockHeight"})

	baseURL := fmt.Sprintf("http://127.0.0.1:%s", *port)
	client := NewHTTPClient(baseURL)

	fmt.Println("========================================")
	fmt.Println("   LEDGER LATENCY BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Nodes:      %d\n", *nodes)
	fmt.Printf("Iterations: %d\n", *iterations)
	fmt.Printf("URL:        %s\n", baseURL)
	fmt.Printf("Output:     %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	manuAddr := "0xbench-manu"
	distAddr := "0xbench-dist"
	pharmAddr := "0xbench-pharm"
	regAddr := "0xbench-reg"

	if errMsg := bootstrapStakeholders(client, *adminAddr, manuAddr, distAddr, pharmAddr, regAddr); errMsg != "" {
		fmt.Printf("Bootstrap failed: %s\n", errMsg)
		return
	}
	fmt.Println("Stakeholders bootstrapped")

	successCount := 0
	failCount := 0

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\r[%d/%d] ", i+1, *iterations)

		batch := fmt.Sprintf("BENCH-%s-%d", timestamp, i)
		results, errMsg := runWorkflow(client, batch, manuAddr, distAddr, pharmAddr, regAddr)
		if errMsg == "" {
			successCount++
			fmt.Print("✓")
			for _, r := range results {
				writer.Write([]string{
					strconv.Itoa(i + 1),
					r.Step,
					strconv.FormatInt(r.Latency.Milliseconds(), 10),
					strconv.FormatInt(r.BlockHeight, 10),
				})
			}
		} else {
			failCount++
			fmt.Printf("✗ %s\n", errMsg)
		}

		time.Sleep(50 * time.Millisecond)
	}

	fmt.Printf("\n\n========================================\n")
	fmt.Printf("Success: %d/%d\n", successCount, *iterations)
	if failCount > 0 {
		fmt.Printf("Failed:  %d\n", failCount)
	}
	fmt.Printf("Results: %s\n", filename)
	fmt.Println("========================================")
}

// bootstrapStakeholders registers one stakeholder per role. Re-running
// against a live network is fine: duplicate registrations come back as
// conflicts and role grants are idempotent.
func bootstrapStakeholders(client *HTTPClient, adminAddr, manuAddr, distAddr, pharmAddr, regAddr string) string {
	stakeholders := []struct {
		addr string
		name string
		role string
	}{
		{manuAddr, "Benchmark Pharma Co", "manufacturer"},
		{distAddr, "Benchmark Distribution", "distributor"},
		{pharmAddr, "Benchmark Pharmacy", "pharmacist"},
		{regAddr, "Benchmark Health Authority", "regulator"},
	}

	for _, s := range stakeholders {
		resp, err := client.POST("/ledger/stakeholders", adminAddr, map[string]interface{}{
			"address": s.addr,
			"name":    s.name,
		})
		if err != nil {
			return fmt.Sprintf("register %s: %v", s.addr, err)
		}
		if resp.StatusCode >= 400 && resp.StatusCode != 409 {
			return fmt.Sprintf("register %s: HTTP %d", s.addr, resp.StatusCode)
		}
		resp.Body.Close()

		resp, err = client.POST("/ledger/stakeholders/roles", adminAddr, map[string]interface{}{
			"address": s.addr,
			"role":    s.role,
		})
		if err != nil {
			return fmt.Sprintf("grant %s to %s: %v", s.role, s.addr, err)
		}
		resp.Body.Close()
	}
	return ""
}

// runWorkflow walks one product through the full supply chain and
// measures per-step consensus latency.
func runWorkflow(client *HTTPClient, batch, manuAddr, distAddr, pharmAddr, regAddr string) ([]Result, string) {
	var results []Result
	totalStart := time.Now()

	// 1. Record raw material
	start := time.Now()
	resp, err := client.POST("/ledger/materials", manuAddr, map[string]interface{}{
		"name":     "paracetamol API",
		"origin":   "plant 7",
		"quantity": 1000,
	})
	if err != nil {
		return results, fmt.Sprintf("Add Material: %v", err)
	}
	var commitResp CommitResponse
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return results, fmt.Sprintf("Add Material (unmarshal): %v", err)
	}
	var materialData struct {
		MaterialID uint64 `json:"material_id"`
	}
	json.Unmarshal(commitResp.Data, &materialData)
	results = append(results, Result{"Add Material", time.Since(start), commitResp.BlockHeight})

	// 2. Regulator verifies the material
	start = time.Now()
	resp, err = client.POST("/ledger/materials/verify", regAddr, map[string]interface{}{
		"material_id": materialData.MaterialID,
	})
	if err != nil {
		return results, fmt.Sprintf("Verify Material: %v", err)
	}
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return results, fmt.Sprintf("Verify Material (unmarshal): %v", err)
	}
	results = append(results, Result{"Verify Material", time.Since(start), commitResp.BlockHeight})

	// 3. Manufacture product
	start = time.Now()
	resp, err = client.POST("/ledger/products", manuAddr, map[string]interface{}{
		"name":         "paracetamol 500mg",
		"batch_number": batch,
		"material_ids": []uint64{materialData.MaterialID},
	})
	if err != nil {
		return results, fmt.Sprintf("Manufacture: %v", err)
	}
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return results, fmt.Sprintf("Manufacture (unmarshal): %v", err)
	}
	var productData struct {
		ProductID uint64 `json:"product_id"`
	}
	json.Unmarshal(commitResp.Data, &productData)
	results = append(results, Result{"Manufacture", time.Since(start), commitResp.BlockHeight})

	// 4. Transfer to distributor
	start = time.Now()
	resp, err = client.POST("/ledger/products/transfer", manuAddr, map[string]interface{}{
		"product_id": productData.ProductID,
		"to":         distAddr,
		"new_status": "at_distributor",
		"location":   "regional warehouse",
	})
	if err != nil {
		return results, fmt.Sprintf("Transfer to Distributor: %v", err)
	}
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return results, fmt.Sprintf("Transfer to Distributor (unmarshal): %v", err)
	}
	results = append(results, Result{"Transfer to Distributor", time.Since(start), commitResp.BlockHeight})

	// 5. Transfer to pharmacy
	start = time.Now()
	resp, err = client.POST("/ledger/products/transfer", distAddr, map[string]interface{}{
		"product_id": productData.ProductID,
		"to":         pharmAddr,
		"new_status": "at_pharmacy",
		"location":   "city pharmacy",
	})
	if err != nil {
		return results, fmt.Sprintf("Transfer to Pharmacy: %v", err)
	}
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return results, fmt.Sprintf("Transfer to Pharmacy (unmarshal): %v", err)
	}
	results = append(results, Result{"Transfer to Pharmacy", time.Since(start), commitResp.BlockHeight})

	// 6. Sell
	start = time.Now()
	resp, err = client.POST("/ledger/products/sell", pharmAddr, map[string]interface{}{
		"product_id": productData.ProductID,
	})
	if err != nil {
		return results, fmt.Sprintf("Sell: %v", err)
	}
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return results, fmt.Sprintf("Sell (unmarshal): %v", err)
	}
	results = append(results, Result{"Sell", time.Since(start), commitResp.BlockHeight})

	// 7. Read back the custody trail
	start = time.Now()
	resp, err = client.GET(fmt.Sprintf("/ledger/products/%d/history", productData.ProductID))
	if err != nil {
		return results, fmt.Sprintf("History: %v", err)
	}
	resp.Body.Close()
	results = append(results, Result{"History Read", time.Since(start), 0})

	// Total
	results = append(results, Result{"Complete Workflow", time.Since(totalStart), 0})

	return results, ""
}
