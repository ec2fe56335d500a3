package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type CommitResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

type WorkflowResult struct {
	Success  bool
	Latency  time.Duration
	ErrorMsg string
}

func main() {
	nodes := flag.Int("nodes", 4, "Number of validator nodes in the network")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	duration := flag.Int("duration", 30, "Test duration in seconds")
	port := flag.String("port", "5000", "Ledger node HTTP port")
	adminAddr := flag.String("admin", "0xadmin", "Genesis admin address")
	flag.Parse()

	recordsDir := "./records"
	os.MkdirAll(recordsDir, 0755)

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"concurrency_%s_w%d_d%ds_nodes-%d.csv",
		timestamp, *workers, *duration, *nodes,
	))

	fmt.Println("========================================")
	fmt.Println("   LEDGER THROUGHPUT BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Nodes:      %d\n", *nodes)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Duration:   %ds\n", *duration)
	fmt.Printf("URL:        http://127.0.0.1:%s\n", *port)
	fmt.Printf("Output:     %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	baseURL := fmt.Sprintf("http://127.0.0.1:%s", *port)

	// One manufacturer submits all material records; each worker reuses it
	manuAddr := "0xbench-manu"
	bootstrap := NewHTTPClient(baseURL)
	resp, err := bootstrap.POST("/ledger/stakeholders", *adminAddr, map[string]interface{}{
		"address": manuAddr,
		"name":    "Benchmark Pharma Co",
	})
	if err != nil {
		fmt.Printf("Bootstrap register failed: %v\n", err)
		return
	}
	resp.Body.Close()
	resp, err = bootstrap.POST("/ledger/stakeholders/roles", *adminAddr, map[string]interface{}{
		"address": manuAddr,
		"role":    "manufacturer",
	})
	if err != nil {
		fmt.Printf("Bootstrap grant failed: %v\n", err)
		return
	}
	resp.Body.Close()

	// Channels for communication
	stopChan := make(chan struct{})
	resultsChan := make(chan WorkflowResult, *workers*10)

	// Counters
	var totalReqs int64
	var successReqs int64
	var failedReqs int64
	var totalLatency int64
	var minLatency int64 = 1<<63 - 1
	var maxLatency int64 = 0

	// WaitGroup for workers
	var wg sync.WaitGroup

	// Start worker goroutines
	fmt.Println("Starting workers...")
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go worker(i, baseURL, manuAddr, stopChan, resultsChan, &wg)
	}

	// Start result collector
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for result := range resultsChan {
			atomic.AddInt64(&totalReqs, 1)

			if result.Success {
				atomic.AddInt64(&successReqs, 1)
				latencyNs := result.Latency.Nanoseconds()
				atomic.AddInt64(&totalLatency, latencyNs)

				// Update min latency
				for {
					old := atomic.LoadInt64(&minLatency)
					if latencyNs >= old || atomic.CompareAndSwapInt64(&minLatency, old, latencyNs) {
						break
					}
				}

				// Update max latency
				for {
					old := atomic.LoadInt64(&maxLatency)
					if latencyNs <= old || atomic.CompareAndSwapInt64(&maxLatency, old, latencyNs) {
						break
					}
				}
			} else {
				atomic.AddInt64(&failedReqs, 1)
			}

			if totalReqs%10 == 0 {
				fmt.Printf("\rRequests: %d | Success: %d | Failed: %d",
					totalReqs, successReqs, failedReqs)
			}
		}
	}()

	// Run for specified duration
	startTime := time.Now()
	fmt.Printf("Running benchmark for %d seconds...\n", *duration)
	time.Sleep(time.Duration(*duration) * time.Second)

	// Stop workers
	close(stopChan)
	wg.Wait()
	close(resultsChan)
	collectorWg.Wait()

	elapsed := time.Since(startTime)

	// Calculate results
	tps := float64(totalReqs) / elapsed.Seconds()
	avgLatency := time.Duration(0)
	if successReqs > 0 {
		avgLatency = time.Duration(totalLatency / successReqs)
	}

	// Print results
	fmt.Println("\n\n========================================")
	fmt.Println("   BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Total Requests:    %d\n", totalReqs)
	fmt.Printf("Successful:        %d (%.2f%%)\n", successReqs, float64(successReqs)/float64(totalReqs)*100)
	fmt.Printf("Failed:            %d (%.2f%%)\n", failedReqs, float64(failedReqs)/float64(totalReqs)*100)
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Printf("Throughput (TPS):  %.2f\n", tps)
	fmt.Printf("Avg Latency:       %v\n", avgLatency)
	fmt.Printf("Min Latency:       %v\n", time.Duration(minLatency))
	fmt.Printf("Max Latency:       %v\n", time.Duration(maxLatency))
	fmt.Println("========================================")

	// Save to CSV
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{
		"Nodes", "Workers", "Duration_s",
		"Total_Requests", "Successful", "Failed",
		"TPS", "Avg_Latency_ms", "Min_Latency_ms", "Max_Latency_ms",
	})

	writer.Write([]string{
		fmt.Sprintf("%d", *nodes),
		fmt.Sprintf("%d", *workers),
		fmt.Sprintf("%d", *duration),
		fmt.Sprintf("%d", totalReqs),
		fmt.Sprintf("%d", successReqs),
		fmt.Sprintf("%d", failedReqs),
		fmt.Sprintf("%.2f", tps),
		fmt.Sprintf("%.2f", float64(avgLatency.Milliseconds())),
		fmt.Sprintf("%.2f", float64(time.Duration(minLatency).Milliseconds())),
		fmt.Sprintf("%.2f", float64(time.Duration(maxLatency).Milliseconds())),
	})

	fmt.Printf("\nResults saved to: %s\n", filename)
}

func worker(id int, baseURL, manuAddr string, stopChan chan struct{}, resultsChan chan WorkflowResult, wg *sync.WaitGroup) {
	defer wg.Done()

	client := NewHTTPClient(baseURL)
	seq := 0

	for {
		select {
		case <-stopChan:
			return
		default:
			seq++
			start := time.Now()
			err := submitMaterial(client, manuAddr, id, seq)
			latency := time.Since(start)

			result := WorkflowResult{
				Success: err == nil,
				Latency: latency,
			}
			if err != nil {
				result.ErrorMsg = err.Error()
			}

			resultsChan <- result
		}
	}
}

// submitMaterial pushes one raw material record through consensus.
func submitMaterial(client *HTTPClient, manuAddr string, workerID, seq int) error {
	resp, err := client.POST("/ledger/materials", manuAddr, map[string]interface{}{
		"name":     fmt.Sprintf("API lot w%d-%d", workerID, seq),
		"origin":   "plant 7",
		"quantity": 100,
	})
	if err != nil {
		return fmt.Errorf("add material: %v", err)
	}

	var commitResp CommitResponse
	if err := UnmarshalBody(resp, &commitResp); err != nil {
		return fmt.Errorf("add material unmarshal: %v", err)
	}
	return nil
}
