// Copyright 2026 RelayPath
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/guptarohit/asciigraph"

	"github.com/relaypath/pipeflow/internal/canary"
)

func main() {
	var addr string
	var name string
	var interval time.Duration
	var samples int

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&addr, "addr", "http://localhost:8080", "pipeflowd base URL")
	fs.StringVar(&name, "name", "", "pipeline name with an active canary")
	fs.DurationVar(&interval, "interval", time.Second, "poll interval")
	fs.IntVar(&samples, "samples", 30, "number of samples to collect before plotting")
	_ = fs.Parse(os.Args[1:])

	if name == "" {
		fmt.Fprintln(os.Stderr, "pipeflowctl: -name is required")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	errorRates := make([]float64, 0, samples)
	weights := make([]float64, 0, samples)

	for i := 0; i < samples; i++ {
		snapshot, err := fetchCanarySnapshot(client, addr, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pipeflowctl: %v\n", err)
			os.Exit(1)
		}

		errorRates = append(errorRates, snapshot.NewMetrics.ErrorRate()*100)
		weights = append(weights, snapshot.CurrentWeight*100)

		if snapshot.Status != canary.StatusObserving {
			fmt.Printf("canary %s reached terminal status %s after %d sample(s)\n", name, snapshot.Status, len(errorRates))
			break
		}
		if i < samples-1 {
			time.Sleep(interval)
		}
	}

	if len(errorRates) < 2 {
		fmt.Println("not enough samples to plot; try a longer -samples run")
		return
	}

	fmt.Printf("canary %s — new-version error rate (%%)\n", name)
	fmt.Println(asciigraph.Plot(errorRates, asciigraph.Height(10), asciigraph.Caption("error rate %")))
	fmt.Println()
	fmt.Printf("canary %s — traffic weight to new version (%%)\n", name)
	fmt.Println(asciigraph.Plot(weights, asciigraph.Height(10), asciigraph.Caption("weight %")))
}

func fetchCanarySnapshot(client *http.Client, addr, name string) (*canary.Snapshot, error) {
	url := fmt.Sprintf("%s/api/v1/pipelines/%s/canary", addr, name)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch canary state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch canary state: unexpected status %d", resp.StatusCode)
	}

	var snapshot canary.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode canary state: %w", err)
	}
	return &snapshot, nil
}
