package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const DefaultLocalFactsPath = "~/.cluster_facts.json"

// Fact describes one node in the fleet facts file.
type Fact struct {
	Name      string `json:"name"`
	Subnet    string `json:"subnet"`
	MainUser  string `json:"main_user"`
	Owner     string `json:"owner"`
	IPAddress string `json:"ip_address,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

// FleetFacts maps node name to its facts.
type FleetFacts map[string]Fact

// WriteFactsFile writes facts as JSON to path, replacing any previous file.
func WriteFactsFile(path string, facts FleetFacts) error {
	path, err := ExpandHome(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write facts: %w", err)
	}
	return nil
}

// ReadFactsFile loads a facts file written by WriteFactsFile.
func ReadFactsFile(path string) (FleetFacts, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	facts := FleetFacts{}
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	return facts, nil
}
