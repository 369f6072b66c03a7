package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// portTopology describes one port's baud and polled addresses, either built
// from repeated flags or loaded from a --topology YAML file for bus layouts
// too large to spell out on the command line.
type portTopology struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	Addresses   []int         `yaml:"addresses"`
	PollPeriod  time.Duration `yaml:"poll_period"`
}

type fileTopology struct {
	Ports []portTopology `yaml:"ports"`
}

// loadTopologyFile parses a YAML topology file.
func loadTopologyFile(path string) ([]portTopology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	var ft fileTopology
	if err := yaml.Unmarshal(b, &ft); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}
	for i := range ft.Ports {
		if ft.Ports[i].Baud == 0 {
			ft.Ports[i].Baud = 38400
		}
		if ft.Ports[i].PollPeriod == 0 {
			ft.Ports[i].PollPeriod = 250 * time.Millisecond
		}
	}
	return ft.Ports, nil
}

// topologyFromFlags builds one portTopology per --port flag, applying the
// shared --baud and --addr values to each.
func topologyFromFlags(ports []string, baud int, addrs []int, pollPeriod time.Duration) []portTopology {
	out := make([]portTopology, 0, len(ports))
	for _, p := range ports {
		out = append(out, portTopology{Port: p, Baud: baud, Addresses: addrs, PollPeriod: pollPeriod})
	}
	return out
}
