package shard

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Placement is the on-disk ownership table:
//
//	nodes:
//	  node-a: http://10.0.0.1:8080
//	  node-b: http://10.0.0.2:8080
//	default: node-a
//	shards:
//	  3: node-b
//	  7: node-b
//
// Shards not listed go to Default; with no Default they are unassigned.
type Placement struct {
	Nodes   map[string]string `yaml:"nodes"`
	Default string            `yaml:"default,omitempty"`
	Shards  map[int]string    `yaml:"shards,omitempty"`
}

// ParsePlacement decodes a YAML placement, rejecting unknown fields.
func ParsePlacement(data []byte) (Placement, error) {
	var p Placement
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Placement{}, fmt.Errorf("parse placement: %w", err)
	}
	return p, nil
}

// ReadPlacement reads and decodes the placement file at path.
func ReadPlacement(path string) (Placement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Placement{}, fmt.Errorf("read placement: %w", err)
	}
	return ParsePlacement(data)
}

// resolve expands p into a full shard -> node map for a cluster of shards
// partitions.
func (p Placement) resolve(shards int) (map[int]string, error) {
	known := func(node string) error {
		if _, ok := p.Nodes[node]; !ok {
			return fmt.Errorf("placement names unknown node %q", node)
		}
		return nil
	}

	out := make(map[int]string, shards)
	if p.Default != "" {
		if err := known(p.Default); err != nil {
			return nil, err
		}
		for s := 0; s < shards; s++ {
			out[s] = p.Default
		}
	}
	for s, node := range p.Shards {
		if s < 0 || s >= shards {
			return nil, fmt.Errorf("placement shard %d out of range [0, %d)", s, shards)
		}
		if node == "" {
			delete(out, s)
			continue
		}
		if err := known(node); err != nil {
			return nil, err
		}
		out[s] = node
	}
	return out, nil
}
