package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"
)

// Tag is one named data point on the automation server. Address is an OPC UA
// node id string, e.g. "ns=2;s=2F 201客房 壓扣 警報狀態". The full tag set is
// loaded once at startup and never mutated.
type Tag struct {
	Name    string
	Address string
}

const (
	DefaultEndpoint = "opc.tcp://127.0.0.1:4840"
	DefaultTagFile  = "tags.csv"

	DefaultPollInterval   = 1 * time.Second
	DefaultSettleTimeout  = 10 * time.Second
	DefaultBackoffFloor   = 2 * time.Second
	DefaultBackoffStep    = 1 * time.Second
	DefaultBackoffCeiling = 10 * time.Second
	DefaultFailedCycles   = 3
	DefaultReadTimeout    = 3 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

// LoadTags reads the two-column tag list (name,address). Lines starting with
// '#' and blank lines are skipped. A header row is tolerated when its first
// cell is literally "name". Duplicate tag names are an error.
func LoadTags(path string) ([]Tag, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tag list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse tag list %s: %w", path, err)
	}

	var tags []Tag
	seen := make(map[string]bool)
	for i, rec := range records {
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("tag list %s line %d: expected name,address", path, i+1)
		}
		name := strings.TrimSpace(rec[0])
		addr := strings.TrimSpace(rec[1])
		if i == 0 && strings.EqualFold(name, "name") {
			continue
		}
		if name == "" || addr == "" {
			return nil, fmt.Errorf("tag list %s line %d: empty name or address", path, i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("tag list %s line %d: duplicate tag %q", path, i+1, name)
		}
		seen[name] = true
		tags = append(tags, Tag{Name: name, Address: addr})
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("tag list %s contains no tags", path)
	}
	return tags, nil
}
