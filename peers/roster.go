package peers

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/printmesh/printmesh/lamport"
)

// ParseList parses the compact flag form "id:host:port,id:host:port".
func ParseList(s string) ([]Endpoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty peer list")
	}
	var out []Endpoint
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("peer entry %q: want id:host:port", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("peer entry %q: bad ID: %w", entry, err)
		}
		out = append(out, Endpoint{
			ID:   lamport.NodeID(id),
			Addr: parts[1] + ":" + parts[2],
		})
	}
	return out, nil
}

type rosterEntry struct {
	ID   lamport.NodeID `json:"id"`
	Addr string         `json:"addr"`
}

// LoadRoster reads a roster file in HuJSON (JSON with comments and
// trailing commas): an array of {"id": n, "addr": "host:port"}
// objects covering every mesh member.
func LoadRoster(path string) ([]Endpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	var entries []rosterEntry
	if err := json.Unmarshal(std, &entries); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	out := make([]Endpoint, len(entries))
	for i, e := range entries {
		out[i] = Endpoint{ID: e.ID, Addr: e.Addr}
	}
	return out, nil
}
