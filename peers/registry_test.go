package peers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/printmesh/printmesh/lamport"
)

func TestRegistry(t *testing.T) {
	reg, err := New(
		Endpoint{ID: 2, Addr: "127.0.0.1:7002"},
		[]Endpoint{
			{ID: 3, Addr: "127.0.0.1:7003"},
			{ID: 1, Addr: "127.0.0.1:7001"},
		},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := reg.Self().ID; got != 2 {
		t.Errorf("Self().ID = %d, want 2", got)
	}
	if got := reg.Size(); got != 3 {
		t.Errorf("Size() = %d, want 3", got)
	}
	wantIDs := []lamport.NodeID{1, 3}
	if diff := cmp.Diff(wantIDs, reg.OtherIDs()); diff != "" {
		t.Errorf("OtherIDs() mismatch (-want +got):\n%s", diff)
	}
	if ep, ok := reg.Lookup(3); !ok || ep.Addr != "127.0.0.1:7003" {
		t.Errorf("Lookup(3) = %v, %v", ep, ok)
	}
	if _, ok := reg.Lookup(9); ok {
		t.Error("Lookup(9) found a node that does not exist")
	}
}

func TestRegistryRejectsBadInput(t *testing.T) {
	self := Endpoint{ID: 1, Addr: "127.0.0.1:7001"}

	cases := []struct {
		name   string
		self   Endpoint
		others []Endpoint
	}{
		{"own ID among peers", self, []Endpoint{{ID: 1, Addr: "127.0.0.1:7009"}}},
		{"duplicate peer ID", self, []Endpoint{{ID: 2, Addr: "a:1"}, {ID: 2, Addr: "b:2"}}},
		{"empty peer address", self, []Endpoint{{ID: 2}}},
		{"empty self address", Endpoint{ID: 1}, nil},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.self, tt.others); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestFromRoster(t *testing.T) {
	roster := []Endpoint{
		{ID: 1, Addr: "127.0.0.1:7001"},
		{ID: 2, Addr: "127.0.0.1:7002"},
		{ID: 3, Addr: "127.0.0.1:7003"},
	}

	reg, err := FromRoster(2, roster)
	if err != nil {
		t.Fatalf("FromRoster: %v", err)
	}
	if reg.Self().Addr != "127.0.0.1:7002" {
		t.Errorf("Self().Addr = %q", reg.Self().Addr)
	}
	if diff := cmp.Diff([]lamport.NodeID{1, 3}, reg.OtherIDs()); diff != "" {
		t.Errorf("OtherIDs() mismatch (-want +got):\n%s", diff)
	}

	if _, err := FromRoster(9, roster); err == nil {
		t.Error("FromRoster(9) succeeded for an ID not in the roster")
	}
}

func TestParseList(t *testing.T) {
	got, err := ParseList("1:127.0.0.1:7001, 3:printer.local:7003")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	want := []Endpoint{
		{ID: 1, Addr: "127.0.0.1:7001"},
		{ID: 3, Addr: "printer.local:7003"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseList mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"", "1:nohost", "x:host:1", "1:host:1;2:host:2"} {
		if _, err := ParseList(bad); err == nil {
			t.Errorf("ParseList(%q) succeeded, want error", bad)
		}
	}
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.hujson")
	body := `// three-node bench mesh
[
	{"id": 1, "addr": "127.0.0.1:7001"},
	{"id": 2, "addr": "127.0.0.1:7002"}, // trailing comma below is fine
	{"id": 3, "addr": "127.0.0.1:7003"},
]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	want := []Endpoint{
		{ID: 1, Addr: "127.0.0.1:7001"},
		{ID: 2, Addr: "127.0.0.1:7002"},
		{ID: 3, Addr: "127.0.0.1:7003"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("LoadRoster mismatch (-want +got):\n%s", diff)
	}
}
