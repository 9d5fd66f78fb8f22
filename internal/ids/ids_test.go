package ids

import "testing"

func TestSafePane(t *testing.T) {
	cases := map[string]string{
		"%3":            "%3",
		"session:0.1":   "session-0-1",
		"a:b:c":         "a-b-c",
	}
	for in, want := range cases {
		if got := SafePane(in); got != want {
			t.Errorf("SafePane(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseGroup(t *testing.T) {
	tests := []struct {
		addr string
		want Group
	}{
		{"@all", Group{Kind: All}},
		{"@active", Group{Kind: Active}},
		{"@coordinators", Group{Kind: Coordinators}},
		{"@swarm:launch-3", Group{Kind: Swarm, Name: "launch-3"}},
		{"@type:backend", Group{Kind: Type, Name: "backend"}},
		{"alice", Group{Kind: Individual, Name: "alice"}},
	}
	for _, tt := range tests {
		if got := ParseGroup(tt.addr); got != tt.want {
			t.Errorf("ParseGroup(%q) = %+v, want %+v", tt.addr, got, tt.want)
		}
	}
}
