package engine

import "testing"

func TestIsCheckpointResponse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		pattern string
		want    bool
	}{
		{"empty pattern never matches", "anything", "", false},
		{"exact match", "CHECKPOINT_OK", "CHECKPOINT_OK", true},
		{"case insensitive", "checkpoint_ok: saved state", "CHECKPOINT_OK", true},
		{"substring within larger output", "some preamble\nCHECKPOINT_OK\ntrailer", "CHECKPOINT_OK", true},
		{"no match", "I finished the task.", "CHECKPOINT_OK", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsCheckpointResponse(c.raw, c.pattern); got != c.want {
				t.Errorf("IsCheckpointResponse(%q, %q) = %v, want %v", c.raw, c.pattern, got, c.want)
			}
		})
	}
}
