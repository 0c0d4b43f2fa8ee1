package syncx

import (
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	payload := map[string]any{
		"title":    "Buy gloves",
		"priority": "P2",
		"labels":   []string{"errand", "weekend"},
	}

	h1, err := Hash(payload)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(payload)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected sha256 hex digest, got %d chars", len(h1))
	}
}

func TestHashKeyOrderIndependent(t *testing.T) {
	type a struct {
		Title    string `json:"title"`
		Priority string `json:"priority"`
	}
	type b struct {
		Priority string `json:"priority"`
		Title    string `json:"title"`
	}

	h1, err := Hash(a{Title: "x", Priority: "P1"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(b{Title: "x", Priority: "P1"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("field declaration order changed hash: %s != %s", h1, h2)
	}
}

func TestHashSensitivity(t *testing.T) {
	tests := []struct {
		name string
		a    map[string]any
		b    map[string]any
		same bool
	}{
		{
			name: "identical maps",
			a:    map[string]any{"k": "v", "n": 1},
			b:    map[string]any{"n": 1, "k": "v"},
			same: true,
		},
		{
			name: "value change",
			a:    map[string]any{"k": "v"},
			b:    map[string]any{"k": "w"},
			same: false,
		},
		{
			name: "array order matters",
			a:    map[string]any{"labels": []string{"a", "b"}},
			b:    map[string]any{"labels": []string{"b", "a"}},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, err := Hash(tt.a)
			if err != nil {
				t.Fatal(err)
			}
			hb, err := Hash(tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if (ha == hb) != tt.same {
				t.Errorf("same=%v, want %v (ha=%s hb=%s)", ha == hb, tt.same, ha, hb)
			}
		})
	}
}
