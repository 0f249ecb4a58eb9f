package loader

import "testing"

func TestIsYAML(t *testing.T) {
	cases := map[string]bool{
		"flow.yaml": true,
		"flow.yml":  true,
		"flow.json": false,
		"flow":      false,
		"FLOW.YAML": true,
	}
	for path, want := range cases {
		if got := isYAML(path); got != want {
			t.Errorf("isYAML(%q) = %v, want %v", path, got, want)
		}
	}
}
