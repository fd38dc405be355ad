package cas

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNowMs(t *testing.T) {
	// Year 2024 in milliseconds is approximately 1704067200000
	if ts := NowMs(); ts < 1704067200000 {
		t.Errorf("NowMs() returned %d, expected timestamp after 2024", ts)
	}
}

func TestCanonicalJSON_NestedObject(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"b": 1, "a": 2},
		"a": 3,
	}

	result, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}

	expected := `{"a":3,"z":{"a":2,"b":1}}`
	if string(result) != expected {
		t.Errorf("expected %s, got %s", expected, string(result))
	}
}

func TestCanonicalJSON_Primitives(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"number", 42, "42"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"array", []interface{}{map[string]interface{}{"b": 1, "a": 2}}, `[{"a":2,"b":1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := CanonicalJSON(tt.input)
			if err != nil {
				t.Fatalf("CanonicalJSON failed: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, string(result))
			}
		})
	}
}

func TestContentID_KindSeparatesDomains(t *testing.T) {
	payload := map[string]interface{}{"path": "a.ts"}

	a, err := ContentID("hunk", payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ContentID("file", payload)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("same payload under different kinds must hash differently")
	}

	again, _ := ContentID("hunk", map[string]interface{}{"path": "a.ts"})
	if a != again {
		t.Errorf("ContentID not deterministic: %s vs %s", a, again)
	}
}

func TestChecksum(t *testing.T) {
	sum := Checksum([]byte("hello"))
	if !strings.HasPrefix(sum, ChecksumPrefix) {
		t.Errorf("checksum %q missing prefix", sum)
	}
	if len(sum) != len(ChecksumPrefix)+64 {
		t.Errorf("unexpected checksum length %d", len(sum))
	}
	if sum == Checksum([]byte("hello!")) {
		t.Error("different content produced equal checksums")
	}
}

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")

	sum, err := FileChecksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != AbsentChecksum {
		t.Errorf("missing file should be AbsentChecksum, got %q", sum)
	}

	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	sum, err = FileChecksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != Checksum([]byte("content")) {
		t.Errorf("FileChecksum %q != Checksum %q", sum, Checksum([]byte("content")))
	}
}
