package patch

import (
	"errors"
	"testing"
)

func TestApplyUnified(t *testing.T) {
	tests := []struct {
		name     string
		original string
		diff     string
		want     string
	}{
		{
			name:     "insert middle",
			original: "one\ntwo\nthree\n",
			diff:     "@@ -1,3 +1,4 @@\n one\n two\n+two and a half\n three\n",
			want:     "one\ntwo\ntwo and a half\nthree\n",
		},
		{
			name:     "remove line",
			original: "one\ntwo\nthree\n",
			diff:     "@@ -1,3 +1,2 @@\n one\n-two\n three\n",
			want:     "one\nthree\n",
		},
		{
			name:     "two hunks",
			original: "1\n2\n3\n4\n5\n6\n7\n8\n",
			diff:     "@@ -1,2 +1,2 @@\n-1\n+one\n 2\n@@ -7,2 +7,2 @@\n 7\n-8\n+eight\n",
			want:     "one\n2\n3\n4\n5\n6\n7\neight\n",
		},
		{
			name:     "empty file",
			original: "",
			diff:     "@@ -0,0 +1,2 @@\n+hello\n+world\n",
			want:     "hello\nworld\n",
		},
		{
			name:     "with file headers",
			original: "x\n",
			diff:     "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1,2 @@\n x\n+y\n",
			want:     "x\ny\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyUnified([]byte(tt.original), []byte(tt.diff))
			if err != nil {
				t.Fatalf("applyUnified: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyUnified_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		original string
		diff     string
	}{
		{"context mismatch", "one\ntwo\n", "@@ -1,2 +1,3 @@\n one\n zwei\n+three\n"},
		{"past end", "one\n", "@@ -5,1 +5,1 @@\n-five\n+FIVE\n"},
		{"no hunks", "one\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyUnified([]byte(tt.original), []byte(tt.diff))
			if !errors.Is(err, ErrPatchRejected) {
				t.Errorf("expected ErrPatchRejected, got %v", err)
			}
		})
	}
}

func TestAppendContent(t *testing.T) {
	tests := []struct {
		current, addition, want string
	}{
		{"", "x", "x\n"},
		{"a\n", "b\n", "a\n\nb\n"},
		{"a", "b", "a\n\nb\n"},
	}
	for _, tt := range tests {
		if got := string(appendContent([]byte(tt.current), []byte(tt.addition))); got != tt.want {
			t.Errorf("appendContent(%q, %q) = %q, want %q", tt.current, tt.addition, got, tt.want)
		}
	}
}
