package envutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKey(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{"HTTP_PROXY=http://127.0.0.1:8080", "HTTP_PROXY"},
		{"EMPTY=", "EMPTY"},
		{"A=b=c", "A"},
		{"NOVALUE", "NOVALUE"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Key(tt.entry); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.entry, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	env := []string{"A=1", "HTTP_PROXY=old", "B=", "HTTP_PROXY=new"}

	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{"A", "1", true},
		{"B", "", true},
		{"HTTP_PROXY", "new", true},
		{"HTTP", "", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := Lookup(env, tt.key)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := Lookup(nil, "A"); ok {
		t.Error("Lookup on nil env should not find anything")
	}
}

func TestWithout(t *testing.T) {
	env := []string{"PATH=/bin", "ALL_PROXY=socks5://x", "all_proxy=socks5://x", "HOME=/root"}
	got := Without(env, "ALL_PROXY", "all_proxy")
	want := []string{"PATH=/bin", "HOME=/root"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Without() mismatch (-want +got):\n%s", diff)
	}
	if len(env) != 4 {
		t.Error("Without must not modify its input")
	}

	if got := Without(nil, "A"); len(got) != 0 {
		t.Errorf("Without(nil) = %v, want empty", got)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "append new keys in order",
			base:      []string{"PATH=/bin"},
			overrides: []string{"HTTP_PROXY=p", "NO_PROXY=n"},
			want:      []string{"PATH=/bin", "HTTP_PROXY=p", "NO_PROXY=n"},
		},
		{
			name:      "replace in place",
			base:      []string{"HTTP_PROXY=old", "PATH=/bin"},
			overrides: []string{"HTTP_PROXY=new"},
			want:      []string{"HTTP_PROXY=new", "PATH=/bin"},
		},
		{
			name:      "duplicate base keys collapse",
			base:      []string{"HTTP_PROXY=a", "PATH=/bin", "HTTP_PROXY=b"},
			overrides: []string{"HTTP_PROXY=c"},
			want:      []string{"HTTP_PROXY=c", "PATH=/bin"},
		},
		{
			name:      "last override wins",
			base:      nil,
			overrides: []string{"A=1", "A=2"},
			want:      []string{"A=2"},
		},
		{
			name:      "keys are case sensitive",
			base:      []string{"http_proxy=lower"},
			overrides: []string{"HTTP_PROXY=upper"},
			want:      []string{"http_proxy=lower", "HTTP_PROXY=upper"},
		},
		{
			name:      "no overrides",
			base:      []string{"A=1"},
			overrides: nil,
			want:      []string{"A=1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.base, tt.overrides)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
