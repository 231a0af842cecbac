package vfs_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"chunkfs/internal/vfs"
)

func TestSplitPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    []string
		wantErr bool
	}{
		{name: "empty is root", path: "", want: nil},
		{name: "slash is root", path: "/", want: nil},
		{name: "nested", path: "/a/b/c.txt", want: []string{"a", "b", "c.txt"}},
		{name: "relative", path: "a/b", want: []string{"a", "b"}},
		{name: "repeated slashes", path: "//a///b/", want: []string{"a", "b"}},
		{name: "dot", path: "/a/./b", wantErr: true},
		{name: "dotdot", path: "/a/../b", wantErr: true},
		{name: "nul", path: "/a\x00b", wantErr: true},
		{name: "too long", path: "/" + strings.Repeat("x", vfs.MaxNameLen+1), wantErr: true},
		{name: "longest allowed", path: "/" + strings.Repeat("x", vfs.MaxNameLen), want: []string{strings.Repeat("x", vfs.MaxNameLen)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vfs.SplitPath(tt.path)
			if tt.wantErr {
				if !errors.Is(err, vfs.ErrInvalidArgument) {
					t.Errorf("SplitPath(%q) error = %v, want ErrInvalidArgument", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitPath(%q) error = %v", tt.path, err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("SplitPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSplitParent(t *testing.T) {
	parent, leaf, err := vfs.SplitParent("/a/b/c.txt")
	if err != nil {
		t.Fatalf("SplitParent() error = %v", err)
	}
	if vfs.JoinPath(parent) != "/a/b" || leaf != "c.txt" {
		t.Errorf("SplitParent() = %v, %q", parent, leaf)
	}

	if _, _, err := vfs.SplitParent("/"); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("SplitParent(/) error = %v, want ErrInvalidArgument", err)
	}
}

func TestSameParent(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"/x/foo", "/x/bar", true},
		{"x/foo", "/x//bar", true},
		{"/foo", "/bar", true},
		{"/x/foo", "/y/foo", false},
		{"/x/foo", "/x/y/foo", false},
	}
	for _, tt := range tests {
		got, err := vfs.SameParent(tt.a, tt.b)
		if err != nil {
			t.Fatalf("SameParent(%q, %q) error = %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("SameParent(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPathError(t *testing.T) {
	err := vfs.NewPathError("move", "/a", vfs.ErrCycleDetected)
	if !errors.Is(err, vfs.ErrCycleDetected) {
		t.Error("PathError does not unwrap to its kind")
	}
	if got := err.Error(); got != "move /a: cycle detected" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(vfs.ErrDestinationExists, vfs.ErrAlreadyExists) {
		t.Error("ErrDestinationExists should match ErrAlreadyExists")
	}
}
