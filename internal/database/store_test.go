package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"chunkfs/internal/vfs"
)

var testNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func newTestUser(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, testNow)
	if err != nil {
		t.Fatalf("CreateUser(%q) error = %v", name, err)
	}
	return u.ID
}

func mustCreate(t *testing.T, s *Store, user int64, path string) *vfs.Node {
	t.Helper()
	n, err := s.Create(context.Background(), user, path, testNow)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", path, err)
	}
	return n
}

func mustMkdir(t *testing.T, s *Store, user int64, path string) *vfs.Node {
	t.Helper()
	n, err := s.Mkdir(context.Background(), user, path, testNow)
	if err != nil {
		t.Fatalf("Mkdir(%q) error = %v", path, err)
	}
	return n
}

func mustResolve(t *testing.T, s *Store, user int64, path string) *vfs.Node {
	t.Helper()
	n, err := s.Resolve(context.Background(), user, path, vfs.AnyType)
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", path, err)
	}
	return n
}

func mustPutChunk(t *testing.T, s *Store, node int64, index int64, ref string) {
	t.Helper()
	_, err := s.PutChunk(context.Background(), vfs.Chunk{
		NodeID: node, Index: index, Size: 10, Ref: vfs.BlobRef(ref), Checksum: "sum",
	}, false)
	if err != nil {
		t.Fatalf("PutChunk(%d) error = %v", index, err)
	}
}

// checkInvariants verifies the root, sibling and closure invariants over the
// whole database.
func checkInvariants(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	type row struct {
		user   int64
		parent *int64
		name   string
	}
	nodes := map[int64]row{}
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, parent_id, name FROM nodes")
	if err != nil {
		t.Fatalf("loading nodes: %v", err)
	}
	for rows.Next() {
		var id int64
		var r row
		if err := rows.Scan(&id, &r.user, &r.parent, &r.name); err != nil {
			t.Fatalf("scanning node: %v", err)
		}
		nodes[id] = r
	}
	rows.Close()

	roots := map[int64]int{}
	siblings := map[string]bool{}
	want := map[[2]int64]int64{}
	for id, r := range nodes {
		if r.parent == nil {
			roots[r.user]++
		} else {
			key := fmt.Sprintf("%d/%d/%s", r.user, *r.parent, r.name)
			if siblings[key] {
				t.Errorf("duplicate sibling name %q", key)
			}
			siblings[key] = true
		}

		depth := int64(0)
		for cur := id; ; depth++ {
			want[[2]int64{cur, id}] = depth
			p := nodes[cur].parent
			if p == nil {
				break
			}
			cur = *p
			if depth > int64(len(nodes)) {
				t.Fatalf("parent chain of %d does not reach a root", id)
			}
		}
	}
	for user, n := range roots {
		if n != 1 {
			t.Errorf("user %d has %d roots", user, n)
		}
	}

	got := map[[2]int64]int64{}
	rows, err = s.db.QueryContext(ctx, "SELECT ancestor, descendant, depth FROM node_closure")
	if err != nil {
		t.Fatalf("loading closure: %v", err)
	}
	for rows.Next() {
		var a, d, depth int64
		if err := rows.Scan(&a, &d, &depth); err != nil {
			t.Fatalf("scanning closure: %v", err)
		}
		got[[2]int64{a, d}] = depth
	}
	rows.Close()

	for k, depth := range want {
		g, ok := got[k]
		if !ok {
			t.Errorf("closure row %d -> %d missing", k[0], k[1])
		} else if g != depth {
			t.Errorf("closure row %d -> %d has depth %d, want %d", k[0], k[1], g, depth)
		}
	}
	for k := range got {
		if _, ok := want[k]; !ok {
			t.Errorf("stray closure row %d -> %d", k[0], k[1])
		}
	}
}

func TestStore_CreateUser(t *testing.T) {
	ctx := context.Background()

	t.Run("creates root directory", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")

		root := mustResolve(t, s, user, "/")
		if !root.IsRoot() || root.Type != vfs.Dir {
			t.Errorf("root = %+v, want a parentless directory", root)
		}
		checkInvariants(t, s)
	})

	t.Run("rejects duplicate username", func(t *testing.T) {
		s := newTestStore(t)
		newTestUser(t, s, "alice")

		_, err := s.CreateUser(ctx, "alice", testNow)
		if !errors.Is(err, vfs.ErrAlreadyExists) {
			t.Errorf("CreateUser() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("finds users by name", func(t *testing.T) {
		s := newTestStore(t)
		id := newTestUser(t, s, "alice")

		u, err := s.FindUserByName(ctx, "alice")
		if err != nil {
			t.Fatalf("FindUserByName() error = %v", err)
		}
		if u.ID != id {
			t.Errorf("FindUserByName() id = %d, want %d", u.ID, id)
		}
		if _, err := s.FindUserByName(ctx, "bob"); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("FindUserByName(bob) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Resolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")
	mustCreate(t, s, user, "/a/b/c.txt")

	tests := []struct {
		name   string
		user   int64
		path   string
		expect vfs.NodeType
		want   error
	}{
		{"file", user, "/a/b/c.txt", vfs.File, nil},
		{"relative path", user, "a/b", vfs.Dir, nil},
		{"empty path is root", user, "", vfs.Dir, nil},
		{"missing leaf", user, "/a/b/d.txt", vfs.AnyType, vfs.ErrNotFound},
		{"missing segment", user, "/a/x/c.txt", vfs.AnyType, vfs.ErrNotFound},
		{"file as directory", user, "/a/b/c.txt/d", vfs.AnyType, vfs.ErrNotADirectory},
		{"expected file", user, "/a/b", vfs.File, vfs.ErrNotAFile},
		{"expected directory", user, "/a/b/c.txt", vfs.Dir, vfs.ErrNotADirectory},
		{"unknown user", user + 100, "/", vfs.AnyType, vfs.ErrNotFound},
		{"invalid segment", user, "/a/../b", vfs.AnyType, vfs.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Resolve(ctx, tt.user, tt.path, tt.expect)
			if tt.want == nil && err != nil {
				t.Errorf("Resolve(%q) error = %v", tt.path, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.path, err, tt.want)
			}
		})
	}
}

func TestStore_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	mustCreate(t, s, alice, "/shared/notes.txt")
	mustCreate(t, s, bob, "/shared/notes.txt")

	if _, err := s.Resolve(ctx, bob, "/shared/notes.txt", vfs.File); err != nil {
		t.Errorf("Resolve() for bob error = %v", err)
	}
	if err := s.Rmdir(ctx, alice, "/shared"); !errors.Is(err, vfs.ErrNotEmpty) {
		t.Errorf("Rmdir() error = %v, want ErrNotEmpty", err)
	}
	checkInvariants(t, s)
}

func TestStore_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing parents", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")

		n := mustCreate(t, s, user, "/a/b/c.txt")
		if n.Type != vfs.File || !n.Ready || n.Size != 0 {
			t.Errorf("Create() = %+v, want empty ready file", n)
		}
		if !n.Crtime.Equal(testNow) {
			t.Errorf("Crtime = %v, want %v", n.Crtime, testNow)
		}

		got := mustResolve(t, s, user, "/a/b/c.txt")
		if got.Type != vfs.File {
			t.Errorf("stat type = %v, want file", got.Type)
		}
		if mustResolve(t, s, user, "/a").Type != vfs.Dir {
			t.Error("/a was not created as a directory")
		}
		checkInvariants(t, s)
	})

	t.Run("fails when the leaf exists", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/a.txt")
		mustMkdir(t, s, user, "/dir")

		for _, p := range []string{"/a.txt", "/dir"} {
			if _, err := s.Create(ctx, user, p, testNow); !errors.Is(err, vfs.ErrAlreadyExists) {
				t.Errorf("Create(%q) error = %v, want ErrAlreadyExists", p, err)
			}
		}
	})

	t.Run("fails under a file", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/a.txt")

		if _, err := s.Create(ctx, user, "/a.txt/b.txt", testNow); !errors.Is(err, vfs.ErrNotADirectory) {
			t.Errorf("Create() error = %v, want ErrNotADirectory", err)
		}
		checkInvariants(t, s)
	})

	t.Run("rejects the root", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")

		if _, err := s.Create(ctx, user, "/", testNow); !errors.Is(err, vfs.ErrInvalidArgument) {
			t.Errorf("Create(/) error = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestStore_Mkdir(t *testing.T) {
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")

		first := mustMkdir(t, s, user, "/a/b")
		second := mustMkdir(t, s, user, "/a/b")
		if first.ID != second.ID {
			t.Errorf("second Mkdir() id = %d, want %d", second.ID, first.ID)
		}

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM nodes WHERE name = 'b'").Scan(&count); err != nil {
			t.Fatalf("count query failed: %v", err)
		}
		if count != 1 {
			t.Errorf("found %d nodes named b, want 1", count)
		}
		checkInvariants(t, s)
	})

	t.Run("root is already there", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")

		if n := mustMkdir(t, s, user, "/"); !n.IsRoot() {
			t.Errorf("Mkdir(/) = %+v, want root", n)
		}
	})

	t.Run("fails over a file", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/a")

		if _, err := s.Mkdir(ctx, user, "/a", testNow); !errors.Is(err, vfs.ErrAlreadyExists) {
			t.Errorf("Mkdir() error = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestStore_ListDir(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")
	mustCreate(t, s, user, "/b.txt")
	mustCreate(t, s, user, "/A.txt")
	mustMkdir(t, s, user, "/zeta")
	mustMkdir(t, s, user, "/alpha")
	mustCreate(t, s, user, "/alpha/inner.txt")

	entries, err := s.ListDir(ctx, user, "/")
	if err != nil {
		t.Fatalf("ListDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"alpha", "zeta", "A.txt", "b.txt"}
	if !slices.Equal(names, want) {
		t.Errorf("ListDir() = %v, want %v", names, want)
	}
	if entries[0].Type != vfs.Dir || entries[3].Type != vfs.File {
		t.Errorf("ListDir() types = %v, %v", entries[0].Type, entries[3].Type)
	}

	empty, err := s.ListDir(ctx, user, "/zeta")
	if err != nil || len(empty) != 0 {
		t.Errorf("ListDir(/zeta) = %v, %v, want empty", empty, err)
	}
	if _, err := s.ListDir(ctx, user, "/b.txt"); !errors.Is(err, vfs.ErrNotADirectory) {
		t.Errorf("ListDir(file) error = %v, want ErrNotADirectory", err)
	}
}

func TestStore_Rmdir(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")
	mustCreate(t, s, user, "/full/f.txt")
	mustMkdir(t, s, user, "/empty")

	if err := s.Rmdir(ctx, user, "/full"); !errors.Is(err, vfs.ErrNotEmpty) {
		t.Errorf("Rmdir(non-empty) error = %v, want ErrNotEmpty", err)
	}
	if err := s.Rmdir(ctx, user, "/full/f.txt"); !errors.Is(err, vfs.ErrNotADirectory) {
		t.Errorf("Rmdir(file) error = %v, want ErrNotADirectory", err)
	}
	if err := s.Rmdir(ctx, user, "/"); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("Rmdir(root) error = %v, want ErrInvalidArgument", err)
	}
	if err := s.Rmdir(ctx, user, "/empty"); err != nil {
		t.Fatalf("Rmdir() error = %v", err)
	}
	if _, err := s.Resolve(ctx, user, "/empty", vfs.AnyType); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("Resolve() after Rmdir() error = %v, want ErrNotFound", err)
	}
	checkInvariants(t, s)
}

func TestStore_Unlink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")
	f := mustCreate(t, s, user, "/dir/f.txt")
	mustPutChunk(t, s, f.ID, 1, "ref-1")
	mustPutChunk(t, s, f.ID, 0, "ref-0")

	if _, _, err := s.Unlink(ctx, user, "/dir"); !errors.Is(err, vfs.ErrNotAFile) {
		t.Errorf("Unlink(dir) error = %v, want ErrNotAFile", err)
	}

	n, refs, err := s.Unlink(ctx, user, "/dir/f.txt")
	if err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if n.ID != f.ID {
		t.Errorf("Unlink() node = %d, want %d", n.ID, f.ID)
	}
	if !slices.Equal(refs, []vfs.BlobRef{"ref-0", "ref-1"}) {
		t.Errorf("Unlink() refs = %v", refs)
	}
	chunks, err := s.ListChunks(ctx, f.ID)
	if err != nil || len(chunks) != 0 {
		t.Errorf("ListChunks() after Unlink() = %v, %v", chunks, err)
	}
	checkInvariants(t, s)
}

func TestStore_Truncate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")
	f := mustCreate(t, s, user, "/f.txt")
	mustPutChunk(t, s, f.ID, 0, "ref-0")
	later := testNow.Add(time.Hour)

	n, refs, err := s.Truncate(ctx, user, "/f.txt", 500, later)
	if err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if !slices.Equal(refs, []vfs.BlobRef{"ref-0"}) {
		t.Errorf("Truncate() refs = %v", refs)
	}
	if n.Size != 500 || n.Ready || !n.Mtime.Equal(later) {
		t.Errorf("Truncate() node = %+v, want size 500, not ready, mtime %v", n, later)
	}

	n, _, err = s.Truncate(ctx, user, "/f.txt", 0, later)
	if err != nil {
		t.Fatalf("Truncate(0) error = %v", err)
	}
	if !n.Ready {
		t.Error("Truncate(0) left the file not ready")
	}

	if _, _, err := s.Truncate(ctx, user, "/f.txt", -1, later); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("Truncate(-1) error = %v, want ErrInvalidArgument", err)
	}
}

func TestStore_Rename(t *testing.T) {
	ctx := context.Background()

	t.Run("renames within a directory", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		f := mustCreate(t, s, user, "/x/foo")

		if err := s.Rename(ctx, user, "/x/foo", "/x/baz", testNow); err != nil {
			t.Fatalf("Rename() error = %v", err)
		}
		if got := mustResolve(t, s, user, "/x/baz"); got.ID != f.ID {
			t.Errorf("/x/baz is node %d, want %d", got.ID, f.ID)
		}
		checkInvariants(t, s)
	})

	t.Run("existing destination leaves both nodes untouched", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		foo := mustCreate(t, s, user, "/x/foo")
		bar := mustCreate(t, s, user, "/x/bar")

		err := s.Rename(ctx, user, "/x/foo", "/x/bar", testNow)
		if !errors.Is(err, vfs.ErrDestinationExists) {
			t.Fatalf("Rename() error = %v, want ErrDestinationExists", err)
		}
		if got := mustResolve(t, s, user, "/x/foo"); got.ID != foo.ID {
			t.Error("/x/foo changed")
		}
		if got := mustResolve(t, s, user, "/x/bar"); got.ID != bar.ID {
			t.Error("/x/bar changed")
		}
	})

	t.Run("same name is a no-op", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/x/foo")

		if err := s.Rename(ctx, user, "/x/foo", "x//foo", testNow); err != nil {
			t.Errorf("Rename() error = %v", err)
		}
	})

	t.Run("different parents are rejected", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/x/foo")
		mustMkdir(t, s, user, "/y")

		if err := s.Rename(ctx, user, "/x/foo", "/y/foo", testNow); !errors.Is(err, vfs.ErrInvalidArgument) {
			t.Errorf("Rename() error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")

		if err := s.Rename(ctx, user, "/nope", "/other", testNow); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Rename() error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Move(t *testing.T) {
	ctx := context.Background()

	t.Run("moves a subtree", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/src/deep/inner/f.txt")
		mustMkdir(t, s, user, "/dst/sub")

		if err := s.Move(ctx, user, "/src/deep", "/dst/sub/moved", testNow); err != nil {
			t.Fatalf("Move() error = %v", err)
		}
		mustResolve(t, s, user, "/dst/sub/moved/inner/f.txt")
		if _, err := s.Resolve(ctx, user, "/src/deep", vfs.AnyType); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("old path still resolves: %v", err)
		}

		dst := mustResolve(t, s, user, "/dst")
		f := mustResolve(t, s, user, "/dst/sub/moved/inner/f.txt")
		src := mustResolve(t, s, user, "/src")
		if ok, _ := s.IsDescendant(ctx, dst.ID, f.ID); !ok {
			t.Error("IsDescendant(dst, f) = false after move")
		}
		if ok, _ := s.IsDescendant(ctx, src.ID, f.ID); ok {
			t.Error("IsDescendant(src, f) = true after move")
		}
		checkInvariants(t, s)
	})

	t.Run("refuses to replace the destination", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/a/f.txt")
		mustCreate(t, s, user, "/b/f.txt")

		if err := s.Move(ctx, user, "/a/f.txt", "/b/f.txt", testNow); !errors.Is(err, vfs.ErrDestinationExists) {
			t.Errorf("Move() error = %v, want ErrDestinationExists", err)
		}
	})

	t.Run("rejects moves into the own subtree", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustMkdir(t, s, user, "/a/b/c")

		for _, dst := range []string{"/a/b/c/a", "/a/x"} {
			err := s.Move(ctx, user, "/a", dst, testNow)
			if !errors.Is(err, vfs.ErrCycleDetected) {
				t.Errorf("Move(/a, %s) error = %v, want ErrCycleDetected", dst, err)
			}
		}
		checkInvariants(t, s)
	})

	t.Run("destination parent must exist", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/f.txt")

		if err := s.Move(ctx, user, "/f.txt", "/missing/f.txt", testNow); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Move() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("destination parent must be a directory", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/f.txt")
		mustCreate(t, s, user, "/g.txt")

		if err := s.Move(ctx, user, "/f.txt", "/g.txt/f.txt", testNow); !errors.Is(err, vfs.ErrNotADirectory) {
			t.Errorf("Move() error = %v, want ErrNotADirectory", err)
		}
	})

	t.Run("rejects moving the root", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustMkdir(t, s, user, "/a")

		if err := s.Move(ctx, user, "/", "/a/root", testNow); !errors.Is(err, vfs.ErrInvalidArgument) {
			t.Errorf("Move(/) error = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestStore_Swap(t *testing.T) {
	ctx := context.Background()

	t.Run("exchanges positions across directories", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		a := mustMkdir(t, s, user, "/p/a")
		mustCreate(t, s, user, "/p/a/child.txt")
		b := mustMkdir(t, s, user, "/q/r/b")
		mustCreate(t, s, user, "/q/r/b/other.txt")
		third := mustCreate(t, s, user, "/p/c")

		if err := s.Swap(ctx, user, "/p/a", "/q/r/b", testNow); err != nil {
			t.Fatalf("Swap() error = %v", err)
		}

		if got := mustResolve(t, s, user, "/q/r/b"); got.ID != a.ID {
			t.Errorf("/q/r/b is node %d, want %d", got.ID, a.ID)
		}
		if got := mustResolve(t, s, user, "/p/a"); got.ID != b.ID {
			t.Errorf("/p/a is node %d, want %d", got.ID, b.ID)
		}
		mustResolve(t, s, user, "/q/r/b/child.txt")
		mustResolve(t, s, user, "/p/a/other.txt")
		if got := mustResolve(t, s, user, "/p/c"); got.ID != third.ID {
			t.Error("third node moved")
		}
		checkInvariants(t, s)
	})

	t.Run("exchanges names within one directory", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		a := mustCreate(t, s, user, "/d/a")
		b := mustCreate(t, s, user, "/d/b")

		if err := s.Swap(ctx, user, "/d/a", "/d/b", testNow); err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
		if mustResolve(t, s, user, "/d/a").ID != b.ID || mustResolve(t, s, user, "/d/b").ID != a.ID {
			t.Error("names were not exchanged")
		}
		checkInvariants(t, s)
	})

	t.Run("rejects ancestors in either direction", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustMkdir(t, s, user, "/a/b/c")

		for _, pair := range [][2]string{{"/a", "/a/b/c"}, {"/a/b/c", "/a"}} {
			if err := s.Swap(ctx, user, pair[0], pair[1], testNow); !errors.Is(err, vfs.ErrCycleDetected) {
				t.Errorf("Swap(%s, %s) error = %v, want ErrCycleDetected", pair[0], pair[1], err)
			}
		}
	})

	t.Run("rejects a file and a directory", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/f")
		mustMkdir(t, s, user, "/d")

		if err := s.Swap(ctx, user, "/f", "/d", testNow); !errors.Is(err, vfs.ErrTypeConflict) {
			t.Errorf("Swap() error = %v, want ErrTypeConflict", err)
		}
		checkInvariants(t, s)
	})

	t.Run("missing side", func(t *testing.T) {
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		mustCreate(t, s, user, "/f")

		if err := s.Swap(ctx, user, "/f", "/g", testNow); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Swap() error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_SetModifyTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := newTestUser(t, s, "alice")
	mustCreate(t, s, user, "/f")
	mustMkdir(t, s, user, "/d")
	when := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)

	if err := s.SetModifyTime(ctx, user, "/f", when); err != nil {
		t.Fatalf("SetModifyTime() error = %v", err)
	}
	if got := mustResolve(t, s, user, "/f").Mtime; !got.Equal(when) {
		t.Errorf("Mtime = %v, want %v", got, when)
	}
	if err := s.SetModifyTime(ctx, user, "/d", when); !errors.Is(err, vfs.ErrNotAFile) {
		t.Errorf("SetModifyTime(dir) error = %v, want ErrNotAFile", err)
	}
	if err := s.SetModifyTime(ctx, user, "/f", time.Unix(-1, 0)); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("SetModifyTime(negative) error = %v, want ErrInvalidArgument", err)
	}
}

func TestStore_Uploads(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, *vfs.Node) {
		t.Helper()
		s := newTestStore(t)
		user := newTestUser(t, s, "alice")
		f := mustCreate(t, s, user, "/f.bin")
		for i := int64(0); i < 4; i++ {
			mustPutChunk(t, s, f.ID, i, fmt.Sprintf("ref-%d", i))
		}
		return s, f
	}

	t.Run("prepare trims chunks past the terminal index", func(t *testing.T) {
		s, f := setup(t)

		refs, err := s.PrepareUpload(ctx, f.ID, 20, 1, testNow, false)
		if err != nil {
			t.Fatalf("PrepareUpload() error = %v", err)
		}
		if !slices.Equal(refs, []vfs.BlobRef{"ref-2", "ref-3"}) {
			t.Errorf("PrepareUpload() refs = %v", refs)
		}
		chunks, _ := s.ListChunks(ctx, f.ID)
		if len(chunks) != 2 {
			t.Errorf("len(chunks) = %d, want 2", len(chunks))
		}

		n, _ := s.read().nodeByID(ctx, f.ID)
		if n.Ready || n.Size != 20 {
			t.Errorf("node = %+v, want not ready with size 20", n)
		}
	})

	t.Run("purge drops every chunk", func(t *testing.T) {
		s, f := setup(t)

		refs, err := s.PrepareUpload(ctx, f.ID, 20, 1, testNow, true)
		if err != nil {
			t.Fatalf("PrepareUpload() error = %v", err)
		}
		if len(refs) != 4 {
			t.Errorf("PrepareUpload() refs = %v, want all 4", refs)
		}
		chunks, _ := s.ListChunks(ctx, f.ID)
		if len(chunks) != 0 {
			t.Errorf("len(chunks) = %d, want 0", len(chunks))
		}
	})

	t.Run("put replaces an index and marks ready", func(t *testing.T) {
		s, f := setup(t)

		replaced, err := s.PutChunk(ctx, vfs.Chunk{NodeID: f.ID, Index: 3, Size: 7, Ref: "new-3", Checksum: "abc"}, true)
		if err != nil {
			t.Fatalf("PutChunk() error = %v", err)
		}
		if replaced != "ref-3" {
			t.Errorf("PutChunk() replaced = %q, want ref-3", replaced)
		}
		chunks, _ := s.ListChunks(ctx, f.ID)
		if len(chunks) != 4 || chunks[3].Ref != "new-3" || chunks[3].Size != 7 || chunks[3].Checksum != "abc" {
			t.Errorf("chunks = %+v", chunks)
		}
		n, _ := s.read().nodeByID(ctx, f.ID)
		if !n.Ready {
			t.Error("PutChunk(markReady) did not mark the node ready")
		}
	})

	t.Run("put for a deleted node fails", func(t *testing.T) {
		s, f := setup(t)
		_, err := s.PutChunk(ctx, vfs.Chunk{NodeID: f.ID + 100, Index: 0, Ref: "x", Checksum: "y"}, false)
		if !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("PutChunk() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("prepare rejects directories", func(t *testing.T) {
		s, f := setup(t)
		parent := *f.ParentID
		if _, err := s.PrepareUpload(ctx, parent, 1, 0, testNow, false); !errors.Is(err, vfs.ErrNotAFile) {
			t.Errorf("PrepareUpload(dir) error = %v, want ErrNotAFile", err)
		}
	})
}
