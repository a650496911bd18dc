package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/savequeue"
	"github.com/schaermu/b2sync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGit struct {
	changes []string
	err     error
	dirs    []string
}

func (g *fakeGit) Changes(_ context.Context, dir string) ([]string, error) {
	g.dirs = append(g.dirs, dir)
	return g.changes, g.err
}

func newFake() *testutil.FakeRemote {
	fake := testutil.NewFakeRemote("root", "site")
	fake.AddEntry("blog", "/site/blog")
	return fake
}

func open(t *testing.T, opts Options) *Workspace {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	w, err := Open(context.Background(), opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func TestEntryDir(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/", want: RootDir},
		{path: "", want: RootDir},
		{path: "/site", want: "site"},
		{path: "/site/blog/", want: "site/blog"},
		{path: "/../etc", wantErr: true},
		{path: "/site//blog", wantErr: true},
		{path: "/.local", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := EntryDir(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestOpenCreatesContainerFolders(t *testing.T) {
	w := open(t, Options{Remote: newFake()})

	var names []string
	for _, c := range w.Containers() {
		names = append(names, c.Name())
	}
	require.Equal(t, []string{"blog", "root", "site"}, names)

	require.DirExists(t, filepath.Join(w.Root(), RootDir))
	require.DirExists(t, filepath.Join(w.Root(), "site", "blog"))
	require.Equal(t, filepath.Join(w.Root(), "site"), w.Dir("site"))

	_, err := w.Container("missing")
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestOpenFiltersEntries(t *testing.T) {
	w := open(t, Options{Remote: newFake(), Entries: []string{"site"}})
	require.Len(t, w.Containers(), 1)
	require.NoDirExists(t, filepath.Join(w.Root(), RootDir))

	_, err := Open(context.Background(), Options{Root: t.TempDir(), Remote: newFake(), Entries: []string{"shop"}}, testLogger())
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestOpenRemoteFailureReleasesLock(t *testing.T) {
	root := t.TempDir()
	fake := newFake()
	fake.Fail(testutil.Failure{Op: testutil.OpEntries, Err: errors.New("offline")})

	_, err := Open(context.Background(), Options{Root: root, Remote: fake}, testLogger())
	require.Error(t, err)

	fake.ClearFailures()
	open(t, Options{Root: root, Remote: fake})
}

func TestOpenIsExclusive(t *testing.T) {
	root := t.TempDir()
	w, err := Open(context.Background(), Options{Root: root, Remote: newFake()}, testLogger())
	require.NoError(t, err)

	_, err = Open(context.Background(), Options{Root: root, Remote: newFake()}, testLogger())
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, w.Close(context.Background()))
	w2, err := Open(context.Background(), Options{Root: root, Remote: newFake()}, testLogger())
	require.NoError(t, err)
	require.NoError(t, w2.Close(context.Background()))
}

func TestLocate(t *testing.T) {
	w := open(t, Options{Remote: newFake()})

	c, ref, err := w.Locate(filepath.Join(w.Root(), "site", "blog", "styles", "main.less"))
	require.NoError(t, err)
	require.Equal(t, "blog", c.Name())
	require.Equal(t, content.KindStyle, ref.Kind)
	require.Equal(t, "main", ref.Handle)

	c, ref, err = w.Locate(filepath.Join(w.Root(), "site", "components", "home", "home.component.json"))
	require.NoError(t, err)
	require.Equal(t, "site", c.Name())
	require.Equal(t, content.KindComponent, ref.Kind)

	c, _, err = w.Locate(filepath.Join(w.Root(), RootDir, "controllers", "api", "api.controller.js"))
	require.NoError(t, err)
	require.Equal(t, "root", c.Name())

	_, _, err = w.Locate(filepath.Join(w.Root(), "site", "notes.txt"))
	require.ErrorIs(t, err, content.ErrNotFound)
	_, _, err = w.Locate("/elsewhere/styles/main.less")
	require.ErrorIs(t, err, content.ErrNotFound)
	// A sibling folder sharing the prefix is not inside the container.
	_, _, err = w.Locate(filepath.Join(w.Root(), "site2", "styles", "x.less"))
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestCheckClean(t *testing.T) {
	g := &fakeGit{}
	w := open(t, Options{Remote: newFake(), Git: g})

	require.NoError(t, w.CheckClean(context.Background()))
	require.Equal(t, []string{w.Root()}, g.dirs)

	g.changes = []string{"?? " + LockFile}
	require.NoError(t, w.CheckClean(context.Background()))

	g.changes = []string{" M site/styles/base.less", "?? " + LockFile}
	err := w.CheckClean(context.Background())
	require.ErrorIs(t, err, ErrDirty)
	require.Contains(t, err.Error(), "(1 files)")

	g.changes, g.err = nil, errors.New("git exploded")
	require.Error(t, w.CheckClean(context.Background()))

	noGit := open(t, Options{Remote: newFake()})
	require.NoError(t, noGit.CheckClean(context.Background()))
}

func TestCloseWaitsForSaves(t *testing.T) {
	fake := newFake()
	passes := make(chan string, 4)
	w, err := Open(context.Background(), Options{
		Root:    t.TempDir(),
		Remote:  fake,
		Entries: []string{"site"},
		OnPass:  func(name string, _ savequeue.PassReport) { passes <- name },
	}, testLogger())
	require.NoError(t, err)

	release := make(chan struct{})
	fake.BeforeCall = func(string, content.Kind, testutil.Op) { <-release }

	c, ref, err := w.Locate(filepath.Join(w.Dir("site"), "styles", "base.less"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(w.Dir("site"), "styles"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(w.Dir("site"), "styles", "base.less"), []byte("body {}"), 0644))
	c.Enqueue(ref)

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a save was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)
	require.Equal(t, "site", <-passes)
	require.Equal(t, 1, fake.Calls(testutil.OpCreate, content.KindStyle))
}
