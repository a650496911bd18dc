package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/b2sync/internal/checksum"
	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
	"github.com/schaermu/b2sync/internal/metadata"
	"github.com/schaermu/b2sync/internal/savequeue"
	"github.com/schaermu/b2sync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	c      *Container
	fs     billy.Filesystem
	remote *testutil.FakeRemote
	passes chan savequeue.PassReport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fs:     memfs.New(),
		remote: testutil.NewFakeRemote("site"),
		passes: make(chan savequeue.PassReport, 16),
	}
	c, err := Open(context.Background(), "site", f.fs, f.remote.Entry("site"), testLogger(), Options{
		OnPass: func(r savequeue.PassReport) { f.passes <- r },
	})
	require.NoError(t, err)
	f.c = c
	return f
}

func (f *fixture) write(t *testing.T, files map[string]string) {
	t.Helper()
	for name, data := range files {
		require.NoError(t, util.WriteFile(f.fs, name, []byte(data), 0644))
	}
}

func (f *fixture) exists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := layout.Exists(f.fs, name)
	require.NoError(t, err)
	return ok
}

func (f *fixture) save(t *testing.T, kind content.Kind, handle string) content.Ref {
	t.Helper()
	require.NoError(t, f.c.Save(context.Background(), content.Ref{Kind: kind, Handle: handle}))
	ref := f.c.Ref(kind, handle)
	require.True(t, ref.Saved())
	return ref
}

func (f *fixture) waitPass(t *testing.T) savequeue.PassReport {
	t.Helper()
	select {
	case r := <-f.passes:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for save pass")
		return savequeue.PassReport{}
	}
}

func TestSaveCreatesThenUpdates(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"components/foo/foo.component.huz": "<p>foo</p>"})

	ref, err := f.c.ResolvePath("components/foo/foo.component.huz")
	require.NoError(t, err)
	require.False(t, ref.Saved())

	require.NoError(t, f.c.Save(context.Background(), ref))

	id, ok := f.c.Store().ID(content.KindComponent, "foo")
	require.True(t, ok)
	require.Equal(t, "101", id)
	rev, _ := f.c.Store().Revision(id)
	require.Equal(t, "1", rev)

	remoteObj, ok := f.remote.Object("site", content.KindComponent, id)
	require.True(t, ok)
	sum, err := checksum.Of(remoteObj)
	require.NoError(t, err)
	stored, _ := f.c.Store().Checksum(id)
	require.Equal(t, sum, stored)

	// The stale ref still has no id; the save re-resolves it.
	require.NoError(t, f.c.Save(context.Background(), ref))
	require.Equal(t, 1, f.remote.Calls(testutil.OpCreate, 0))
	require.Equal(t, 1, f.remote.Calls(testutil.OpUpdate, 0))
	rev, _ = f.c.Store().Revision(id)
	require.Equal(t, "2", rev)
}

func TestSaveFailureLeavesMetadataUntouched(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/base.less": "body {}"})
	f.remote.Fail(testutil.Failure{Op: testutil.OpCreate, Err: errors.New("rejected")})

	err := f.c.Save(context.Background(), content.Ref{Kind: content.KindStyle, Handle: "base"})
	require.ErrorContains(t, err, "remote create failed")
	_, ok := f.c.Store().ID(content.KindStyle, "base")
	require.False(t, ok)
}

func TestEnqueueIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{
		"styles/a.less":                       "a",
		"controllers/bad/bad.controller.json": "{not json",
		"styles/c.less":                       "c",
	})

	f.c.Enqueue(
		content.Ref{Kind: content.KindStyle, Handle: "a"},
		content.Ref{Kind: content.KindController, Handle: "bad"},
		content.Ref{Kind: content.KindStyle, Handle: "c"},
	)
	report := f.waitPass(t)
	require.NoError(t, f.c.Wait(context.Background()))

	require.Len(t, report.Saved, 2)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "bad", report.Failed[0].Ref.Handle)

	_, ok := f.c.Store().ID(content.KindStyle, "c")
	require.True(t, ok)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"controllers/api/api.controller.js": "x"})
	ref := f.save(t, content.KindController, "api")

	got, err := f.c.ResolveID(ref.ID)
	require.NoError(t, err)
	require.Equal(t, "api", got.Handle)
	require.Equal(t, "controllers/api", got.Path)
	require.Equal(t, ref.Checksum, got.Checksum)

	_, err = f.c.ResolveID("999")
	require.ErrorIs(t, err, content.ErrNotFound)
	_, err = f.c.ResolvePath("controllers/api/readme.md")
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestRenameCollisionIsRejectedBeforeAnyMutation(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{
		"components/page1/page1.component.huz": "one",
		"components/page2/page2.component.huz": "two",
	})
	page1 := f.save(t, content.KindComponent, "page1")
	f.save(t, content.KindComponent, "page2")
	f.remote.ResetCalls()

	_, err := f.c.Rename(context.Background(), page1, "page2")
	require.ErrorIs(t, err, content.ErrHandleCollision)

	require.Equal(t, 0, f.remote.Calls(testutil.OpUpdate, 0))
	require.True(t, f.exists(t, "components/page1/page1.component.huz"))
	id, _ := f.c.Store().ID(content.KindComponent, "page1")
	require.Equal(t, page1.ID, id)
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{
		"components/page1/page1.component.huz":  "markup",
		"components/page1/page1.component.json": `{"path": "/p"}`,
	})
	page1 := f.save(t, content.KindComponent, "page1")

	got, err := f.c.Rename(context.Background(), page1, "page2")
	require.NoError(t, err)
	require.Equal(t, page1.ID, got.ID)
	require.Equal(t, "2", got.Revision)
	require.Equal(t, page1.Checksum, got.Checksum)

	remoteObj, _ := f.remote.Object("site", content.KindComponent, page1.ID)
	require.Equal(t, "page2", remoteObj.Base().Handle)
	require.False(t, f.exists(t, "components/page1"))
	require.True(t, f.exists(t, "components/page2/page2.component.huz"))
	_, ok := f.c.Store().ID(content.KindComponent, "page1")
	require.False(t, ok)

	in, err := f.c.Store().PendingIntent()
	require.NoError(t, err)
	require.Nil(t, in)
}

func TestRenameRecordsChecksumOfEditedObject(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/base.less": "body {}"})
	ref := f.save(t, content.KindStyle, "base")

	// Unsaved edits travel with the rename.
	f.write(t, map[string]string{"styles/base.less": "body { color: red }"})
	got, err := f.c.Rename(context.Background(), ref, "main")
	require.NoError(t, err)

	remoteObj, _ := f.remote.Object("site", content.KindStyle, ref.ID)
	require.Equal(t, "body { color: red }", remoteObj.(*content.Style).Content)
	sum, err := checksum.Of(remoteObj)
	require.NoError(t, err)
	require.Equal(t, sum, got.Checksum)
	require.NotEqual(t, ref.Checksum, got.Checksum)

	status, err := f.c.Status()
	require.NoError(t, err)
	require.Len(t, status, 1)
	require.Equal(t, StateSynced, status[0].State)
}

func TestRecoverLandedRenameRecordsChecksum(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/keep.less": "x"})
	ref := f.save(t, content.KindStyle, "keep")

	// The remote update carried an edit and landed, then the process died
	// before the intent advanced.
	f.write(t, map[string]string{"styles/keep.less": "y"})
	f.remote.Put("site", &content.Style{Meta: content.Meta{ID: ref.ID, Handle: "moved", Revision: "2"}, Content: "y"})
	require.NoError(t, f.c.Store().SaveIntent(metadata.Intent{
		Op: metadata.OpRename, Kind: content.KindStyle, ID: ref.ID, From: "keep", To: "moved", Stage: metadata.StagePending,
	}))

	_, err := f.c.Recover(context.Background())
	require.NoError(t, err)

	remoteObj, _ := f.remote.Object("site", content.KindStyle, ref.ID)
	sum, err := checksum.Of(remoteObj)
	require.NoError(t, err)
	stored, _ := f.c.Store().Checksum(ref.ID)
	require.Equal(t, sum, stored)
	rev, _ := f.c.Store().Revision(ref.ID)
	require.Equal(t, "2", rev)
	require.True(t, f.exists(t, "styles/moved.less"))
}

func TestUnversionedRemoteRecordsIDAsRevision(t *testing.T) {
	f := newFixture(t)
	f.remote.Unversioned(content.KindController)
	f.write(t, map[string]string{"controllers/api/api.controller.js": "x"})

	ref := f.save(t, content.KindController, "api")
	rev, _ := f.c.Store().Revision(ref.ID)
	require.Equal(t, ref.ID, rev)

	renamed, err := f.c.Rename(context.Background(), ref, "rest")
	require.NoError(t, err)
	require.Equal(t, ref.ID, renamed.Revision)

	clone, err := f.c.Clone(context.Background(), renamed, "rest-copy")
	require.NoError(t, err)
	require.NotEqual(t, ref.ID, clone.ID)
	require.Equal(t, clone.ID, clone.Revision)
}

func TestRenameRequiresSavedObject(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/draft.less": ""})

	_, err := f.c.Rename(context.Background(), content.Ref{Kind: content.KindStyle, Handle: "draft"}, "final")
	require.ErrorIs(t, err, content.ErrNotSaved)
	err = f.c.Delete(context.Background(), content.Ref{Kind: content.KindStyle, Handle: "draft"})
	require.ErrorIs(t, err, content.ErrNotSaved)
}

func TestRenameRemoteFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/old.less": "x"})
	ref := f.save(t, content.KindStyle, "old")
	f.remote.Fail(testutil.Failure{Op: testutil.OpUpdate, Err: errors.New("offline")})

	_, err := f.c.Rename(context.Background(), ref, "new")
	require.ErrorContains(t, err, "remote update failed")
	require.True(t, f.exists(t, "styles/old.less"))
	in, err := f.c.Store().PendingIntent()
	require.NoError(t, err)
	require.Nil(t, in)
}

func TestRenameLocalFailureIsRecoverable(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/old.less": "x"})
	ref := f.save(t, content.KindStyle, "old")

	// The remote update lands but the local move fails halfway: the target
	// appears between the collision check and the move.
	f.remote.BeforeCall = func(_ string, _ content.Kind, op testutil.Op) {
		if op == testutil.OpUpdate {
			require.NoError(t, util.WriteFile(f.fs, "styles/new.less", []byte("in the way"), 0644))
		}
	}

	_, err := f.c.Rename(context.Background(), ref, "new")
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Equal(t, "rename", ce.Op)
	require.Equal(t, "updated", ce.Remote)
	require.Contains(t, err.Error(), `rename style "old" (id `)
	require.Contains(t, err.Error(), "remote updated but local rename failed")

	in, err := f.c.Store().PendingIntent()
	require.NoError(t, err)
	require.NotNil(t, in)
	require.Equal(t, metadata.StageRemoteDone, in.Stage)

	// Operations refuse to run on top of an unfinished one.
	_, err = f.c.Clone(context.Background(), ref, "other")
	require.ErrorContains(t, err, "must be repaired first")

	f.remote.BeforeCall = nil
	require.NoError(t, f.fs.Remove("styles/new.less"))

	handled, err := f.c.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, metadata.OpRename, handled.Op)

	require.True(t, f.exists(t, "styles/new.less"))
	require.False(t, f.exists(t, "styles/old.less"))
	id, _ := f.c.Store().ID(content.KindStyle, "new")
	require.Equal(t, ref.ID, id)

	in, err = f.c.Store().PendingIntent()
	require.NoError(t, err)
	require.Nil(t, in)
}

func TestRecoverPendingIntent(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/keep.less": "x"})
	ref := f.save(t, content.KindStyle, "keep")

	// Pending rename whose remote call never landed is dropped.
	require.NoError(t, f.c.Store().SaveIntent(metadata.Intent{
		Op: metadata.OpRename, Kind: content.KindStyle, ID: ref.ID, From: "keep", To: "moved", Stage: metadata.StagePending,
	}))
	_, err := f.c.Recover(context.Background())
	require.NoError(t, err)
	require.True(t, f.exists(t, "styles/keep.less"))
	in, _ := f.c.Store().PendingIntent()
	require.Nil(t, in)

	// Pending delete whose remote call did land is completed.
	f.remote.Drop("site", content.KindStyle, ref.ID)
	require.NoError(t, f.c.Store().SaveIntent(metadata.Intent{
		Op: metadata.OpDelete, Kind: content.KindStyle, ID: ref.ID, From: "keep", Stage: metadata.StagePending,
	}))
	_, err = f.c.Recover(context.Background())
	require.NoError(t, err)
	require.False(t, f.exists(t, "styles/keep.less"))
	_, ok := f.c.Store().ID(content.KindStyle, "keep")
	require.False(t, ok)

	handled, err := f.c.Recover(context.Background())
	require.NoError(t, err)
	require.Nil(t, handled)
}

func TestClone(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{
		"components/home/home.component.huz":  "markup",
		"components/home/home.component.less": "h1 {}",
		"components/home/home.component.json": `{"path": "/", "controller_id": "7"}`,
	})
	home := f.save(t, content.KindComponent, "home")

	clone, err := f.c.Clone(context.Background(), home, "home-copy")
	require.NoError(t, err)
	require.NotEqual(t, home.ID, clone.ID)
	require.Equal(t, "1", clone.Revision)

	remoteObj, ok := f.remote.Object("site", content.KindComponent, clone.ID)
	require.True(t, ok)
	comp := remoteObj.(*content.Component)
	require.Equal(t, "", comp.Path)
	require.Equal(t, "7", comp.ControllerID)
	require.Equal(t, "markup", comp.Template)

	local, err := f.c.Layout().Peek(content.KindComponent, "home-copy")
	require.NoError(t, err)
	require.Equal(t, "", local.(*content.Component).Path)

	src, err := f.c.Layout().Peek(content.KindComponent, "home")
	require.NoError(t, err)
	require.Equal(t, "/", src.(*content.Component).Path)

	// The copy is in sync with what the remote store returned.
	status, err := f.c.Status()
	require.NoError(t, err)
	for _, s := range status {
		require.Equal(t, StateSynced, s.State, s.Handle)
	}
}

func TestDeleteIsRemoteFirst(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"controllers/api/api.controller.js": "x"})
	ref := f.save(t, content.KindController, "api")

	f.remote.Fail(testutil.Failure{Op: testutil.OpDelete, Err: errors.New("forbidden")})
	err := f.c.Delete(context.Background(), ref)
	require.ErrorContains(t, err, "remote delete failed")
	require.True(t, f.exists(t, "controllers/api/api.controller.js"))
	_, ok := f.c.Store().ID(content.KindController, "api")
	require.True(t, ok)

	f.remote.ClearFailures()
	require.NoError(t, f.c.Delete(context.Background(), ref))
	require.False(t, f.exists(t, "controllers/api"))
	_, ok = f.c.Store().Revision(ref.ID)
	require.False(t, ok)
	_, ok = f.remote.Object("site", content.KindController, ref.ID)
	require.False(t, ok)
}

func TestDeleteToleratesRemoteNotFound(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/gone.less": "x"})
	ref := f.save(t, content.KindStyle, "gone")
	f.remote.Drop("site", content.KindStyle, ref.ID)

	require.NoError(t, f.c.Delete(context.Background(), ref))
	require.False(t, f.exists(t, "styles/gone.less"))
}

func TestOperationsRefuseWhileSaving(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{"styles/a.less": "a", "styles/b.less": "b"})
	ref := f.save(t, content.KindStyle, "a")

	release := make(chan struct{})
	f.remote.BeforeCall = func(_ string, _ content.Kind, op testutil.Op) {
		if op == testutil.OpCreate {
			<-release
		}
	}
	f.c.Enqueue(content.Ref{Kind: content.KindStyle, Handle: "b"})

	err := f.c.Delete(context.Background(), ref)
	require.ErrorIs(t, err, ErrSaveInFlight)

	close(release)
	f.waitPass(t)
	require.NoError(t, f.c.Wait(context.Background()))
	require.NoError(t, f.c.Delete(context.Background(), ref))
}

func TestStatusAndPages(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{
		"components/home/home.component.json":  `{"path": "/"}`,
		"components/about/about.component.json": `{"path": "/about"}`,
		"components/card/card.component.json":  `{"path": ""}`,
		"styles/base.less":                      "body {}",
		"styles/draft.less":                     "",
	})
	f.save(t, content.KindComponent, "home")
	f.save(t, content.KindComponent, "about")
	f.save(t, content.KindComponent, "card")
	f.save(t, content.KindStyle, "base")

	f.write(t, map[string]string{"components/about/about.component.huz": "edited"})
	require.NoError(t, f.fs.Remove("styles/base.less"))

	status, err := f.c.Status()
	require.NoError(t, err)
	got := map[string]State{}
	for _, s := range status {
		got[s.Kind.String()+"/"+s.Handle] = s.State
	}
	require.Equal(t, map[string]State{
		"component/about": StateModified,
		"component/card":  StateSynced,
		"component/home":  StateSynced,
		"style/base":      StateMissing,
		"style/draft":     StateLocalOnly,
	}, got)

	pages, err := f.c.Pages()
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "/", pages[0].Path)
	require.Equal(t, "home", pages[0].Handle)
	require.Equal(t, "/about", pages[1].Path)
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	f := newFixture(t)
	f.write(t, map[string]string{".local/handles.json": `{"style|x": "55"}`})

	_, err := f.c.ResolveID("55")
	require.ErrorIs(t, err, content.ErrNotFound)

	require.NoError(t, f.c.Reload())
	ref, err := f.c.ResolveID("55")
	require.NoError(t, err)
	require.Equal(t, "x", ref.Handle)
}
