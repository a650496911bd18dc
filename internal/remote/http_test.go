package remote_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/remote"
	"github.com/schaermu/b2sync/internal/testutil"
)

func newClient(t *testing.T, h http.Handler, token string) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := remote.NewClient(srv.URL+"/api/", token, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func fakeServer(fake *testutil.FakeRemote, token string) http.Handler {
	return http.StripPrefix("/api", fake.Handler(token))
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := remote.NewClient("ftp://example.com", "", time.Second, logger)
	require.Error(t, err)
	_, err = remote.NewClient("::", "", time.Second, logger)
	require.Error(t, err)
}

func TestClientRoundTripsEveryKind(t *testing.T) {
	fake := testutil.NewFakeRemote("site")
	c := newClient(t, fakeServer(fake, "secret"), "secret")
	ctx := context.Background()

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Equal(t, []remote.EntryInfo{{Name: "site", Path: "/site"}}, entries)

	objs := []content.Object{
		&content.Component{
			Meta:             content.Meta{Handle: "home"},
			Template:         "<p>x</p>",
			Style:            "p {}",
			ComponentOptions: content.ComponentOptions{Path: "/", OverrideParams: map[string]string{"a": "b"}},
		},
		&content.Style{Meta: content.Meta{Handle: "base"}, Content: "body {}"},
		&content.Controller{
			Meta:              content.Meta{Handle: "api"},
			Script:            "exports.x = 1",
			ControllerOptions: content.ControllerOptions{Methods: []string{"GET"}, Exported: true},
		},
	}

	for _, obj := range objs {
		t.Run(obj.Kind().String(), func(t *testing.T) {
			coll, err := c.Entry("site").Objects(obj.Kind())
			require.NoError(t, err)

			created, err := coll.Create(ctx, obj)
			require.NoError(t, err)
			require.NotEmpty(t, created.Base().ID)
			require.Equal(t, "1", created.Base().Revision)

			want := content.Clone(obj)
			*want.Base() = *created.Base()
			if diff := cmp.Diff(want, created); diff != "" {
				t.Errorf("created mismatch (-want +got):\n%s", diff)
			}

			got, err := coll.Get(ctx, created.Base().ID)
			require.NoError(t, err)
			require.Equal(t, created, got)

			byHandle, err := coll.GetByHandle(ctx, obj.Base().Handle)
			require.NoError(t, err)
			require.Equal(t, created.Base().ID, byHandle.Base().ID)

			updated, err := coll.Update(ctx, created)
			require.NoError(t, err)
			require.Equal(t, "2", updated.Base().Revision)

			snaps, err := coll.ListSnapshot(ctx)
			require.NoError(t, err)
			require.Equal(t, []remote.Snapshot{{ID: created.Base().ID, Revision: "2"}}, snaps)

			batch, err := coll.GetBatch(ctx, []string{created.Base().ID, "missing"})
			require.NoError(t, err)
			require.Len(t, batch, 1)

			require.NoError(t, coll.Delete(ctx, created.Base().ID))
			err = coll.Delete(ctx, created.Base().ID)
			require.ErrorIs(t, err, content.ErrNotFound)
		})
	}
}

func TestClientMapsNotFound(t *testing.T) {
	fake := testutil.NewFakeRemote("site")
	c := newClient(t, fakeServer(fake, ""), "")

	coll, err := c.Entry("site").Objects(content.KindStyle)
	require.NoError(t, err)

	_, err = coll.Get(context.Background(), "42")
	require.ErrorIs(t, err, content.ErrNotFound)
	_, err = coll.GetByHandle(context.Background(), "nope")
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestClientStatusError(t *testing.T) {
	fake := testutil.NewFakeRemote("site")
	c := newClient(t, fakeServer(fake, "right"), "wrong")

	_, err := c.Entries(context.Background())
	var se *remote.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	require.Equal(t, http.StatusUnauthorized, se.Status)
	require.Contains(t, se.Error(), "unauthorized")
}

func TestClientServerError(t *testing.T) {
	fake := testutil.NewFakeRemote("site")
	fake.Fail(testutil.Failure{Op: testutil.OpGetBatch, Err: errors.New("backend down")})
	c := newClient(t, fakeServer(fake, ""), "")

	coll, err := c.Entry("site").Objects(content.KindComponent)
	require.NoError(t, err)
	_, err = coll.GetBatch(context.Background(), []string{"1"})

	var se *remote.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusInternalServerError, se.Status)
	require.Contains(t, se.Body, "backend down")
}

func TestClientUpdateRequiresID(t *testing.T) {
	c := newClient(t, http.NotFoundHandler(), "")
	coll, err := c.Entry("site").Objects(content.KindStyle)
	require.NoError(t, err)

	_, err = coll.Update(context.Background(), &content.Style{Meta: content.Meta{Handle: "x"}})
	require.ErrorIs(t, err, content.ErrNotSaved)

	_, err = c.Entry("site").Objects(content.Kind(9))
	require.ErrorIs(t, err, content.ErrUnknownKind)
}
