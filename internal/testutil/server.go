package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/remote"
)

// Handler serves the remote store protocol backed by the fake. When token
// is non-empty every request must carry it as a bearer token.
func (f *FakeRemote) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /entries", func(w http.ResponseWriter, r *http.Request) {
		entries, err := f.Entries(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, entries)
	})

	mux.HandleFunc("GET /entries/{entry}/{kinds}/snapshot", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, _ content.Kind) {
		snaps, err := objs.ListSnapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snaps)
	}))

	mux.HandleFunc("POST /entries/{entry}/{kinds}/batch", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, _ content.Kind) {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := objs.GetBatch(r.Context(), req.IDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	}))

	mux.HandleFunc("GET /entries/{entry}/{kinds}/by-handle/{handle}", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, _ content.Kind) {
		obj, err := objs.GetByHandle(r.Context(), r.PathValue("handle"))
		respond(w, obj, err)
	}))

	mux.HandleFunc("GET /entries/{entry}/{kinds}/{id}", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, _ content.Kind) {
		obj, err := objs.Get(r.Context(), r.PathValue("id"))
		respond(w, obj, err)
	}))

	mux.HandleFunc("POST /entries/{entry}/{kinds}", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, kind content.Kind) {
		in, ok := decodeObject(w, r, kind)
		if !ok {
			return
		}
		obj, err := objs.Create(r.Context(), in)
		respond(w, obj, err)
	}))

	mux.HandleFunc("PUT /entries/{entry}/{kinds}/{id}", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, kind content.Kind) {
		in, ok := decodeObject(w, r, kind)
		if !ok {
			return
		}
		in.Base().ID = r.PathValue("id")
		obj, err := objs.Update(r.Context(), in)
		respond(w, obj, err)
	}))

	mux.HandleFunc("DELETE /entries/{entry}/{kinds}/{id}", f.objectsHandler(func(w http.ResponseWriter, r *http.Request, objs remote.Objects, _ content.Kind) {
		if err := objs.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if token == "" {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

type objectsFunc func(w http.ResponseWriter, r *http.Request, objs remote.Objects, kind content.Kind)

func (f *FakeRemote) objectsHandler(fn objectsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := content.ParseKind(r.PathValue("kinds"))
		if err != nil || !strings.HasSuffix(r.PathValue("kinds"), "s") {
			http.Error(w, "unknown collection", http.StatusNotFound)
			return
		}
		objs, err := f.Entry(r.PathValue("entry")).Objects(kind)
		if err != nil {
			writeError(w, err)
			return
		}
		fn(w, r, objs, kind)
	}
}

func decodeObject(w http.ResponseWriter, r *http.Request, kind content.Kind) (content.Object, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	obj, err := content.Decode(kind, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return obj, true
}

func respond(w http.ResponseWriter, obj content.Object, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, obj)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, content.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
