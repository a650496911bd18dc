package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/remote"
)

// Op names a remote collaborator call for counting and failure injection.
type Op string

const (
	OpEntries     Op = "entries"
	OpSnapshot    Op = "snapshot"
	OpGetBatch    Op = "get-batch"
	OpGetByHandle Op = "get-by-handle"
	OpGet         Op = "get"
	OpCreate      Op = "create"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
)

// ErrConflict is returned when a create or update would duplicate a handle.
var ErrConflict = errors.New("handle conflict")

// Failure makes matching calls fail with Err once Skip calls have succeeded.
// A zero Kind matches every kind.
type Failure struct {
	Op   Op
	Kind content.Kind
	Skip int
	Err  error
}

type callKey struct {
	op   Op
	kind content.Kind
}

// FakeRemote is an in-memory remote store. It implements remote.Store and
// serves the HTTP protocol through Handler. Objects are cloned on the way in
// and out, so callers never share memory with the store.
type FakeRemote struct {
	// BeforeCall, when set, runs before every object call without the lock
	// held. Tests use it to block or observe calls.
	BeforeCall func(entry string, kind content.Kind, op Op)

	mu          sync.Mutex
	entries     []remote.EntryInfo
	objects     map[string]map[content.Kind]map[string]content.Object
	nextID      int
	calls       map[callKey]int
	failures    []Failure
	unversioned map[content.Kind]bool
}

// NewFakeRemote creates an empty fake with the given entry names. Each entry
// is served under "/<name>"; the entry "root" is served under "/".
func NewFakeRemote(names ...string) *FakeRemote {
	f := &FakeRemote{
		objects: make(map[string]map[content.Kind]map[string]content.Object),
		calls:       make(map[callKey]int),
		nextID:      100,
		unversioned: make(map[content.Kind]bool),
	}
	for _, name := range names {
		p := "/" + name
		if name == "root" {
			p = "/"
		}
		f.AddEntry(name, p)
	}
	return f
}

// AddEntry registers an entry with an explicit path.
func (f *FakeRemote) AddEntry(name, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, remote.EntryInfo{Name: name, Path: path})
	f.objects[name] = map[content.Kind]map[string]content.Object{
		content.KindComponent:  {},
		content.KindStyle:      {},
		content.KindController: {},
	}
}

// Put stores obj directly, bypassing counters and failures. Missing ids
// and revisions are assigned. The stored copy is returned.
func (f *FakeRemote) Put(entry string, obj content.Object) content.Object {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj = content.Clone(obj)
	if obj.Base().ID == "" {
		obj.Base().ID = f.newID()
	}
	if obj.Base().Revision == "" && !f.unversioned[obj.Kind()] {
		obj.Base().Revision = "1"
	}
	f.objects[entry][obj.Kind()][obj.Base().ID] = obj
	return content.Clone(obj)
}

// Object returns a copy of the stored object.
func (f *FakeRemote) Object(entry string, kind content.Kind, id string) (content.Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[entry][kind][id]
	if !ok {
		return nil, false
	}
	return content.Clone(obj), true
}

// Bump advances an object's revision without changing its content, the way
// a republish does.
func (f *FakeRemote) Bump(entry string, kind content.Kind, id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := f.objects[entry][kind][id]
	obj.Base().Revision = nextRevision(obj.Base().Revision)
	return obj.Base().Revision
}

// SetRevision overwrites an object's revision. An empty revision mimics
// objects the remote store does not version.
func (f *FakeRemote) SetRevision(entry string, kind content.Kind, id, revision string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[entry][kind][id].Base().Revision = revision
}

// Unversioned makes creates and updates of kind return objects without a
// revision.
func (f *FakeRemote) Unversioned(kind content.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unversioned[kind] = true
}

// revisionAfter returns the revision a write produces. Callers hold the lock.
func (f *FakeRemote) revisionAfter(kind content.Kind, prev string) string {
	if f.unversioned[kind] {
		return ""
	}
	if prev == "" {
		return "1"
	}
	return nextRevision(prev)
}

// Drop removes an object without counting a delete call.
func (f *FakeRemote) Drop(entry string, kind content.Kind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects[entry][kind], id)
}

// Fail registers a failure rule.
func (f *FakeRemote) Fail(failure Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
}

// ClearFailures removes every failure rule.
func (f *FakeRemote) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
}

// Calls returns how often op was called for kind. A zero kind sums all kinds.
func (f *FakeRemote) Calls(op Op, kind content.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != 0 {
		return f.calls[callKey{op, kind}]
	}
	n := 0
	for k, c := range f.calls {
		if k.op == op {
			n += c
		}
	}
	return n
}

// ResetCalls zeroes every counter.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[callKey]int)
}

// Entries implements remote.Store.
func (f *FakeRemote) Entries(_ context.Context) ([]remote.EntryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpEntries, 0); err != nil {
		return nil, err
	}
	return append([]remote.EntryInfo(nil), f.entries...), nil
}

// Entry implements remote.Store.
func (f *FakeRemote) Entry(name string) remote.Entry {
	return &fakeEntry{f: f, name: name}
}

func (f *FakeRemote) newID() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

// record counts the call and returns the injected failure, if any. Callers
// hold the lock.
func (f *FakeRemote) record(op Op, kind content.Kind) error {
	key := callKey{op, kind}
	f.calls[key]++
	n := f.calls[key]
	for _, fl := range f.failures {
		if fl.Op == op && (fl.Kind == 0 || fl.Kind == kind) && n > fl.Skip {
			return fl.Err
		}
	}
	return nil
}

func (f *FakeRemote) handleTaken(entry string, kind content.Kind, handle, exceptID string) bool {
	for id, obj := range f.objects[entry][kind] {
		if id != exceptID && obj.Base().Handle == handle {
			return true
		}
	}
	return false
}

func nextRevision(rev string) string {
	n, err := strconv.Atoi(rev)
	if err != nil {
		return rev + "+1"
	}
	return strconv.Itoa(n + 1)
}

type fakeEntry struct {
	f    *FakeRemote
	name string
}

func (e *fakeEntry) Name() string { return e.name }

func (e *fakeEntry) Objects(kind content.Kind) (remote.Objects, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", content.ErrUnknownKind, kind)
	}
	return &fakeObjects{f: e.f, entry: e.name, kind: kind}, nil
}

type fakeObjects struct {
	f     *FakeRemote
	entry string
	kind  content.Kind
}

// begin runs the BeforeCall hook, takes the lock and records the call.
// On success the caller must unlock.
func (o *fakeObjects) begin(op Op) error {
	if hook := o.f.BeforeCall; hook != nil {
		hook(o.entry, o.kind, op)
	}
	o.f.mu.Lock()
	if _, ok := o.f.objects[o.entry]; !ok {
		o.f.mu.Unlock()
		return fmt.Errorf("entry %q: %w", o.entry, content.ErrNotFound)
	}
	if err := o.f.record(op, o.kind); err != nil {
		o.f.mu.Unlock()
		return err
	}
	return nil
}

func (o *fakeObjects) store() map[string]content.Object {
	return o.f.objects[o.entry][o.kind]
}

func (o *fakeObjects) ListSnapshot(_ context.Context) ([]remote.Snapshot, error) {
	if err := o.begin(OpSnapshot); err != nil {
		return nil, err
	}
	defer o.f.mu.Unlock()

	out := make([]remote.Snapshot, 0, len(o.store()))
	for id, obj := range o.store() {
		out = append(out, remote.Snapshot{ID: id, Revision: obj.Base().Revision})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o *fakeObjects) GetBatch(_ context.Context, ids []string) ([]content.Object, error) {
	if err := o.begin(OpGetBatch); err != nil {
		return nil, err
	}
	defer o.f.mu.Unlock()

	out := make([]content.Object, 0, len(ids))
	for _, id := range ids {
		if obj, ok := o.store()[id]; ok {
			out = append(out, content.Clone(obj))
		}
	}
	return out, nil
}

func (o *fakeObjects) GetByHandle(_ context.Context, handle string) (content.Object, error) {
	if err := o.begin(OpGetByHandle); err != nil {
		return nil, err
	}
	defer o.f.mu.Unlock()

	for _, obj := range o.store() {
		if obj.Base().Handle == handle {
			return content.Clone(obj), nil
		}
	}
	return nil, fmt.Errorf("%s %q: %w", o.kind, handle, content.ErrNotFound)
}

func (o *fakeObjects) Get(_ context.Context, id string) (content.Object, error) {
	if err := o.begin(OpGet); err != nil {
		return nil, err
	}
	defer o.f.mu.Unlock()

	obj, ok := o.store()[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", o.kind, id, content.ErrNotFound)
	}
	return content.Clone(obj), nil
}

func (o *fakeObjects) Create(_ context.Context, obj content.Object) (content.Object, error) {
	if err := o.begin(OpCreate); err != nil {
		return nil, err
	}
	defer o.f.mu.Unlock()

	if obj.Kind() != o.kind {
		return nil, fmt.Errorf("create %s in %s collection", obj.Kind(), o.kind)
	}
	if o.f.handleTaken(o.entry, o.kind, obj.Base().Handle, "") {
		return nil, fmt.Errorf("%s %q: %w", o.kind, obj.Base().Handle, ErrConflict)
	}
	stored := content.Clone(obj)
	stored.Base().ID = o.f.newID()
	stored.Base().Revision = o.f.revisionAfter(o.kind, "")
	o.store()[stored.Base().ID] = stored
	return content.Clone(stored), nil
}

func (o *fakeObjects) Update(_ context.Context, obj content.Object) (content.Object, error) {
	if err := o.begin(OpUpdate); err != nil {
		return nil, err
	}
	defer o.f.mu.Unlock()

	id := obj.Base().ID
	prev, ok := o.store()[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", o.kind, id, content.ErrNotFound)
	}
	if o.f.handleTaken(o.entry, o.kind, obj.Base().Handle, id) {
		return nil, fmt.Errorf("%s %q: %w", o.kind, obj.Base().Handle, ErrConflict)
	}
	stored := content.Clone(obj)
	stored.Base().Revision = o.f.revisionAfter(o.kind, prev.Base().Revision)
	o.store()[id] = stored
	return content.Clone(stored), nil
}

func (o *fakeObjects) Delete(_ context.Context, id string) error {
	if err := o.begin(OpDelete); err != nil {
		return err
	}
	defer o.f.mu.Unlock()

	if _, ok := o.store()[id]; !ok {
		return fmt.Errorf("%s %s: %w", o.kind, id, content.ErrNotFound)
	}
	delete(o.store(), id)
	return nil
}
