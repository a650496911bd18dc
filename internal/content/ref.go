package content

// Ref is the local view of an object: where its files live and what the
// metadata store knows about it. ID is empty for objects never saved remotely;
// Revision and Checksum are empty when no metadata is recorded.
type Ref struct {
	Kind     Kind
	Handle   string
	ID       string
	Revision string
	Checksum string
	// Path is the object's location (folder or file) relative to the
	// container root.
	Path string
}

// Saved reports whether the object has a remote id.
func (r Ref) Saved() bool {
	return r.ID != ""
}

// LogAttrs returns the slog key/value pairs identifying the ref.
func (r Ref) LogAttrs() []any {
	attrs := []any{"kind", r.Kind.String(), "handle", r.Handle}
	if r.ID != "" {
		attrs = append(attrs, "id", r.ID)
	}
	return attrs
}

// RevisionOf returns the revision to record for an object. Objects the
// remote store keeps without a revision are tracked by their id.
func RevisionOf(id, revision string) string {
	if revision == "" {
		return id
	}
	return revision
}
