// Package layout maps content objects onto a container's folder tree and
// back. Every container has one subfolder per kind plus a hidden folder for
// metadata:
//
//	components/<handle>/<handle>.component.huz   markup
//	components/<handle>/<handle>.component.less  style fragment
//	components/<handle>/<handle>.component.json  options sidecar
//	styles/<handle>.less
//	controllers/<handle>/<handle>.controller.js
//	controllers/<handle>/<handle>.controller.json
//	.local/                                      metadata store
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/tidwall/jsonc"

	"github.com/schaermu/b2sync/internal/content"
)

const (
	ComponentsDir  = "components"
	StylesDir      = "styles"
	ControllersDir = "controllers"
	LocalDir       = ".local"
)

// File extensions of the local artifacts.
const (
	MarkupExt  = ".huz"
	StyleExt   = ".less"
	ScriptExt  = ".js"
	SidecarExt = ".json"
)

// Entry is an object found in the local tree.
type Entry struct {
	Kind   content.Kind
	Handle string
}

// Layout reads and writes objects on a container filesystem.
type Layout struct {
	fs billy.Filesystem
}

// New returns a layout rooted at the container filesystem fs.
func New(fs billy.Filesystem) *Layout {
	return &Layout{fs: fs}
}

// FS returns the container filesystem.
func (l *Layout) FS() billy.Filesystem {
	return l.fs
}

// ValidHandle checks that handle can be used as a file and folder name.
func ValidHandle(handle string) error {
	switch {
	case handle == "":
		return fmt.Errorf("%w: empty", content.ErrInvalidHandle)
	case handle == "." || handle == "..":
		return fmt.Errorf("%w: %q", content.ErrInvalidHandle, handle)
	case strings.HasPrefix(handle, "."):
		return fmt.Errorf("%w: %q starts with a dot", content.ErrInvalidHandle, handle)
	case strings.ContainsAny(handle, "/\\|\x00"):
		return fmt.Errorf("%w: %q contains a path separator or '|'", content.ErrInvalidHandle, handle)
	case len(handle) > 200:
		return fmt.Errorf("%w: longer than 200 bytes", content.ErrInvalidHandle)
	}
	return nil
}

// ObjectPath returns the folder (component, controller) or file (style)
// holding the object, relative to the container root.
func ObjectPath(kind content.Kind, handle string) (string, error) {
	switch kind {
	case content.KindComponent:
		return path.Join(ComponentsDir, handle), nil
	case content.KindStyle:
		return path.Join(StylesDir, handle+StyleExt), nil
	case content.KindController:
		return path.Join(ControllersDir, handle), nil
	}
	return "", fmt.Errorf("%w: %s", content.ErrUnknownKind, kind)
}

// objectFiles names every file of an object, primary content first.
type objectFiles struct {
	markup, style, script, sidecar string
}

func filesOf(kind content.Kind, handle string) (objectFiles, error) {
	base, err := ObjectPath(kind, handle)
	if err != nil {
		return objectFiles{}, err
	}
	switch kind {
	case content.KindComponent:
		prefix := path.Join(base, handle+".component")
		return objectFiles{
			markup:  prefix + MarkupExt,
			style:   prefix + StyleExt,
			sidecar: prefix + SidecarExt,
		}, nil
	case content.KindStyle:
		return objectFiles{style: base}, nil
	default:
		prefix := path.Join(base, handle+".controller")
		return objectFiles{
			script:  prefix + ScriptExt,
			sidecar: prefix + SidecarExt,
		}, nil
	}
}

func (f objectFiles) list() []string {
	var out []string
	for _, name := range []string{f.markup, f.style, f.script, f.sidecar} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Files lists every file of the object relative to the container root.
func Files(kind content.Kind, handle string) ([]string, error) {
	f, err := filesOf(kind, handle)
	if err != nil {
		return nil, err
	}
	return f.list(), nil
}

// Classify maps a path relative to the container root to the object it
// belongs to. It reports false for paths that are not object files.
func Classify(rel string) (content.Kind, string, bool) {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	parts := strings.Split(rel, "/")
	if len(parts) < 2 {
		return 0, "", false
	}

	folder, rest := parts[0], parts[1:]
	switch folder {
	case ComponentsDir:
		if len(rest) == 2 && isObjectFile(content.KindComponent, rest[0], rest[1]) {
			return content.KindComponent, rest[0], true
		}
	case ControllersDir:
		if len(rest) == 2 && isObjectFile(content.KindController, rest[0], rest[1]) {
			return content.KindController, rest[0], true
		}
	case StylesDir:
		if len(rest) == 1 && strings.HasSuffix(rest[0], StyleExt) {
			handle := strings.TrimSuffix(rest[0], StyleExt)
			if ValidHandle(handle) == nil {
				return content.KindStyle, handle, true
			}
		}
	}
	return 0, "", false
}

func isObjectFile(kind content.Kind, handle, filename string) bool {
	if ValidHandle(handle) != nil {
		return false
	}
	files, err := Files(kind, handle)
	if err != nil {
		return false
	}
	for _, f := range files {
		if path.Base(f) == filename {
			return true
		}
	}
	return false
}

// Exists reports whether any file of the object exists locally.
func (l *Layout) Exists(kind content.Kind, handle string) (bool, error) {
	p, err := ObjectPath(kind, handle)
	if err != nil {
		return false, err
	}
	return Exists(l.fs, p)
}

// Write exports obj to its canonical files, replacing existing content.
func (l *Layout) Write(obj content.Object) error {
	handle := obj.Base().Handle
	if err := ValidHandle(handle); err != nil {
		return err
	}
	f, err := filesOf(obj.Kind(), handle)
	if err != nil {
		return err
	}

	switch o := obj.(type) {
	case *content.Component:
		sidecar, err := encodeSidecar(o.ComponentOptions)
		if err != nil {
			return err
		}
		return l.writeAll(map[string][]byte{
			f.markup:  []byte(o.Template),
			f.style:   []byte(o.Style),
			f.sidecar: sidecar,
		})
	case *content.Style:
		return WriteFile(l.fs, f.style, []byte(o.Content))
	case *content.Controller:
		sidecar, err := encodeSidecar(o.ControllerOptions)
		if err != nil {
			return err
		}
		return l.writeAll(map[string][]byte{
			f.script:  []byte(o.Script),
			f.sidecar: sidecar,
		})
	}
	return fmt.Errorf("%w: %s", content.ErrUnknownKind, obj.Kind())
}

func (l *Layout) writeAll(files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := WriteFile(l.fs, name, files[name]); err != nil {
			return err
		}
	}
	return nil
}

// Build assembles the object from its local files. Missing files are
// created with default content, so a freshly created handle folder can be
// saved right away. The returned object has no id or revision.
func (l *Layout) Build(kind content.Kind, handle string) (content.Object, error) {
	return l.read(kind, handle, true)
}

// Peek assembles the object like Build but never writes. It returns
// content.ErrNotFound when the object has no local files.
func (l *Layout) Peek(kind content.Kind, handle string) (content.Object, error) {
	ok, err := l.Exists(kind, handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, handle, content.ErrNotFound)
	}
	return l.read(kind, handle, false)
}

func (l *Layout) read(kind content.Kind, handle string, create bool) (content.Object, error) {
	if err := ValidHandle(handle); err != nil {
		return nil, err
	}
	f, err := filesOf(kind, handle)
	if err != nil {
		return nil, err
	}
	meta := content.Meta{Handle: handle}

	switch kind {
	case content.KindComponent:
		markup, err := l.readText(f.markup, "", create)
		if err != nil {
			return nil, err
		}
		style, err := l.readText(f.style, "", create)
		if err != nil {
			return nil, err
		}
		var opts content.ComponentOptions
		if err := l.readSidecar(f.sidecar, content.ComponentOptions{}, &opts, create); err != nil {
			return nil, err
		}
		return &content.Component{Meta: meta, Template: markup, Style: style, ComponentOptions: opts}, nil

	case content.KindStyle:
		text, err := l.readText(f.style, "", create)
		if err != nil {
			return nil, err
		}
		return &content.Style{Meta: meta, Content: text}, nil

	default:
		script, err := l.readText(f.script, "", create)
		if err != nil {
			return nil, err
		}
		var opts content.ControllerOptions
		if err := l.readSidecar(f.sidecar, DefaultControllerOptions(), &opts, create); err != nil {
			return nil, err
		}
		return &content.Controller{Meta: meta, Script: script, ControllerOptions: opts}, nil
	}
}

// DefaultControllerOptions are written for a controller without a sidecar.
func DefaultControllerOptions() content.ControllerOptions {
	return content.ControllerOptions{Methods: []string{"GET"}}
}

func (l *Layout) readText(name, def string, create bool) (string, error) {
	data, err := ReadFile(l.fs, name)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	if create {
		if err := WriteFile(l.fs, name, []byte(def)); err != nil {
			return "", err
		}
	}
	return def, nil
}

// readSidecar decodes a JSON sidecar. Comments and trailing commas are
// tolerated since the sidecars are edited by hand.
func (l *Layout) readSidecar(name string, def, out any, create bool) error {
	data, err := ReadFile(l.fs, name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		data, err = encodeSidecar(def)
		if err != nil {
			return err
		}
		if create {
			if err := WriteFile(l.fs, name, data); err != nil {
				return err
			}
		}
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func encodeSidecar(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sidecar: %w", err)
	}
	return append(data, '\n'), nil
}

// ResetPath clears the page path in a component's sidecar.
func (l *Layout) ResetPath(handle string) error {
	f, err := filesOf(content.KindComponent, handle)
	if err != nil {
		return err
	}
	var opts content.ComponentOptions
	if err := l.readSidecar(f.sidecar, content.ComponentOptions{}, &opts, false); err != nil {
		return err
	}
	opts.Path = ""
	data, err := encodeSidecar(opts)
	if err != nil {
		return err
	}
	return WriteFile(l.fs, f.sidecar, data)
}

// Move renames the object's folder or file from one handle to another and
// renames the files inside to match. The target must not exist.
func (l *Layout) Move(kind content.Kind, from, to string) error {
	if err := ValidHandle(to); err != nil {
		return err
	}
	src, err := ObjectPath(kind, from)
	if err != nil {
		return err
	}
	dst, _ := ObjectPath(kind, to)

	if ok, err := Exists(l.fs, dst); err != nil {
		return err
	} else if ok {
		return &content.HandleCollisionError{Kind: kind, Handle: to}
	}
	if err := l.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
	}
	if kind == content.KindStyle {
		return nil
	}

	// The folder moved; the files inside still carry the old handle.
	oldFiles, _ := Files(kind, from)
	newFiles, _ := Files(kind, to)
	for i := range oldFiles {
		moved := path.Join(dst, path.Base(oldFiles[i]))
		ok, err := Exists(l.fs, moved)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := l.fs.Rename(moved, newFiles[i]); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", moved, newFiles[i], err)
		}
	}
	return nil
}

// Copy duplicates the object's files under another handle.
func (l *Layout) Copy(kind content.Kind, from, to string) error {
	if err := ValidHandle(to); err != nil {
		return err
	}
	dst, err := ObjectPath(kind, to)
	if err != nil {
		return err
	}
	if ok, err := Exists(l.fs, dst); err != nil {
		return err
	} else if ok {
		return &content.HandleCollisionError{Kind: kind, Handle: to}
	}

	srcFiles, _ := Files(kind, from)
	dstFiles, _ := Files(kind, to)
	for i, src := range srcFiles {
		data, err := ReadFile(l.fs, src)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read %s: %w", src, err)
		}
		if err := WriteFile(l.fs, dstFiles[i], data); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes every local file of the object. Removing an absent object
// is not an error.
func (l *Layout) Remove(kind content.Kind, handle string) error {
	p, err := ObjectPath(kind, handle)
	if err != nil {
		return err
	}
	if err := util.RemoveAll(l.fs, p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// Discover lists every object present in the local tree, sorted by kind and
// handle. Hidden entries are skipped.
func (l *Layout) Discover() ([]Entry, error) {
	var entries []Entry
	for _, kind := range content.Kinds {
		dir := kindDir(kind)
		infos, err := l.fs.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, info := range infos {
			name := info.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			switch {
			case kind == content.KindStyle && !info.IsDir() && strings.HasSuffix(name, StyleExt):
				entries = append(entries, Entry{Kind: kind, Handle: strings.TrimSuffix(name, StyleExt)})
			case kind != content.KindStyle && info.IsDir():
				entries = append(entries, Entry{Kind: kind, Handle: name})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Handle < entries[j].Handle
	})
	return entries, nil
}

func kindDir(kind content.Kind) string {
	switch kind {
	case content.KindComponent:
		return ComponentsDir
	case content.KindStyle:
		return StylesDir
	default:
		return ControllersDir
	}
}
