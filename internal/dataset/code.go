package dataset

import (
	"context"
	"fmt"
	"time"
)

// CodeKind names the language of source code attached to a dataset.
type CodeKind string

const (
	CodePhysl  CodeKind = "physl"
	CodePython CodeKind = "python"
	CodeCpp    CodeKind = "cpp"
)

// AllCodeKinds lists every accepted kind.
var AllCodeKinds = []CodeKind{CodePhysl, CodePython, CodeCpp}

// ParseCodeKind validates a kind name.
func ParseCodeKind(s string) (CodeKind, error) {
	switch k := CodeKind(s); k {
	case CodePhysl, CodePython, CodeCpp:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodeKind, s)
	}
}

// Code is a source file shown next to the profile that ran it.
type Code struct {
	Kind      CodeKind  `json:"kind" msgpack:"kind"`
	Filename  string    `json:"filename" msgpack:"filename"`
	Text      string    `json:"text" msgpack:"text"`
	UpdatedAt time.Time `json:"updatedAt" msgpack:"updated_at"`
}

// AttachCode stores source code of one kind on the dataset, replacing any
// previous file of that kind, and records it as a source file.
func (r *Registry) AttachCode(ctx context.Context, label string, kind CodeKind, filename, text string) error {
	d, err := r.Get(label)
	if err != nil {
		return err
	}
	now := r.now()
	code := Code{Kind: kind, Filename: filename, Text: text, UpdatedAt: now}

	d.mu.Lock()
	d.code[kind] = code
	cur := d.snap.Load()
	next := *cur
	next.Meta = cur.Meta.clone()
	next.Meta.SourceFiles = append(next.Meta.SourceFiles, SourceFile{Name: filename, Kind: string(kind), AddedAt: now})
	next.Meta.UpdatedAt = now
	d.publish(&next)
	d.mu.Unlock()

	if r.persister == nil {
		return nil
	}
	if err := r.persister.SaveCode(ctx, label, code); err != nil {
		return fmt.Errorf("persist %s code for %s: %w", kind, label, err)
	}
	if err := r.persister.SaveMeta(ctx, next.Meta); err != nil {
		return fmt.Errorf("persist meta for %s: %w", label, err)
	}
	return nil
}

// restoreCode installs code loaded from durable storage without touching the
// snapshot metadata.
func (d *Dataset) restoreCode(code Code) {
	d.mu.Lock()
	d.code[code.Kind] = code
	d.mu.Unlock()
}
