// Package entity resolves human-facing debtor identifiers (slugs or official
// names) to the exact filter value the upstream report expects.
package entity

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

//go:embed entities.yaml
var defaultTable []byte

// Resolver maps slugs and official names to entity filters. It is immutable
// after construction and safe for concurrent use.
type Resolver struct {
	bySlug  map[string]precatorio.EntityIdentifier
	byName  map[string]precatorio.EntityIdentifier
	ordered []precatorio.EntityIdentifier
}

// NewResolver builds a resolver from a table of entities. Slugs are
// normalized with Slugify. The table must be a bijection: a slug naming more
// than one entity, an entity with more than one slug, or a name whose slug
// form is another entity's slug, is rejected.
func NewResolver(table []precatorio.EntityIdentifier) (*Resolver, error) {
	r := &Resolver{
		bySlug: make(map[string]precatorio.EntityIdentifier, len(table)),
		byName: make(map[string]precatorio.EntityIdentifier, len(table)),
	}

	for i, e := range table {
		name := strings.TrimSpace(e.OfficialName)
		if name == "" {
			return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
				"entity table entry %d: slug %q has no official name", i, e.Slug)
		}
		slug := Slugify(e.Slug)
		if slug == "" {
			slug = Slugify(name)
		}
		entry := precatorio.EntityIdentifier{Slug: slug, OfficialName: name}

		if prev, ok := r.bySlug[slug]; ok {
			if prev == entry {
				continue
			}
			return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
				"slug %q maps to both %q and %q", slug, prev.OfficialName, name)
		}
		if prev, ok := r.byName[name]; ok {
			return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
				"entity %q has slugs %q and %q", name, prev.Slug, slug)
		}

		r.bySlug[slug] = entry
		r.byName[name] = entry
		r.ordered = append(r.ordered, entry)
	}

	// An official name must not normalize to another entity's slug, or
	// resolving that name would return the other entity.
	for _, e := range r.ordered {
		if other, ok := r.bySlug[Slugify(e.OfficialName)]; ok && other.OfficialName != e.OfficialName {
			return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
				"name %q normalizes to slug %q of %q", e.OfficialName, other.Slug, other.OfficialName)
		}
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].OfficialName < r.ordered[j].OfficialName
	})
	return r, nil
}

// Default returns a resolver over the embedded entity table, extended with
// any extra entries.
func Default(extra ...precatorio.EntityIdentifier) (*Resolver, error) {
	table, err := ParseTable(defaultTable)
	if err != nil {
		return nil, err
	}
	return NewResolver(append(table, extra...))
}

// ParseTable decodes a YAML list of {slug, name} entries.
func ParseTable(data []byte) ([]precatorio.EntityIdentifier, error) {
	var table []precatorio.EntityIdentifier
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"parse entity table: %w", err)
	}
	return table, nil
}

// LoadFile reads an entity table from a YAML file.
func LoadFile(path string) ([]precatorio.EntityIdentifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"read entity table: %w", err)
	}
	return ParseTable(data)
}

// Resolve maps a slug or official name to its entity filter. The normalized
// slug is tried first, then the exact official name.
func (r *Resolver) Resolve(identifier string) (precatorio.EntityFilter, error) {
	id := strings.TrimSpace(identifier)
	if e, ok := r.bySlug[Slugify(id)]; ok && id != "" {
		return precatorio.EntityFilter{Entity: e}, nil
	}
	if e, ok := r.byName[id]; ok {
		return precatorio.EntityFilter{Entity: e}, nil
	}
	return precatorio.EntityFilter{}, &precatorio.Error{
		Kind:   precatorio.ErrUnknownEntity,
		Entity: identifier,
		Stage:  precatorio.StageResolve,
		Err:    fmt.Errorf("no entity matches %q", identifier),
	}
}

// ListAll returns every entity ordered by official name.
func (r *Resolver) ListAll() []precatorio.EntityIdentifier {
	out := make([]precatorio.EntityIdentifier, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of entities in the table.
func (r *Resolver) Len() int {
	return len(r.ordered)
}
