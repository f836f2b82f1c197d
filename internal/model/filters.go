package model

import (
	"slices"
	"strings"
)

// Filters narrows which versions a watch hears about. An empty field accepts
// everything; a set field needs at least one overlap with the version.
type Filters struct {
	VersionTypes []VersionType `json:"version_types,omitempty"`
	Loaders      []string      `json:"loaders,omitempty"`
	GameVersions []string      `json:"game_versions,omitempty"`
}

func (f Filters) IsZero() bool {
	return len(f.VersionTypes) == 0 && len(f.Loaders) == 0 && len(f.GameVersions) == 0
}

// Normalize trims, lowercases (except game versions) and dedupes every set.
func (f Filters) Normalize() Filters {
	types := make([]string, 0, len(f.VersionTypes))
	for _, t := range f.VersionTypes {
		types = append(types, string(t))
	}
	out := Filters{
		Loaders:      cleanSet(f.Loaders, true),
		GameVersions: cleanSet(f.GameVersions, false),
	}
	for _, t := range cleanSet(types, true) {
		out.VersionTypes = append(out.VersionTypes, VersionType(t))
	}
	return out
}

// Match reports whether v passes every set filter. A missing version only
// passes an empty filter.
func (f Filters) Match(v VersionRecord) bool {
	if f.IsZero() {
		return true
	}
	if v.IsZero() {
		return false
	}
	if len(f.VersionTypes) > 0 && !slices.Contains(f.VersionTypes, VersionType(strings.ToLower(string(v.Type)))) {
		return false
	}
	if len(f.Loaders) > 0 && !overlaps(f.Loaders, v.Loaders, true) {
		return false
	}
	if len(f.GameVersions) > 0 && !overlaps(f.GameVersions, v.GameVersions, false) {
		return false
	}
	return true
}

func (f Filters) Equal(o Filters) bool {
	return slices.Equal(f.VersionTypes, o.VersionTypes) &&
		slices.Equal(f.Loaders, o.Loaders) &&
		slices.Equal(f.GameVersions, o.GameVersions)
}

func (f Filters) Clone() Filters {
	return Filters{
		VersionTypes: slices.Clone(f.VersionTypes),
		Loaders:      slices.Clone(f.Loaders),
		GameVersions: slices.Clone(f.GameVersions),
	}
}

func overlaps(want, have []string, fold bool) bool {
	for _, h := range have {
		if fold {
			h = strings.ToLower(h)
		}
		if slices.Contains(want, h) {
			return true
		}
	}
	return false
}

func cleanSet(in []string, fold bool) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if fold {
			s = strings.ToLower(s)
		}
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
