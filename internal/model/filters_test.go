package model

import "testing"

func TestFiltersMatch(t *testing.T) {
	t.Parallel()

	v := VersionRecord{
		ID:           "v1",
		Type:         VersionBeta,
		Loaders:      []string{"Fabric", "quilt"},
		GameVersions: []string{"1.21", "1.21.1"},
	}
	tests := []struct {
		name string
		f    Filters
		want bool
	}{
		{"empty", Filters{}, true},
		{"loader case folded", Filters{Loaders: []string{"fabric"}}, true},
		{"loader miss", Filters{Loaders: []string{"forge", "neoforge"}}, false},
		{"type hit", Filters{VersionTypes: []VersionType{VersionRelease, VersionBeta}}, true},
		{"type miss", Filters{VersionTypes: []VersionType{VersionRelease}}, false},
		{"game version exact", Filters{GameVersions: []string{"1.21.1"}}, true},
		{"game version is not a prefix match", Filters{GameVersions: []string{"1.2"}}, false},
		{"all set", Filters{VersionTypes: []VersionType{VersionBeta}, Loaders: []string{"quilt"}, GameVersions: []string{"1.21"}}, true},
		{"one set misses", Filters{VersionTypes: []VersionType{VersionBeta}, Loaders: []string{"forge"}}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Normalize().Match(v); got != tt.want {
			t.Fatalf("%s: Match=%v want %v", tt.name, got, tt.want)
		}
	}
	if (Filters{Loaders: []string{"fabric"}}).Match(VersionRecord{}) {
		t.Fatalf("a missing version passed a loader filter")
	}
}

func TestFiltersNormalize(t *testing.T) {
	t.Parallel()

	f := Filters{
		VersionTypes: []VersionType{"Release", " release", ""},
		Loaders:      []string{"Quilt", "fabric", "FABRIC "},
		GameVersions: []string{"1.21.1", " 1.20.4", "1.21.1"},
	}.Normalize()
	want := Filters{
		VersionTypes: []VersionType{VersionRelease},
		Loaders:      []string{"fabric", "quilt"},
		GameVersions: []string{"1.20.4", "1.21.1"},
	}
	if !f.Equal(want) {
		t.Fatalf("Normalize=%+v want %+v", f, want)
	}
	if !(Filters{Loaders: []string{" "}}).Normalize().IsZero() {
		t.Fatalf("blank entries survived")
	}
}
