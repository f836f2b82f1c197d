package render

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"modwatch/internal/model"
)

func testEvent() model.UpdateEvent {
	return model.UpdateEvent{
		ProjectID: "AANobbMI",
		Project:   model.Project{ID: "AANobbMI", Slug: "sodium", Title: "Sodium", IconURL: "https://cdn/icon.png"},
		Version: model.VersionRecord{
			ID:           "v11",
			Number:       "1.1",
			Type:         model.VersionBeta,
			PublishedAt:  time.Unix(1_700_000_000, 0),
			GameVersions: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"},
			Downloads:    1234567,
		},
	}
}

func field(t *testing.T, e *Embed, name string) string {
	t.Helper()
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	t.Fatalf("field %q missing", name)
	return ""
}

func TestRenderGuildPingsOnlyItsRole(t *testing.T) {
	t.Parallel()

	p := Render(testEvent(), model.GuildChannel("G", "C", "R1"))
	if p.Content != "<@&R1>" {
		t.Fatalf("content=%q", p.Content)
	}
	if len(p.AllowedRoleIDs) != 1 || p.AllowedRoleIDs[0] != "R1" {
		t.Fatalf("allowed=%v", p.AllowedRoleIDs)
	}
	if p.Embed.URL != "https://modrinth.com/project/sodium/version/v11" {
		t.Fatalf("url=%q", p.Embed.URL)
	}
	if p.Embed.Color != ColorBeta {
		t.Fatalf("color=%x", p.Embed.Color)
	}
}

func TestRenderDirectMessageHasNoMentions(t *testing.T) {
	t.Parallel()

	p := Render(testEvent(), model.DirectMessage("U"))
	if p.Content != "" || len(p.AllowedRoleIDs) != 0 {
		t.Fatalf("dm payload mentions: %q %v", p.Content, p.AllowedRoleIDs)
	}
}

func TestRenderFields(t *testing.T) {
	t.Parallel()

	p := Render(testEvent(), model.DirectMessage("U"))
	cases := map[string]string{
		"Version":       "1.1",
		"Type":          "Beta",
		"Published":     "<t:1700000000:R>",
		"Game Versions": "1, 2, 3, 4, 5, 6, 7, 8 (+2 more)",
		"Loaders":       "Universal",
		"Downloads":     "1,234,567",
	}
	for name, want := range cases {
		if got := field(t, p.Embed, name); got != want {
			t.Errorf("%s=%q want %q", name, got, want)
		}
	}
}

func TestChangelog(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  ", ""},
		{"plain", "Fixed a crash", "Fixed a crash"},
		{"html", "<p>Fixes</p><ul><li>one</li><li>two</li></ul>line<br>break", "Fixes\n• one\n• two\nline\nbreak"},
		{"entities", "A &amp; B", "A & B"},
	}
	for _, tc := range cases {
		if got := Changelog(tc.in); got != tc.want {
			t.Errorf("%s: Changelog()=%q want %q", tc.name, got, tc.want)
		}
	}
}

func TestChangelogTruncates(t *testing.T) {
	t.Parallel()

	got := Changelog(strings.Repeat("é", 1500))
	if n := utf8.RuneCountInString(got); n != maxChangelog {
		t.Fatalf("runes=%d want %d", n, maxChangelog)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("no ellipsis")
	}
}

func TestRenderNotice(t *testing.T) {
	t.Parallel()

	p := RenderNotice(model.Notice{Kind: model.NoticeProjectNotFound, Project: model.Project{ID: "P3", Title: "Gone"}}, model.DirectMessage("U"))
	if !strings.Contains(p.Embed.Description, "Gone") || p.Content != "" {
		t.Fatalf("notice=%+v", p.Embed)
	}
	if !strings.Contains(p.Text(), "Watched project not found") {
		t.Fatalf("text=%q", p.Text())
	}
}

func TestRenderTestNoticeNeverPings(t *testing.T) {
	t.Parallel()

	ev := testEvent()
	n := model.Notice{Kind: model.NoticeTest, Project: ev.Project, Version: &ev.Version}
	p := RenderNotice(n, model.GuildChannel("G", "C", "R1"))
	if p.Content != "" || len(p.AllowedRoleIDs) != 0 {
		t.Fatalf("test notice pinged: content=%q roles=%v", p.Content, p.AllowedRoleIDs)
	}
	if !strings.HasPrefix(p.Embed.Title, "Test: ") || field(t, p.Embed, "Version") != ev.Version.Number {
		t.Fatalf("embed=%+v", p.Embed)
	}
}
