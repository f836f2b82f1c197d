// Package render turns update events and owner notices into delivery
// payloads. Everything here is pure.
package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"modwatch/internal/model"
)

const (
	ColorRelease = 0x2ECC71
	ColorBeta    = 0xE67E22
	ColorAlpha   = 0xE74C3C
	ColorDefault = 0x3498DB
	ColorWarning = 0xF1C40F

	maxGameVersions = 8
	maxChangelog    = 1000
	siteURL         = "https://modrinth.com"
)

// Payload is transport-neutral. A transport that cannot render embeds may
// fall back to Text().
type Payload struct {
	Content string
	Embed   *Embed
	// AllowedRoleIDs are the only mentions the transport may resolve.
	AllowedRoleIDs []string
}

type Embed struct {
	Title        string
	URL          string
	Description  string
	Color        int
	Fields       []Field
	ThumbnailURL string
	Footer       string
	Timestamp    time.Time
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Render builds the update message for one destination. Guild channels get
// the role ping; direct messages never mention anyone.
func Render(ev model.UpdateEvent, dest model.Destination) Payload {
	p, v := ev.Project, ev.Version
	versionURL := VersionURL(p, v)

	e := &Embed{
		Title:        p.Name() + " - New Version Available!",
		URL:          versionURL,
		Description:  fmt.Sprintf("Version **%s** has been released", orDash(v.Number)),
		Color:        colorFor(v.Type),
		ThumbnailURL: p.IconURL,
		Footer:       "Modrinth update",
		Timestamp:    v.PublishedAt,
	}
	e.Fields = append(e.Fields,
		Field{Name: "Version", Value: orDash(v.Number), Inline: true},
		Field{Name: "Type", Value: titleCase(string(v.Type)), Inline: true},
		Field{Name: "Published", Value: published(v.PublishedAt), Inline: true},
		Field{Name: "Game Versions", Value: gameVersions(v.GameVersions), Inline: true},
		Field{Name: "Loaders", Value: loaders(v.Loaders), Inline: true},
		Field{Name: "Downloads", Value: thousands(v.Downloads), Inline: true},
	)
	if cl := Changelog(v.Changelog); cl != "" {
		e.Fields = append(e.Fields, Field{Name: "Changelog", Value: cl})
	}
	links := []string{"[View on Modrinth](" + ProjectURL(p) + ")", "[Version Details](" + versionURL + ")"}
	e.Fields = append(e.Fields, Field{Name: "Links", Value: strings.Join(links, " • ")})

	out := Payload{Embed: e}
	if dest.Kind == model.KindGuildChannel && dest.RoleID != "" {
		out.Content = "<@&" + dest.RoleID + ">"
		out.AllowedRoleIDs = []string{dest.RoleID}
	}
	return out
}

// RenderNotice builds an owner notice. Notices never ping.
func RenderNotice(n model.Notice, dest model.Destination) Payload {
	if n.Kind == model.NoticeTest && n.Version != nil {
		dest.RoleID = ""
		p := Render(model.UpdateEvent{ProjectID: n.Project.ID, Project: n.Project, Version: *n.Version}, dest)
		p.Embed.Title = "Test: " + p.Embed.Title
		p.Embed.Footer = "modwatch test notification"
		return p
	}
	e := &Embed{Color: ColorWarning, Timestamp: n.At, Footer: "modwatch"}
	switch n.Kind {
	case model.NoticeProjectNotFound:
		e.Title = "Watched project not found"
		e.Description = fmt.Sprintf("**%s** (`%s`) is no longer available on Modrinth. "+
			"It stays on your watch list until you remove it.", n.Project.Name(), n.Project.ID)
	case model.NoticeDeliveryFailed:
		e.Title = "Update notifications are failing"
		e.Description = fmt.Sprintf("Notifications to %s could not be delivered: %s. "+
			"Check the channel and the bot's permissions.", orDash(n.Target), orDash(n.Reason))
	default:
		e.Title = "modwatch notice"
		e.Description = orDash(n.Reason)
	}
	return Payload{Embed: e}
}

// Text flattens p for transports without embeds.
func (p Payload) Text() string {
	var b strings.Builder
	if p.Content != "" {
		b.WriteString(p.Content)
		b.WriteString("\n")
	}
	if p.Embed != nil {
		b.WriteString(p.Embed.Title)
		if p.Embed.URL != "" {
			b.WriteString("\n" + p.Embed.URL)
		}
		if p.Embed.Description != "" {
			b.WriteString("\n" + p.Embed.Description)
		}
		for _, f := range p.Embed.Fields {
			b.WriteString("\n" + f.Name + ": " + f.Value)
		}
	}
	return strings.TrimSpace(b.String())
}

func ProjectURL(p model.Project) string {
	return siteURL + "/project/" + slugOrID(p)
}

func VersionURL(p model.Project, v model.VersionRecord) string {
	return siteURL + "/project/" + slugOrID(p) + "/version/" + v.ID
}

func slugOrID(p model.Project) string {
	if p.Slug != "" {
		return p.Slug
	}
	return string(p.ID)
}

func colorFor(t model.VersionType) int {
	switch t {
	case model.VersionRelease:
		return ColorRelease
	case model.VersionBeta:
		return ColorBeta
	case model.VersionAlpha:
		return ColorAlpha
	default:
		return ColorDefault
	}
}

func gameVersions(vs []string) string {
	if len(vs) == 0 {
		return "-"
	}
	if len(vs) <= maxGameVersions {
		return strings.Join(vs, ", ")
	}
	return strings.Join(vs[:maxGameVersions], ", ") + fmt.Sprintf(" (+%d more)", len(vs)-maxGameVersions)
}

func loaders(ls []string) string {
	if len(ls) == 0 {
		return "Universal"
	}
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = titleCase(l)
	}
	return strings.Join(out, ", ")
}

// published uses Discord's relative timestamp markup.
func published(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return "<t:" + strconv.FormatInt(t.Unix(), 10) + ":R>"
}

func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
