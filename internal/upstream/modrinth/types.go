package modrinth

import (
	"time"

	"modwatch/internal/model"
)

// wire shapes of the v2 API; only the fields we read.

type apiProject struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	IconURL     string `json:"icon_url"`
	ProjectType string `json:"project_type"`
}

type apiFile struct {
	URL     string `json:"url"`
	Primary bool   `json:"primary"`
}

type apiVersion struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	VersionNumber string    `json:"version_number"`
	VersionType   string    `json:"version_type"`
	DatePublished time.Time `json:"date_published"`
	Changelog     string    `json:"changelog"`
	GameVersions  []string  `json:"game_versions"`
	Loaders       []string  `json:"loaders"`
	Downloads     int64     `json:"downloads"`
	Files         []apiFile `json:"files"`
}

func (p apiProject) toModel() model.Project {
	return model.Project{
		ID:          model.ProjectID(p.ID),
		Slug:        p.Slug,
		Title:       p.Title,
		IconURL:     p.IconURL,
		ProjectType: p.ProjectType,
	}
}

func (v apiVersion) toModel() model.VersionRecord {
	rec := model.VersionRecord{
		ID:           v.ID,
		ProjectID:    model.ProjectID(v.ProjectID),
		Name:         v.Name,
		Number:       v.VersionNumber,
		Type:         model.VersionType(v.VersionType),
		PublishedAt:  v.DatePublished,
		Changelog:    v.Changelog,
		GameVersions: v.GameVersions,
		Loaders:      v.Loaders,
		Downloads:    v.Downloads,
	}
	for i, f := range v.Files {
		if f.Primary || i == 0 {
			rec.FileURL = f.URL
		}
		if f.Primary {
			break
		}
	}
	return rec
}

// latest picks the newest version by publish date. Ties keep the earlier
// entry; the API lists newest first.
func latest(vs []apiVersion) (apiVersion, bool) {
	if len(vs) == 0 {
		return apiVersion{}, false
	}
	best := vs[0]
	for _, v := range vs[1:] {
		if v.DatePublished.After(best.DatePublished) {
			best = v
		}
	}
	return best, true
}
