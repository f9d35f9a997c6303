package marketplace

import (
	"path/filepath"

	"emperror.dev/errors"
	"golang.org/x/mod/semver"
	"gorm.io/gorm"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/internal/database"
	"github.com/pressify/forge/internal/models"
)

// localSource answers update and license queries from the local
// database. It is used when the marketplace URL points at this very
// application, which would otherwise mean HTTP requests to ourselves.
type localSource struct {
	db *gorm.DB
}

// latestRelease is the highest approved and released version of a
// module, or nil when the module is unknown or has no releases yet.
type latestRelease struct {
	Module  models.MarketplaceModule
	Version models.MarketplaceVersion
}

func (s *localSource) latest(slug string) (*latestRelease, error) {
	var mod models.MarketplaceModule
	err := s.db.Where("slug = ?", slug).First(&mod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: failed to query local module")
	}

	var versions []models.MarketplaceVersion
	err = s.db.Where("module_id = ? AND approved = ? AND released = ?", mod.ID, true, true).Find(&versions).Error
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: failed to query local versions")
	}
	if len(versions) == 0 {
		return nil, nil
	}

	best := versions[0]
	for _, v := range versions[1:] {
		if semver.Compare(canonical(v.Version), canonical(best.Version)) > 0 {
			best = v
		}
	}
	return &latestRelease{Module: mod, Version: best}, nil
}

// LocalArchivePath resolves the archive for a module's newest release
// in the local marketplace tables, used when serving signed download
// links on a self-hosted marketplace.
func LocalArchivePath(slug string) (string, error) {
	source := &localSource{db: database.Instance()}
	release, err := source.latest(slug)
	if err != nil {
		return "", err
	}
	if release == nil {
		return "", errors.Errorf("marketplace: module %q has no local release archive", slug)
	}
	path := release.Version.ArchivePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(config.Get().System.RootDirectory, "storage", path)
	}
	return path, nil
}

// canonical prefixes a bare version string so the semver package will
// accept it; manifests conventionally omit the leading v.
func canonical(version string) string {
	if version == "" {
		return ""
	}
	if version[0] == 'v' {
		return version
	}
	return "v" + version
}
