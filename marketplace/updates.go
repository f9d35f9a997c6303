package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/patrickmn/go-cache"
	"golang.org/x/mod/semver"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/internal/database"
	"github.com/pressify/forge/module"
	"github.com/pressify/forge/system"
)

const (
	cacheKeyResult      = "updates.check"
	cacheKeyLastChecked = "updates.last_checked"
)

// UpdateInfo describes a single available module update.
type UpdateInfo struct {
	Slug                string `json:"slug"`
	CurrentVersion      string `json:"current_version"`
	LatestVersion       string `json:"latest_version"`
	Changelog           string `json:"changelog,omitempty"`
	DownloadURL         string `json:"download_url"`
	RequiredCoreVersion string `json:"required_core_version,omitempty"`
	RequiredRuntime     string `json:"required_runtime,omitempty"`
	ModuleType          string `json:"module_type,omitempty"`
	IsPaid              bool   `json:"is_paid"`
	RequiresLicense     bool   `json:"requires_license"`
}

// CheckResult is the boundary type for update checks. Failures are
// carried in Error rather than returned; nothing past this boundary
// sees a raw network error.
type CheckResult struct {
	Success   bool                  `json:"success"`
	Error     string                `json:"error,omitempty"`
	Updates   map[string]UpdateInfo `json:"updates"`
	CheckedAt time.Time             `json:"checked_at"`
}

func emptyResult(errMsg string) *CheckResult {
	return &CheckResult{
		Success:   errMsg == "",
		Error:     errMsg,
		Updates:   map[string]UpdateInfo{},
		CheckedAt: time.Now(),
	}
}

// Checker performs marketplace update checks with a TTL cache and a
// separate throttle stamp for opportunistic checks.
type Checker struct {
	client  *Client
	manager *module.Manager
	store   *cache.Cache
}

func NewChecker(client *Client, manager *module.Manager) *Checker {
	return &Checker{
		client:  client,
		manager: manager,
		store:   cache.New(time.Hour, time.Hour),
	}
}

// CheckForUpdates compares the installed module inventory against the
// marketplace and returns the set of modules with a newer approved
// release. Results are cached for the configured TTL; forceRefresh
// bypasses the cache but never the global enabled switch.
func (c *Checker) CheckForUpdates(ctx context.Context, forceRefresh bool) *CheckResult {
	cfg := config.Get().Marketplace
	if !cfg.Enabled {
		// Still a success result; a disabled checker is not a failure,
		// but the caller gets told why the set is empty.
		disabled := emptyResult("")
		disabled.Error = "update checking is disabled on this instance"
		return disabled
	}

	if !forceRefresh {
		if cached, ok := c.store.Get(cacheKeyResult); ok {
			return cached.(*CheckResult)
		}
	}

	installed, err := c.manager.List()
	if err != nil {
		log.WithField("error", err).Error("failed to list installed modules for update check")
		return emptyResult("failed to read installed modules")
	}

	result := emptyResult("")
	if len(installed) > 0 {
		if c.selfHosted(cfg) {
			result = c.checkLocal(installed, cfg)
		} else {
			result = c.checkRemote(ctx, installed, cfg)
		}
	}

	// Only successful results are cached; a transient outage should not
	// suppress re-checks for the whole TTL. The throttle stamp is still
	// written so the opportunistic path cannot hammer a dead marketplace.
	if result.Success {
		ttl := time.Duration(cfg.CacheTTLHours) * time.Hour
		if ttl <= 0 {
			ttl = 6 * time.Hour
		}
		c.store.Set(cacheKeyResult, result, ttl)
	}
	c.store.Set(cacheKeyLastChecked, time.Now(), cache.NoExpiration)
	return result
}

// selfHosted reports whether the marketplace URL points back at this
// application, in which case HTTP would be a loopback call to ourselves
// and the local tables are queried directly instead.
func (c *Checker) selfHosted(cfg config.MarketplaceConfiguration) bool {
	return cfg.AppURL != "" && cfg.URL == cfg.AppURL
}

func (c *Checker) checkRemote(ctx context.Context, installed []module.StatusedModule, cfg config.MarketplaceConfiguration) *CheckResult {
	inventory := make(map[string]string, len(installed))
	for _, m := range installed {
		inventory[m.Identifier] = m.Version
	}

	payload := map[string]interface{}{
		"core": map[string]string{
			"version":   system.Version,
			"framework": system.FrameworkVersion,
		},
		"php":     cfg.RuntimeVersion,
		"modules": inventory,
		"domain":  cfg.Domain,
	}

	res, err := c.client.Post(ctx, "/api/v1/updates/check", payload)
	if err != nil {
		log.WithField("error", err).Warn("marketplace update check failed")
		return emptyResult("could not reach the marketplace, try again later")
	}

	// The marketplace carries its own success flag in the body; a 200
	// with success:false is still a failed check, not "no updates".
	if success, ok := res.Path("success").Data().(bool); ok && !success {
		detail, _ := res.Path("error").Data().(string)
		if detail == "" {
			detail = "the marketplace rejected the update check"
		}
		log.WithField("error", detail).Warn("marketplace update check rejected")
		return emptyResult(detail)
	}

	result := emptyResult("")
	for slug, entry := range res.Path("updates").ChildrenMap() {
		current, ok := inventory[slug]
		if !ok {
			continue
		}
		latest, _ := entry.Path("latest").Data().(string)
		if latest == "" || semver.Compare(canonical(current), canonical(latest)) >= 0 {
			continue
		}

		isPaid, _ := entry.Path("is_paid").Data().(bool)
		requiresLicense, _ := entry.Path("requires_license").Data().(bool)
		isPaid = isPaid || requiresLicense
		changelog, _ := entry.Path("changelog").Data().(string)
		requiredCore, _ := entry.Path("required_core_version").Data().(string)
		requiredRuntime, _ := entry.Path("required_php_version").Data().(string)
		moduleType, _ := entry.Path("module_type").Data().(string)
		downloadURL, _ := entry.Path("download_url").Data().(string)
		if isPaid {
			// Paid archives are only served through the authenticated
			// endpoint, whatever the response claims.
			downloadURL = fmt.Sprintf("%s/api/v1/modules/%s/download", cfg.URL, slug)
		}

		result.Updates[slug] = UpdateInfo{
			Slug:                slug,
			CurrentVersion:      current,
			LatestVersion:       latest,
			Changelog:           changelog,
			DownloadURL:         downloadURL,
			RequiredCoreVersion: requiredCore,
			RequiredRuntime:     requiredRuntime,
			ModuleType:          moduleType,
			IsPaid:              isPaid,
			RequiresLicense:     isPaid,
		}
	}
	return result
}

func (c *Checker) checkLocal(installed []module.StatusedModule, cfg config.MarketplaceConfiguration) *CheckResult {
	source := &localSource{db: database.Instance()}
	result := emptyResult("")

	for _, m := range installed {
		release, err := source.latest(m.Identifier)
		if err != nil {
			log.WithFields(log.Fields{"module": m.Identifier, "error": err}).Warn("local marketplace lookup failed")
			continue
		}
		if release == nil || semver.Compare(canonical(m.Version), canonical(release.Version.Version)) >= 0 {
			continue
		}

		downloadURL := fmt.Sprintf("%s/storage/%s", cfg.URL, release.Version.ArchivePath)
		if release.Module.IsPaid {
			downloadURL = fmt.Sprintf("%s/api/v1/modules/%s/download", cfg.URL, m.Identifier)
		}

		result.Updates[m.Identifier] = UpdateInfo{
			Slug:                m.Identifier,
			CurrentVersion:      m.Version,
			LatestVersion:       release.Version.Version,
			Changelog:           release.Version.Changelog,
			DownloadURL:         downloadURL,
			RequiredCoreVersion: release.Version.RequiredCoreVersion,
			RequiredRuntime:     release.Version.RequiredRuntime,
			ModuleType:          release.Module.Type,
			IsPaid:              release.Module.IsPaid,
			RequiresLicense:     release.Module.IsPaid,
		}
	}
	return result
}

// ShouldTriggerFallbackCheck reports whether an opportunistic check is
// due. It exists for installs without the periodic scheduler: admin
// page loads call this and only hit the marketplace when the throttle
// window has passed.
func (c *Checker) ShouldTriggerFallbackCheck() bool {
	cfg := config.Get().Marketplace
	if !cfg.Enabled {
		return false
	}
	window := time.Duration(cfg.FallbackThrottleMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	last, ok := c.store.Get(cacheKeyLastChecked)
	if !ok {
		return true
	}
	return time.Since(last.(time.Time)) >= window
}

// InvalidateCache drops the cached result so the next check hits the
// marketplace. Called after an update is installed.
func (c *Checker) InvalidateCache() {
	c.store.Delete(cacheKeyResult)
}

// Cached returns the cached result without triggering a check.
func (c *Checker) Cached() (*CheckResult, bool) {
	if cached, ok := c.store.Get(cacheKeyResult); ok {
		return cached.(*CheckResult), true
	}
	return nil, false
}
