package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/internal/database"
	"github.com/pressify/forge/internal/models"
	"github.com/pressify/forge/module"
)

func init() {
	log.SetHandler(discard.Default)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %s", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %s", err)
	}
}

func setupConfig(t *testing.T, mutate func(c *config.Configuration)) {
	t.Helper()
	c, err := config.NewAtPath(filepath.Join(t.TempDir(), "config.yml"))
	if err != nil {
		t.Fatalf("failed to build configuration: %s", err)
	}
	c.System.TmpDirectory = t.TempDir()
	c.AuthenticationToken = "test-token"
	if mutate != nil {
		mutate(c)
	}
	config.Set(c)
}

func testManager(t *testing.T, modules map[string]string) *module.Manager {
	t.Helper()
	root := t.TempDir()
	for name, version := range modules {
		path := filepath.Join(root, name, module.ManifestFile)
		writeTestFile(t, path, `{"name": "`+name+`", "version": "`+version+`"}`)
	}
	return module.NewManager(module.ManagerOpts{
		ModulesRoot:     root,
		PublicDirectory: t.TempDir(),
		Statuses:        module.NewStatusStore(filepath.Join(t.TempDir(), "statuses.json"), root),
		Registrar:       module.NewRegistrarService(root, nil),
		Hooks:           module.NewHooks(),
		Runner:          noopRunner{},
		ClearCache:      func() {},
	})
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, ...string) ([]byte, error) { return nil, nil }

func testDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %s", err)
	}
	if migrate {
		err = db.AutoMigrate(
			&models.MarketplaceModule{},
			&models.MarketplaceVersion{},
			&models.Purchase{},
			&models.Activation{},
			&models.StoredLicense{},
		)
		if err != nil {
			t.Fatalf("failed to migrate models: %s", err)
		}
	}
	database.SetInstance(db)
	return db
}

func TestCheckForUpdatesDisabled(t *testing.T) {
	setupConfig(t, func(c *config.Configuration) {
		c.Marketplace.Enabled = false
	})
	checker := NewChecker(New("https://market.invalid"), testManager(t, map[string]string{"Blog": "1.0.0"}))

	result := checker.CheckForUpdates(context.Background(), false)
	if !result.Success {
		t.Fatal("a disabled check is still a success result")
	}
	if result.Error == "" {
		t.Fatal("expected an explanatory error string")
	}
	if len(result.Updates) != 0 {
		t.Fatalf("expected no updates, got %v", result.Updates)
	}
}

func TestCheckForUpdatesRemote(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/v1/updates/check" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "updates": {
			"blog":    {"current": "1.0.0", "latest": "2.0.0", "changelog": "fixes", "download_url": "` + "http://cdn.invalid/blog.zip" + `", "required_core_version": "2.0.0", "required_php_version": "8.2", "module_type": "content", "is_paid": false},
			"gallery": {"current": "1.0.0", "latest": "1.0.0", "is_paid": false},
			"seo":     {"current": "2.5.0", "latest": "3.0.0", "is_paid": true, "requires_license": true}
		}}`))
	}))
	defer srv.Close()

	setupConfig(t, func(c *config.Configuration) {
		c.Marketplace.URL = srv.URL
	})
	manager := testManager(t, map[string]string{"Blog": "1.0.0", "Gallery": "1.0.0", "Seo": "2.5.0"})
	checker := NewChecker(New(srv.URL), manager)

	result := checker.CheckForUpdates(context.Background(), false)
	if !result.Success {
		t.Fatalf("unexpected failure: %s", result.Error)
	}
	if len(result.Updates) != 2 {
		t.Fatalf("expected updates for blog and seo only, got %v", result.Updates)
	}

	blog := result.Updates["blog"]
	if blog.CurrentVersion != "1.0.0" || blog.LatestVersion != "2.0.0" {
		t.Errorf("unexpected blog update entry: %+v", blog)
	}
	if blog.DownloadURL != "http://cdn.invalid/blog.zip" {
		t.Errorf("free modules use the direct URL, got %q", blog.DownloadURL)
	}
	if blog.RequiredCoreVersion != "2.0.0" || blog.RequiredRuntime != "8.2" || blog.ModuleType != "content" {
		t.Errorf("compatibility fields must be carried through, got %+v", blog)
	}

	seo := result.Updates["seo"]
	if !seo.RequiresLicense {
		t.Error("paid modules must require a license")
	}
	if seo.DownloadURL != srv.URL+"/api/v1/modules/seo/download" {
		t.Errorf("paid modules use the authenticated endpoint, got %q", seo.DownloadURL)
	}

	// A second call is served from cache.
	checker.CheckForUpdates(context.Background(), false)
	if calls != 1 {
		t.Fatalf("expected the cached result to be reused, server saw %d calls", calls)
	}

	// Forcing bypasses the cache.
	checker.CheckForUpdates(context.Background(), true)
	if calls != 2 {
		t.Fatalf("expected a forced refresh to hit the marketplace, server saw %d calls", calls)
	}
}

func TestCheckForUpdatesRemoteRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "error": "marketplace is undergoing maintenance"}`))
	}))
	defer srv.Close()

	setupConfig(t, func(c *config.Configuration) {
		c.Marketplace.URL = srv.URL
	})
	checker := NewChecker(New(srv.URL), testManager(t, map[string]string{"Blog": "1.0.0"}))

	result := checker.CheckForUpdates(context.Background(), false)
	if result.Success {
		t.Fatal("a body-level rejection must not be treated as a clean empty result")
	}
	if result.Error != "marketplace is undergoing maintenance" {
		t.Errorf("expected the marketplace's error to surface, got %q", result.Error)
	}
}

func TestCheckForUpdatesNetworkFailure(t *testing.T) {
	setupConfig(t, nil)
	checker := NewChecker(New("http://127.0.0.1:1"), testManager(t, map[string]string{"Blog": "1.0.0"}))

	result := checker.CheckForUpdates(context.Background(), false)
	if result.Success {
		t.Fatal("expected a failure result")
	}
	if result.Error == "" {
		t.Fatal("expected an error message, not an exception")
	}

	// Failures are not cached for the full TTL, but they do stamp the
	// throttle so the opportunistic path backs off.
	if _, ok := checker.Cached(); ok {
		t.Fatal("a failed check must not be cached")
	}
	if checker.ShouldTriggerFallbackCheck() {
		t.Fatal("a failed check must still suppress fallback checks for the throttle window")
	}
}

func TestCheckForUpdatesNoModules(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	setupConfig(t, nil)
	checker := NewChecker(New(srv.URL), testManager(t, nil))

	result := checker.CheckForUpdates(context.Background(), false)
	if !result.Success || len(result.Updates) != 0 {
		t.Fatalf("expected an empty success result, got %+v", result)
	}
	if calls != 0 {
		t.Fatal("no marketplace call should be made without installed modules")
	}

	// The empty result is still cached.
	checker.CheckForUpdates(context.Background(), false)
	if _, ok := checker.Cached(); !ok {
		t.Fatal("expected the empty result to be cached")
	}
}

func TestCheckForUpdatesSelfHosted(t *testing.T) {
	setupConfig(t, func(c *config.Configuration) {
		c.Marketplace.URL = "https://cms.example.com"
		c.Marketplace.AppURL = "https://cms.example.com"
	})
	db := testDB(t, true)

	mod := models.MarketplaceModule{Slug: "blog", Name: "Blog", Type: "content", IsPaid: false}
	if err := db.Create(&mod).Error; err != nil {
		t.Fatal(err)
	}
	versions := []models.MarketplaceVersion{
		{ModuleID: mod.ID, Version: "2.0.0", Approved: true, Released: true, ArchivePath: "archives/blog-2.0.0.zip", RequiredCoreVersion: "2.0.0", RequiredRuntime: "8.2"},
		{ModuleID: mod.ID, Version: "3.0.0", Approved: false, Released: true},
	}
	if err := db.Create(&versions).Error; err != nil {
		t.Fatal(err)
	}

	checker := NewChecker(New("https://cms.example.com"), testManager(t, map[string]string{"Blog": "1.0.0"}))
	result := checker.CheckForUpdates(context.Background(), false)
	if !result.Success {
		t.Fatalf("unexpected failure: %s", result.Error)
	}

	update, ok := result.Updates["blog"]
	if !ok {
		t.Fatal("expected a local update entry")
	}
	if update.LatestVersion != "2.0.0" {
		t.Errorf("unapproved versions must not be offered, got %q", update.LatestVersion)
	}
	if update.RequiredCoreVersion != "2.0.0" || update.RequiredRuntime != "8.2" || update.ModuleType != "content" {
		t.Errorf("compatibility fields must be read from the local tables, got %+v", update)
	}
}

func TestShouldTriggerFallbackCheck(t *testing.T) {
	setupConfig(t, nil)
	checker := NewChecker(New("https://market.invalid"), testManager(t, nil))

	if !checker.ShouldTriggerFallbackCheck() {
		t.Fatal("a checker that never ran should trigger a fallback check")
	}

	checker.CheckForUpdates(context.Background(), false)
	if checker.ShouldTriggerFallbackCheck() {
		t.Fatal("a fresh check must suppress the fallback for the throttle window")
	}

	// Invalidating the result cache does not reset the throttle stamp.
	checker.InvalidateCache()
	if checker.ShouldTriggerFallbackCheck() {
		t.Fatal("cache invalidation must not bypass the throttle")
	}
}
