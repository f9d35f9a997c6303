package module

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"emperror.dev/errors"
)

type fakeRunner struct {
	commands [][]string
	fail     map[string]error
}

func (r *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	r.commands = append(r.commands, args)
	if err, ok := r.fail[strings.Join(args, " ")]; ok {
		return []byte("command output"), err
	}
	return nil, nil
}

func (r *fakeRunner) ran(command string) bool {
	for _, args := range r.commands {
		if strings.Join(args, " ") == command {
			return true
		}
	}
	return false
}

type testManager struct {
	*Manager
	runner      *fakeRunner
	cacheClears int
	// commandsAtClear records how many framework commands had run at the
	// time of each cache clear, so ordering can be asserted.
	commandsAtClear []int
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()
	root := t.TempDir()
	tm := &testManager{runner: &fakeRunner{fail: map[string]error{}}}
	tm.Manager = NewManager(ManagerOpts{
		ModulesRoot:     root,
		PublicDirectory: t.TempDir(),
		Statuses:        NewStatusStore(filepath.Join(t.TempDir(), "statuses.json"), root),
		Registrar:       NewRegistrarService(root, nil),
		Hooks:           NewHooks(),
		Runner:          tm.runner,
		ClearCache: func() {
			tm.cacheClears++
			tm.commandsAtClear = append(tm.commandsAtClear, len(tm.runner.commands))
		},
	})
	return tm
}

func uploadFor(t *testing.T, name, version string) *UploadInspection {
	t.Helper()
	tempPath := t.TempDir()
	writeFile(t, filepath.Join(tempPath, name, ManifestFile), `{"name": "`+name+`", "version": "`+version+`"}`)
	in, err := InspectUpload(tempPath)
	if err != nil {
		t.Fatalf("failed to inspect test upload: %s", err)
	}
	return in
}

func TestInstallFromTempAlwaysDisabled(t *testing.T) {
	m := newTestManager(t)

	var fired []Hook
	m.Hooks().On(InstallBefore, func(string) { fired = append(fired, InstallBefore) })
	m.Hooks().On(InstallAfter, func(string) { fired = append(fired, InstallAfter) })

	id, err := m.InstallFromTemp(uploadFor(t, "Blog", "1.0.0"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if id != "blog" {
		t.Errorf("expected lowercase identifier, got %q", id)
	}

	if !isDir(filepath.Join(m.Root(), "Blog")) {
		t.Fatal("module directory was not moved into place")
	}
	enabled, err := m.Statuses().Enabled("blog")
	if err != nil {
		t.Fatal(err)
	}
	if enabled {
		t.Fatal("a freshly installed module must be disabled")
	}
	if len(fired) != 2 || fired[0] != InstallBefore || fired[1] != InstallAfter {
		t.Errorf("unexpected hook sequence: %v", fired)
	}
	if m.cacheClears != 1 {
		t.Errorf("expected a single cache clear, got %d", m.cacheClears)
	}
}

func TestInstallPublishesAssets(t *testing.T) {
	m := newTestManager(t)

	tempPath := t.TempDir()
	writeFile(t, filepath.Join(tempPath, "Blog", ManifestFile), `{"name": "Blog", "version": "1.0.0"}`)
	writeFile(t, filepath.Join(tempPath, "Blog", "dist", "build-blog", "manifest.json"), `{}`)
	writeFile(t, filepath.Join(tempPath, "Blog", "dist", "build-blog", "app.js"), "console.log(1)")
	in, err := InspectUpload(tempPath)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.InstallFromTemp(in); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, err := os.Stat(filepath.Join(m.public, "build-blog", "app.js")); err != nil {
		t.Fatalf("expected published assets, got %s", err)
	}
}

func TestToggleEnable(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")

	if err := m.Toggle(context.Background(), "blog", true); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !m.runner.ran("module:enable Blog") {
		t.Error("expected the framework enable command to run")
	}
	if !m.runner.ran("module:migrate Blog") {
		t.Error("expected migrations to run on enable")
	}
	enabled, _ := m.Statuses().Enabled("blog")
	if !enabled {
		t.Fatal("expected the module to be recorded enabled")
	}
}

func TestToggleMigrationFailureIsSwallowed(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	m.runner.fail["module:migrate Blog"] = errors.New("boom")

	if err := m.Toggle(context.Background(), "blog", true); err != nil {
		t.Fatalf("migration failures must not fail the enable: %s", err)
	}
	enabled, _ := m.Statuses().Enabled("blog")
	if !enabled {
		t.Fatal("expected the module to stay enabled despite the migration failure")
	}
}

func TestToggleCommandFailure(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	m.runner.fail["module:enable Blog"] = &CommandError{Command: "pressify module:enable Blog", Output: []byte("whoops"), Err: errors.New("exit status 1")}

	err := m.Toggle(context.Background(), "blog", true)
	if err == nil {
		t.Fatal("expected the framework failure to abort the toggle")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected a CommandError, got %T", err)
	}
	enabled, _ := m.Statuses().Enabled("blog")
	if enabled {
		t.Fatal("a failed enable must not record the module enabled")
	}
}

func TestToggleClearsCacheBeforeFrameworkCommand(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	m.runner.fail["module:enable Blog"] = errors.New("exit status 1")

	if err := m.Toggle(context.Background(), "blog", true); err == nil {
		t.Fatal("expected the framework failure to abort the toggle")
	}
	if m.cacheClears != 1 {
		t.Fatalf("the cache must be cleared ahead of the framework command, got %d clears", m.cacheClears)
	}
	if len(m.commandsAtClear) != 1 || m.commandsAtClear[0] != 0 {
		t.Errorf("the cache clear must precede the framework command, got %v", m.commandsAtClear)
	}
}

func TestToggleMissingModule(t *testing.T) {
	m := newTestManager(t)
	if err := m.Toggle(context.Background(), "ghost", true); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestReplacePreservesEnabledState(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	if err := m.Statuses().Set("blog", true); err != nil {
		t.Fatal(err)
	}

	id, err := m.Replace(context.Background(), uploadFor(t, "Blog", "2.0.0"), "blog")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if id != "blog" {
		t.Errorf("unexpected identifier: %q", id)
	}

	d, err := ReadDescriptor(m.Root(), "blog")
	if err != nil || d == nil {
		t.Fatalf("replaced module missing: %v %v", d, err)
	}
	if d.Version != "2.0.0" {
		t.Errorf("expected the new version on disk, got %q", d.Version)
	}
	enabled, _ := m.Statuses().Enabled("blog")
	if !enabled {
		t.Fatal("replace must preserve the enabled state")
	}
	if !m.runner.ran("module:enable Blog") {
		t.Error("expected a re-enable through the framework")
	}
}

func TestReplaceDisabledStaysDisabled(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	if err := m.Statuses().Set("blog", false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Replace(context.Background(), uploadFor(t, "Blog", "2.0.0"), "blog"); err != nil {
		t.Fatal(err)
	}
	enabled, _ := m.Statuses().Enabled("blog")
	if enabled {
		t.Fatal("a disabled module must stay disabled after replacement")
	}
	if m.runner.ran("module:enable Blog") {
		t.Error("no enable command should run for a disabled module")
	}
}

func TestReplaceDropsStatusOnRename(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	if err := m.Statuses().Set("blog", true); err != nil {
		t.Fatal(err)
	}

	id, err := m.Replace(context.Background(), uploadFor(t, "BlogPro", "1.0.0"), "blog")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if id != "blogpro" {
		t.Errorf("unexpected identifier: %q", id)
	}

	statuses, err := m.Statuses().GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := statuses["blog"]; ok {
		t.Error("the old identifier must be dropped when the declared name changes")
	}
	if !statuses["blogpro"] {
		t.Error("the renamed module must carry over the enabled state")
	}
}

func TestBulkToggleContinuesOnFailure(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	installModule(t, m.Root(), "Gallery", "Gallery")
	m.runner.fail["module:enable Blog"] = errors.New("exit status 1")

	results := m.BulkActivate(context.Background(), []string{"blog", "gallery"})
	if results["blog"] == nil {
		t.Error("expected the failing module to carry its error")
	}
	if results["gallery"] != nil {
		t.Errorf("expected the second module to succeed, got %v", results["gallery"])
	}
	enabled, _ := m.Statuses().Enabled("gallery")
	if !enabled {
		t.Fatal("one module's failure must not abort the batch")
	}
	if m.cacheClears != 1 {
		t.Errorf("expected a single cache clear for the batch, got %d", m.cacheClears)
	}
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	installModule(t, m.Root(), "Blog", "Blog")
	installModule(t, m.Root(), "Gallery", "Gallery")
	if err := m.Statuses().Set("gallery", true); err != nil {
		t.Fatal(err)
	}

	list, err := m.List()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(list))
	}
	if list[0].Identifier != "blog" || list[0].Enabled {
		t.Errorf("unexpected first entry: %+v", list[0])
	}
	if list[1].Identifier != "gallery" || !list[1].Enabled {
		t.Errorf("unexpected second entry: %+v", list[1])
	}
}
