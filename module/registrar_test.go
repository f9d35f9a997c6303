package module

import (
	"path/filepath"
	"strings"
	"testing"

	"emperror.dev/errors"
)

type recordingRegistrar struct {
	calls map[string][]Mapping
	files map[string][]string
	fail  map[string]error
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{
		calls: map[string][]Mapping{},
		files: map[string][]string{},
		fail:  map[string]error{},
	}
}

func (r *recordingRegistrar) Register(id string, mappings []Mapping, files []string) error {
	if err := r.fail[id]; err != nil {
		return err
	}
	r.calls[id] = mappings
	r.files[id] = files
	return nil
}

func TestReloadDerivesMappings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Blog", PackageFile), `{
		"autoload": {
			"psr-4": {"Modules\\Blog\\": "app/"},
			"files": ["helpers.php"]
		}
	}`)

	reg := newRecordingRegistrar()
	svc := NewRegistrarService(root, reg)
	svc.Reload()

	mappings, ok := reg.calls["blog"]
	if !ok {
		t.Fatal("expected the module to be registered")
	}
	if len(mappings) != 1 || mappings[0].Namespace != `Modules\Blog\` {
		t.Fatalf("unexpected mappings: %+v", mappings)
	}
	if mappings[0].Paths[0] != filepath.Join(root, "Blog", "app") {
		t.Errorf("paths must be resolved against the module directory, got %q", mappings[0].Paths[0])
	}
	if len(reg.files["blog"]) != 1 || !strings.HasSuffix(reg.files["blog"][0], "helpers.php") {
		t.Errorf("unexpected files: %v", reg.files["blog"])
	}
}

func TestReloadBrokenDescriptorDoesNotBlockOthers(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Broken", PackageFile), `{broken`)
	writeFile(t, filepath.Join(root, "Gallery", PackageFile), `{"autoload": {"psr-4": {"Modules\\Gallery\\": "app/"}}}`)

	reg := newRecordingRegistrar()
	NewRegistrarService(root, reg).Reload()

	if _, ok := reg.calls["gallery"]; !ok {
		t.Fatal("a broken sibling must not block registration")
	}

	// The broken module is still registered under a synthesized
	// namespace pointing at its root.
	mappings, ok := reg.calls["broken"]
	if !ok {
		t.Fatal("expected the broken module to get a fallback registration")
	}
	if mappings[0].Namespace != `Modules\Broken\` {
		t.Errorf("unexpected fallback namespace: %q", mappings[0].Namespace)
	}
}

func TestRegisterModuleIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Blog", BootstrapFile), "<?php")

	reg := newRecordingRegistrar()
	svc := NewRegistrarService(root, reg)

	if !svc.RegisterModule("Blog") {
		t.Fatal("expected registration to succeed")
	}
	reg.fail["blog"] = errors.New("must not be called again")
	if !svc.RegisterModule("blog") {
		t.Fatal("repeat registration must short-circuit to success")
	}
}
