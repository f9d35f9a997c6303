package module

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/iancoleman/strcase"
)

// BootstrapFile is the module-local entrypoint that, when present, is
// handed to the registrar exactly once per module.
const BootstrapFile = "vendor/autoload.php"

// Registrar is the capability the host implements to make a module's
// code reachable. The daemon itself does not interpret the mappings; it
// derives them from each module's package descriptor and hands them
// over. Implementations must tolerate repeat registrations.
type Registrar interface {
	Register(id string, mappings []Mapping, bootstrapFiles []string) error
}

// NoopRegistrar satisfies Registrar for hosts that resolve module code
// through their own build step and for tests.
type NoopRegistrar struct{}

func (NoopRegistrar) Register(string, []Mapping, []string) error { return nil }

// RegistrarService tracks which modules have been registered in this
// process so repeat calls short-circuit.
type RegistrarService struct {
	mu         sync.Mutex
	root       string
	registrar  Registrar
	registered map[string]bool
}

func NewRegistrarService(modulesRoot string, r Registrar) *RegistrarService {
	if r == nil {
		r = NoopRegistrar{}
	}
	return &RegistrarService{
		root:       modulesRoot,
		registrar:  r,
		registered: make(map[string]bool),
	}
}

// RegisterModule registers a single module's bootstrap entrypoint when
// one exists. Returns true when the module is registered, including the
// idempotent repeat-call case.
func (s *RegistrarService) RegisterModule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered[Normalize(id)] {
		return true
	}

	folder := ResolveFolder(s.root, id)
	if folder == "" {
		return false
	}
	bootstrap := filepath.Join(s.root, folder, BootstrapFile)
	if _, err := os.Stat(bootstrap); err != nil {
		return false
	}

	if err := s.registrar.Register(Normalize(id), nil, []string{bootstrap}); err != nil {
		log.WithFields(log.Fields{"module": id, "error": err}).Warn("failed to register module bootstrap file")
		return false
	}
	s.registered[Normalize(id)] = true
	return true
}

// RegisterAll sweeps every module directory carrying a bootstrap
// entrypoint and registers each one.
func (s *RegistrarService) RegisterAll() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		log.WithField("error", err).Warn("failed to list modules directory for registration sweep")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s.RegisterModule(entry.Name())
	}
}

// Reload re-derives the namespace mappings for every module from its
// package descriptor and registers them with the host. A module whose
// descriptor cannot be parsed is logged and registered under a
// synthesized namespace pointing at its root; one module's failure
// never blocks the others.
func (s *RegistrarService) Reload() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		log.WithField("error", err).Warn("failed to list modules directory for registrar reload")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folder := entry.Name()
		dir := filepath.Join(s.root, folder)

		mappings, files, err := PackageAutoload(dir)
		if err != nil {
			log.WithFields(log.Fields{"module": folder, "error": err}).Warn("failed to parse package descriptor, registering module root")
			mappings = []Mapping{{Namespace: `Modules\` + strcase.ToCamel(folder) + `\`, Paths: []string{""}}}
			files = nil
		}

		for i := range mappings {
			for j, p := range mappings[i].Paths {
				mappings[i].Paths[j] = filepath.Join(dir, p)
			}
		}
		abs := make([]string, 0, len(files))
		for _, f := range files {
			abs = append(abs, filepath.Join(dir, f))
		}

		if err := s.registrar.Register(Normalize(folder), mappings, abs); err != nil {
			log.WithFields(log.Fields{"module": folder, "error": err}).Warn("registrar rejected module mappings")
		}
	}
}
