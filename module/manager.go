package module

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/pressify/forge/config"
)

// ErrModuleNotFound is returned by lifecycle operations targeting an
// identifier that does not resolve to an installed module.
var ErrModuleNotFound = errors.New("module: not found")

// CommandError wraps a framework console command failure and keeps the
// combined output around so the admin can see what the host CMS printed.
type CommandError struct {
	Command string
	Output  []byte
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("module: framework command %q failed: %s", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CommandRunner executes host CMS console commands. Abstracted so tests
// can swap in a recorder and hosts without a console can no-op it.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// frameworkRunner shells out to the configured CMS binary with a bounded
// context. These commands are one of the two operations in the daemon
// that could otherwise hang forever.
type frameworkRunner struct{}

func NewFrameworkRunner() CommandRunner {
	return frameworkRunner{}
}

func (frameworkRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cfg := config.Get().Framework

	timeout := time.Duration(cfg.CommandTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	cmd.Dir = cfg.WorkingDirectory
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &CommandError{
			Command: cfg.Binary + " " + strings.Join(args, " "),
			Output:  out,
			Err:     err,
		}
	}
	return out, nil
}

// StatusedModule pairs a descriptor with its current enabled flag for
// API listings.
type StatusedModule struct {
	*Descriptor
	Enabled bool `json:"enabled"`
}

// Manager owns the module lifecycle: install, replace, toggle, and the
// listing views the API serves. A single mutex serializes mutating
// operations within this process; concurrent external writers to the
// modules directory are not defended against.
type Manager struct {
	mu         sync.Mutex
	root       string
	public     string
	statuses   *StatusStore
	registrar  *RegistrarService
	hooks      *Hooks
	runner     CommandRunner
	clearCache func()
}

type ManagerOpts struct {
	ModulesRoot     string
	PublicDirectory string
	Statuses        *StatusStore
	Registrar       *RegistrarService
	Hooks           *Hooks
	Runner          CommandRunner
	ClearCache      func()
}

func NewManager(opts ManagerOpts) *Manager {
	m := &Manager{
		root:       opts.ModulesRoot,
		public:     opts.PublicDirectory,
		statuses:   opts.Statuses,
		registrar:  opts.Registrar,
		hooks:      opts.Hooks,
		runner:     opts.Runner,
		clearCache: opts.ClearCache,
	}
	if m.statuses == nil {
		m.statuses = NewStatusStore(config.Get().System.StatusFile, m.root)
	}
	if m.registrar == nil {
		m.registrar = NewRegistrarService(m.root, nil)
	}
	if m.hooks == nil {
		m.hooks = NewHooks()
	}
	if m.runner == nil {
		m.runner = NewFrameworkRunner()
	}
	if m.clearCache == nil {
		m.clearCache = func() {}
	}
	return m
}

func (m *Manager) Hooks() *Hooks {
	return m.hooks
}

// Root returns the modules directory this manager operates on.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) Statuses() *StatusStore {
	return m.statuses
}

// List returns every module found on disk paired with its enabled flag.
// Folders without a parsable manifest are skipped with a warning; the
// status read doubles as the orphan-pruning pass.
func (m *Manager) List() ([]StatusedModule, error) {
	statuses, err := m.statuses.GetAll()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []StatusedModule{}, nil
		}
		return nil, errors.WithMessage(err, "module: failed to read modules directory")
	}

	out := make([]StatusedModule, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d, err := ReadDescriptor(m.root, entry.Name())
		if err != nil {
			log.WithField("module", entry.Name()).WithField("error", err).Warn("skipping module with unreadable manifest")
			continue
		}
		if d == nil {
			continue
		}
		out = append(out, StatusedModule{Descriptor: d, Enabled: statuses[d.Identifier]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Get returns a single module by identifier, or (nil, nil) when it is
// not installed.
func (m *Manager) Get(id string) (*StatusedModule, error) {
	d, err := ReadDescriptor(m.root, id)
	if err != nil || d == nil {
		return nil, err
	}
	enabled, err := m.statuses.Enabled(d.Identifier)
	if err != nil {
		return nil, err
	}
	return &StatusedModule{Descriptor: d, Enabled: enabled}, nil
}

// Toggle enables or disables a module. The framework command is the
// authority: its failure aborts the transition and surfaces the output.
// Migrations and asset publication on enable are best-effort.
func (m *Manager) Toggle(ctx context.Context, id string, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toggle(ctx, id, enable, true)
}

// toggle performs the transition in order: pre-hook, autoloader reload,
// cache clear, framework command. The cache is dropped before the
// command runs so a failed transition never leaves a stale view; bulk
// operations pass clearCache=false and clear once for the whole batch.
func (m *Manager) toggle(ctx context.Context, id string, enable, clearCache bool) error {
	d, err := ReadDescriptor(m.root, id)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrModuleNotFound
	}

	pre, post := DisablingBefore, DisabledAfter
	action := "module:disable"
	if enable {
		pre, post = EnablingBefore, EnabledAfter
		action = "module:enable"
	}

	m.hooks.Fire(pre, d.Identifier)
	m.registrar.Reload()
	if clearCache {
		m.clearCache()
	}

	if _, err := m.runner.Run(ctx, action, d.FolderName); err != nil {
		return err
	}
	if err := m.statuses.Set(d.Identifier, enable); err != nil {
		return err
	}

	if enable {
		if out, err := m.runner.Run(ctx, "module:migrate", d.FolderName); err != nil {
			log.WithFields(log.Fields{
				"module": d.Identifier,
				"output": strings.TrimSpace(string(out)),
				"error":  err,
			}).Warn("module migrations failed during enable")
		}
		m.publishAssets(d.Identifier, d.FolderName)
	}

	m.hooks.Fire(post, d.Identifier)
	log.WithFields(log.Fields{"module": d.Identifier, "enabled": enable}).Info("module state changed")
	return nil
}

// BulkActivate toggles every given module on. Failures are collected
// per identifier and never abort the remainder of the batch; the cache
// is cleared once at the end.
func (m *Manager) BulkActivate(ctx context.Context, ids []string) map[string]error {
	return m.bulk(ctx, ids, true)
}

// BulkDeactivate is the disable counterpart of BulkActivate.
func (m *Manager) BulkDeactivate(ctx context.Context, ids []string) map[string]error {
	return m.bulk(ctx, ids, false)
}

func (m *Manager) bulk(ctx context.Context, ids []string, enable bool) map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[string]error, len(ids))
	for _, id := range ids {
		if err := m.toggle(ctx, id, enable, false); err != nil {
			log.WithFields(log.Fields{"module": id, "error": err}).Warn("bulk toggle failed for module")
			results[Normalize(id)] = err
			continue
		}
		results[Normalize(id)] = nil
	}
	m.clearCache()
	return results
}
