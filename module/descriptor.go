package module

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/asaskevich/govalidator"
	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/iancoleman/strcase"
)

const (
	// ManifestFile is the self-describing metadata file every module
	// must carry at its root.
	ManifestFile = "module.json"

	// PackageFile is the optional package-manager descriptor carrying
	// the autoload section.
	PackageFile = "composer.json"

	// ReadmeFile is used as the description fallback when the manifest
	// does not declare one.
	ReadmeFile = "README.md"
)

// providerNamespacePattern matches the module name segment out of a
// provider class string such as "Modules\Blog\Providers\BlogServiceProvider".
var providerNamespacePattern = regexp.MustCompile(`^Modules\\([^\\]+)\\`)

// Descriptor is the read-only view of a module parsed fresh from disk.
// Identifier is the canonical lowercase name used as the stable key
// across the whole system; FolderName is the case-sensitive on-disk
// directory matching the declared namespace casing.
type Descriptor struct {
	Identifier  string   `json:"identifier"`
	FolderName  string   `json:"folder_name"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Version     string   `json:"version"`
	Author      string   `json:"author"`
	Description string   `json:"description"`
	Icon        string   `json:"icon"`
	Tags        []string `json:"tags,omitempty"`
	Category    string   `json:"category,omitempty"`
	Priority    int      `json:"priority"`
	Providers   []string `json:"providers,omitempty"`
}

// Summary is the reduced descriptor shape embedded in conflict reports.
type Summary struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`
}

func (d *Descriptor) Summary() Summary {
	return Summary{
		Name:        d.Name,
		Title:       d.Title,
		Version:     d.Version,
		Author:      d.Author,
		Description: d.Description,
	}
}

type manifest struct {
	Name             string   `json:"name"`
	Title            string   `json:"title"`
	Version          string   `json:"version"`
	Author           string   `json:"author"`
	Authors          []string `json:"authors"`
	Description      string   `json:"description"`
	Icon             string   `json:"icon"`
	Keywords         []string `json:"keywords"`
	Category         string   `json:"category"`
	Priority         int      `json:"priority"`
	Providers        []string `json:"providers"`
	LogoImage        string   `json:"logo_image"`
	BannerImage      string   `json:"banner_image"`
	DocumentationURL string   `json:"documentation_url"`
}

// Normalize converts any casing or whitespace variant of a module name
// into its canonical identifier. The operation is idempotent.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ResolveFolder locates a module directory under root using a widening
// series of candidates: exact match, kebab-case, lowercase, and finally
// a full case-insensitive directory scan. Returns an empty string when
// nothing matches.
func ResolveFolder(root, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	for _, candidate := range []string{name, strcase.ToKebab(name), strings.ToLower(name)} {
		if isDir(filepath.Join(root, candidate)) {
			return candidate
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.EqualFold(entry.Name(), name) {
			return entry.Name()
		}
	}
	return ""
}

// ReadDescriptor parses the descriptor for the module folder under the
// given root. A missing module or manifest yields (nil, nil) so callers
// can treat absence as an ordinary outcome rather than a failure.
func ReadDescriptor(root, folderName string) (*Descriptor, error) {
	folder := ResolveFolder(root, folderName)
	if folder == "" {
		return nil, nil
	}
	return ParseDescriptor(filepath.Join(root, folder), folder)
}

// ParseDescriptor reads the manifest inside dir directly, using folder
// for identifier derivation and display fallbacks. Returns (nil, nil)
// when no manifest exists in dir.
func ParseDescriptor(dir, folder string) (*Descriptor, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "module: failed to read manifest")
	}

	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.WithMessage(err, "module: malformed manifest")
	}

	name := m.Name
	if name == "" {
		name = folder
	}

	d := &Descriptor{
		Identifier:  Normalize(name),
		FolderName:  folder,
		Name:        name,
		Title:       m.Title,
		Version:     m.Version,
		Author:      m.Author,
		Description: m.Description,
		Icon:        m.Icon,
		Tags:        m.Keywords,
		Category:    m.Category,
		Priority:    m.Priority,
		Providers:   m.Providers,
	}

	if d.Author == "" && len(m.Authors) > 0 {
		d.Author = m.Authors[0]
	}
	if d.Title == "" {
		d.Title = strcase.ToDelimited(folder, ' ')
	}
	if d.Description == "" {
		if readme, err := os.ReadFile(filepath.Join(dir, ReadmeFile)); err == nil {
			d.Description = strings.TrimSpace(string(readme))
		}
	}
	if d.Version != "" && !govalidator.IsSemver(strings.TrimPrefix(d.Version, "v")) {
		log.WithFields(log.Fields{
			"module":  d.Identifier,
			"version": d.Version,
		}).Warn("module manifest declares a non-semver version string")
	}

	return d, nil
}

// Mapping is a single namespace to path binding derived from a module's
// package descriptor.
type Mapping struct {
	Namespace string
	Paths     []string
}

// PackageAutoload extracts the PSR-4 mappings and eagerly-required file
// list from a module's package descriptor. The psr-4 values may be a
// single string or an array of paths; both forms are accepted.
func PackageAutoload(dir string) ([]Mapping, []string, error) {
	b, err := os.ReadFile(filepath.Join(dir, PackageFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.WithMessage(err, "module: failed to read package descriptor")
	}

	var mappings []Mapping
	err = jsonparser.ObjectEach(b, func(key []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
		// Object keys are handed over in their raw escaped form, so the
		// namespace separators arrive doubled.
		m := Mapping{Namespace: strings.ReplaceAll(string(key), `\\`, `\`)}
		switch dataType {
		case jsonparser.String:
			m.Paths = []string{string(value)}
		case jsonparser.Array:
			_, aerr := jsonparser.ArrayEach(value, func(item []byte, t jsonparser.ValueType, _ int, _ error) {
				if t == jsonparser.String {
					m.Paths = append(m.Paths, string(item))
				}
			})
			if aerr != nil {
				return aerr
			}
		default:
			return nil
		}
		mappings = append(mappings, m)
		return nil
	}, "autoload", "psr-4")
	if err != nil && !isJSONPathMissing(err) {
		return nil, nil, errors.WithMessage(err, "module: malformed autoload.psr-4 section")
	}

	var files []string
	_, err = jsonparser.ArrayEach(b, func(item []byte, t jsonparser.ValueType, _ int, _ error) {
		if t == jsonparser.String {
			files = append(files, string(item))
		}
	}, "autoload", "files")
	if err != nil && !isJSONPathMissing(err) {
		return nil, nil, errors.WithMessage(err, "module: malformed autoload.files section")
	}

	return mappings, files, nil
}

// folderNameFromNamespaces derives the case-sensitive folder name for a
// module being installed. Priority order: a provider class string, the
// package descriptor's PSR-4 namespace key, and finally the studly-cased
// declared name.
func folderNameFromNamespaces(dir string, m *Descriptor) string {
	for _, provider := range m.Providers {
		if match := providerNamespacePattern.FindStringSubmatch(provider); match != nil {
			return match[1]
		}
	}

	if mappings, _, err := PackageAutoload(dir); err == nil {
		for _, mapping := range mappings {
			if match := providerNamespacePattern.FindStringSubmatch(mapping.Namespace); match != nil {
				return match[1]
			}
		}
	}

	return strcase.ToCamel(m.Name)
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func isJSONPathMissing(err error) bool {
	return errors.Is(err, jsonparser.KeyPathNotFoundError)
}
