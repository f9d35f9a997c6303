package module

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// ConflictError is returned when an uploaded module collides with one
// already installed. It carries both descriptor summaries so the caller
// can present a replace-or-cancel decision, plus the temp path needed
// to resume either way.
type ConflictError struct {
	Current    Summary `json:"current_module"`
	Uploaded   Summary `json:"uploaded_module"`
	TempPath   string  `json:"temp_path"`
	ExistingID string  `json:"existing_id"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("module: %q conflicts with installed module %q", e.Uploaded.Name, e.ExistingID)
}

// UploadInspection is the parsed view of an extracted upload, produced
// by InspectUpload and consumed by the installer.
type UploadInspection struct {
	TempPath     string
	ManifestDir  string
	FolderName   string
	DeclaredName string
	Descriptor   *Descriptor
}

// locateManifest finds the directory inside a temp extraction that
// holds the module manifest. Archives come in three shapes: files at
// the root, a single wrapping directory, or a wrapping directory among
// metadata siblings; the first subdirectory wins in the last case.
func locateManifest(tempPath string) (string, error) {
	if _, err := os.Stat(filepath.Join(tempPath, ManifestFile)); err == nil {
		return tempPath, nil
	}

	entries, err := os.ReadDir(tempPath)
	if err != nil {
		return "", errors.WithMessage(err, "module: failed to read temp extraction directory")
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}

	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(tempPath, dir, ManifestFile)); err == nil {
			return filepath.Join(tempPath, dir), nil
		}
	}
	return "", nil
}

// InspectUpload parses the manifest out of a temp extraction and
// derives the folder name the module would be installed under. When no
// manifest can be located anywhere in the extraction the temp files are
// removed before the error is returned so a rejected upload never
// leaves artifacts behind.
func InspectUpload(tempPath string) (*UploadInspection, error) {
	dir, err := locateManifest(tempPath)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		if rerr := os.RemoveAll(tempPath); rerr != nil {
			log.WithField("path", tempPath).WithField("error", rerr).Warn("failed to clean up rejected upload")
		}
		return nil, errors.New("module: no module manifest found in the uploaded archive")
	}

	d, err := ParseDescriptor(dir, filepath.Base(dir))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.New("module: manifest disappeared while inspecting upload")
	}
	if d.Name == "" || Normalize(d.Name) == "" {
		return nil, errors.New("module: uploaded manifest does not declare a module name")
	}

	return &UploadInspection{
		TempPath:     tempPath,
		ManifestDir:  dir,
		FolderName:   folderNameFromNamespaces(dir, d),
		DeclaredName: d.Name,
		Descriptor:   d,
	}, nil
}

// DetectConflict checks an inspected upload against the installed set.
// A collision is either an exact folder-name match on disk or a
// case-insensitive declared-name match against a tracked identifier
// whose folder still resolves. Returns nil when the upload is clear.
func DetectConflict(root string, statuses *StatusStore, in *UploadInspection) (*ConflictError, error) {
	existingID := ""
	if isDir(filepath.Join(root, in.FolderName)) {
		if d, err := ParseDescriptor(filepath.Join(root, in.FolderName), in.FolderName); err == nil && d != nil {
			existingID = d.Identifier
		} else {
			existingID = Normalize(in.FolderName)
		}
	}

	if existingID == "" {
		tracked, err := statuses.Identifiers()
		if err != nil {
			return nil, err
		}
		for _, id := range tracked {
			if strings.EqualFold(id, in.DeclaredName) && ResolveFolder(root, id) != "" {
				existingID = id
				break
			}
		}
	}

	if existingID == "" {
		return nil, nil
	}

	current, err := ReadDescriptor(root, existingID)
	if err != nil {
		return nil, err
	}
	conflict := &ConflictError{
		Uploaded:   in.Descriptor.Summary(),
		TempPath:   in.TempPath,
		ExistingID: existingID,
	}
	if current != nil {
		conflict.Current = current.Summary()
	} else {
		// Folder exists but the manifest inside is unreadable; report
		// the collision with what we know.
		conflict.Current = Summary{Name: existingID}
	}
	return conflict, nil
}
