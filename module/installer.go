package module

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/mholt/archives"

	"github.com/pressify/forge/config"
)

// assetManifest marks a directory of pre-built module assets that get
// published into the public directory on install and enable.
const assetManifest = "manifest.json"

// ExtractUpload streams an uploaded archive to disk, verifies it is a
// zip, and extracts it into a fresh temp directory. The caller owns the
// returned path and is responsible for removing it if the upload is
// abandoned before install.
func ExtractUpload(ctx context.Context, src io.Reader, filename string) (string, error) {
	tmpRoot := config.Get().System.TmpDirectory

	archive, err := os.CreateTemp(tmpRoot, "upload-*.zip")
	if err != nil {
		return "", errors.WithMessage(err, "module: failed to buffer uploaded archive")
	}
	defer os.Remove(archive.Name())

	if _, err := io.Copy(archive, src); err != nil {
		archive.Close()
		return "", errors.WithMessage(err, "module: failed to write uploaded archive")
	}
	if err := archive.Close(); err != nil {
		return "", err
	}

	mt, err := mimetype.DetectFile(archive.Name())
	if err != nil {
		return "", errors.WithMessage(err, "module: failed to sniff uploaded archive type")
	}
	if !mt.Is("application/zip") {
		return "", errors.Errorf("module: uploaded file is %s, expected a zip archive", mt.String())
	}

	f, err := os.Open(archive.Name())
	if err != nil {
		return "", err
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, filename, f)
	if err != nil {
		return "", errors.WithMessage(err, "module: unrecognized archive format")
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return "", errors.New("module: the uploaded archive format cannot be extracted")
	}

	dest := filepath.Join(tmpRoot, uuid.New().String())
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	err = extractor.Extract(ctx, input, func(_ context.Context, fi archives.FileInfo) error {
		target := filepath.Join(dest, filepath.Clean(filepath.FromSlash(fi.NameInArchive)))
		if !strings.HasPrefix(target, dest+string(os.PathSeparator)) && target != dest {
			return errors.Errorf("module: archive entry %q escapes the extraction root", fi.NameInArchive)
		}
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		r, err := fi.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		perm := fi.Mode().Perm()
		if perm == 0 {
			// Zip entries written without explicit permissions.
			perm = 0o644
		}
		w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		defer w.Close()
		_, err = io.Copy(w, r)
		return err
	})
	if err != nil {
		os.RemoveAll(dest)
		return "", errors.WithMessage(err, "module: failed to extract uploaded archive")
	}
	return dest, nil
}

// CancelUpload discards a previously extracted upload, refusing paths
// outside the configured temp directory so the endpoint cannot be used
// to delete arbitrary trees.
func CancelUpload(tempPath string) error {
	tmpRoot := config.Get().System.TmpDirectory
	rel, err := filepath.Rel(tmpRoot, tempPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return errors.New("module: refusing to remove a path outside the upload directory")
	}
	return os.RemoveAll(tempPath)
}

// InstallFromTemp moves an inspected upload into the modules directory.
// Freshly installed modules are always recorded disabled; enabling is a
// separate, explicit step. Returns the canonical identifier.
func (m *Manager) InstallFromTemp(in *UploadInspection) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.install(in)
}

func (m *Manager) install(in *UploadInspection) (string, error) {
	id := Normalize(in.DeclaredName)
	m.hooks.Fire(InstallBefore, id)

	dest := filepath.Join(m.root, in.FolderName)
	if err := moveDir(in.ManifestDir, dest); err != nil {
		return "", errors.WithMessage(err, "module: failed to move module into place")
	}
	if in.ManifestDir != in.TempPath {
		if err := os.RemoveAll(in.TempPath); err != nil {
			log.WithField("path", in.TempPath).WithField("error", err).Warn("failed to remove upload wrapper directory")
		}
	}

	if err := m.statuses.Set(id, false); err != nil {
		return "", err
	}

	m.publishAssets(id, in.FolderName)
	m.registrar.Reload()
	m.clearCache()
	m.hooks.Fire(InstallAfter, id)

	log.WithFields(log.Fields{"module": id, "folder": in.FolderName, "version": in.Descriptor.Version}).Info("module installed")
	return id, nil
}

// Replace swaps an installed module for an uploaded one, preserving the
// enabled flag across the swap. The old directory is deleted before the
// new one lands; there is no backup, so a failed install inside that
// window loses the old copy. That window is a known limitation.
func (m *Manager) Replace(ctx context.Context, in *UploadInspection, existingID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existingID = Normalize(existingID)
	wasEnabled, err := m.statuses.Enabled(existingID)
	if err != nil {
		return "", err
	}

	folder := ResolveFolder(m.root, existingID)
	if folder == "" {
		return "", ErrModuleNotFound
	}

	m.hooks.Fire(ReplaceBefore, existingID)
	m.removePublishedAssets(existingID)

	if wasEnabled {
		if out, err := m.runner.Run(ctx, "module:disable", folder); err != nil {
			log.WithFields(log.Fields{
				"module": existingID,
				"output": strings.TrimSpace(string(out)),
				"error":  err,
			}).Warn("failed to disable module ahead of replacement")
		}
	}

	if err := os.RemoveAll(filepath.Join(m.root, folder)); err != nil {
		return "", errors.WithMessage(err, "module: failed to remove existing module directory")
	}
	if Normalize(in.DeclaredName) != existingID {
		if err := m.statuses.Remove(existingID); err != nil {
			return "", err
		}
	}

	id, err := m.install(in)
	if err != nil {
		return "", err
	}

	if wasEnabled {
		if err := m.toggle(ctx, id, true, false); err != nil {
			return id, errors.WithMessage(err, "module: replaced but failed to re-enable")
		}
	}

	m.hooks.Fire(ReplaceAfter, id)
	return id, nil
}

// publishAssets copies the module's pre-built asset bundle, when one
// exists, into the public directory. Failures are logged and swallowed;
// a module without publishable assets is the common case.
func (m *Manager) publishAssets(id, folder string) {
	src := filepath.Join(m.root, folder, "dist", "build-"+id)
	if _, err := os.Stat(filepath.Join(src, assetManifest)); err != nil {
		return
	}

	dst := filepath.Join(m.public, "build-"+id)
	if err := os.RemoveAll(dst); err != nil {
		log.WithFields(log.Fields{"module": id, "error": err}).Warn("failed to clear previously published assets")
		return
	}
	if err := copyDir(src, dst); err != nil {
		log.WithFields(log.Fields{"module": id, "error": err}).Warn("failed to publish module assets")
		return
	}
	log.WithField("module", id).Debug("published module assets")
}

func (m *Manager) removePublishedAssets(id string) {
	if err := os.RemoveAll(filepath.Join(m.public, "build-"+id)); err != nil {
		log.WithFields(log.Fields{"module": id, "error": err}).Warn("failed to remove published assets")
	}
}

// moveDir renames src to dst, falling back to a copy-and-delete when
// the rename crosses filesystems, which it will whenever the temp
// directory sits on a different mount than the modules directory.
func moveDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyDir(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
