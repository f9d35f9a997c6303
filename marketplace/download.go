package marketplace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gbrlsnchs/jwt/v3"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/module"
)

// LicenseRequiredError is returned when a paid update is requested for
// a module with no stored license. The API maps this to a response the
// admin panel uses to open the license prompt.
type LicenseRequiredError struct {
	Slug string
}

func (e *LicenseRequiredError) Error() string {
	return fmt.Sprintf("marketplace: module %q requires an active license before updating", e.Slug)
}

// Installer downloads a pending update and hands it to the module
// manager's replace flow.
type Installer struct {
	checker  *Checker
	licenses *Licenses
	manager  *module.Manager
	client   *Client
}

func NewInstaller(checker *Checker, licenses *Licenses, manager *module.Manager, client *Client) *Installer {
	return &Installer{checker: checker, licenses: licenses, manager: manager, client: client}
}

// DownloadAndInstallUpdate fetches the archive for a pending update and
// replaces the installed module with it, preserving the enabled state.
// The update cache is invalidated afterwards so the entry disappears
// from the next listing.
func (i *Installer) DownloadAndInstallUpdate(ctx context.Context, id string) (string, error) {
	id = module.Normalize(id)

	result, ok := i.checker.Cached()
	if !ok {
		result = i.checker.CheckForUpdates(ctx, false)
	}
	info, ok := result.Updates[id]
	if !ok {
		return "", errors.Errorf("marketplace: no pending update for module %q", id)
	}

	var bearer string
	if info.RequiresLicense {
		stored, err := i.licenses.Stored(id)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", &LicenseRequiredError{Slug: id}
		}
		bearer = stored.LicenseKey
	}

	tempPath, err := i.fetch(ctx, id, info, bearer)
	if err != nil {
		return "", err
	}

	in, err := module.InspectUpload(tempPath)
	if err != nil {
		return "", err
	}
	newID, err := i.manager.Replace(ctx, in, id)
	if err != nil {
		return "", err
	}

	i.checker.InvalidateCache()
	log.WithFields(log.Fields{"module": newID, "version": info.LatestVersion}).Info("module update installed")
	return newID, nil
}

func (i *Installer) fetch(ctx context.Context, id string, info UpdateInfo, bearer string) (string, error) {
	cfg := config.Get().Marketplace
	if cfg.AppURL != "" && cfg.URL == cfg.AppURL {
		return i.fetchLocal(ctx, id)
	}

	body, err := i.client.Download(ctx, info.DownloadURL, bearer)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return module.ExtractUpload(ctx, body, id+".zip")
}

// fetchLocal copies the archive straight out of local storage instead
// of downloading it from ourselves.
func (i *Installer) fetchLocal(ctx context.Context, id string) (string, error) {
	path, err := LocalArchivePath(id)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.WithMessage(err, "marketplace: failed to open local release archive")
	}
	defer f.Close()
	return module.ExtractUpload(ctx, f, filepath.Base(path))
}

type downloadClaims struct {
	jwt.Payload
}

// SignDownloadToken issues a short-lived token granting one module's
// archive download. Paid archives on a self-hosted marketplace are only
// served against one of these.
func SignDownloadToken(slug string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := downloadClaims{
		Payload: jwt.Payload{
			Subject:        module.Normalize(slug),
			IssuedAt:       jwt.NumericDate(now),
			ExpirationTime: jwt.NumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.Sign(claims, config.GetJwtAlgorithm())
	if err != nil {
		return "", errors.WithMessage(err, "marketplace: failed to sign download token")
	}
	return string(token), nil
}

// ValidateDownloadToken verifies a download token and returns the slug
// it was issued for.
func ValidateDownloadToken(token string) (string, error) {
	var claims downloadClaims
	if _, err := jwt.Verify([]byte(token), config.GetJwtAlgorithm(), &claims, jwt.ValidatePayload(&claims.Payload, jwt.ExpirationTimeValidator(time.Now()))); err != nil {
		return "", errors.WithMessage(err, "marketplace: invalid download token")
	}
	if claims.Subject == "" {
		return "", errors.New("marketplace: download token is missing a module")
	}
	return claims.Subject, nil
}
