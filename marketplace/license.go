package marketplace

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/internal/database"
	"github.com/pressify/forge/internal/models"
)

// Messages surfaced to the admin when a license fails verification.
// Each failure mode gets its own so the admin knows what to fix.
const (
	msgNoPurchase    = "No valid purchase found for this license key."
	msgExpired       = "This license has expired."
	msgNotActivated  = "This license is not activated for this domain."
	msgRemoteFailure = "Could not verify the license with the marketplace, try again later."
)

// Licenses verifies and stores module licenses. Stored rows are a local
// cache of marketplace truth: written only after a successful remote
// activation and removed only after a successful remote deactivation.
type Licenses struct {
	client *Client
}

func NewLicenses(client *Client) *Licenses {
	return &Licenses{client: client}
}

func selfHostedMarketplace() bool {
	cfg := config.Get().Marketplace
	return cfg.AppURL != "" && cfg.URL == cfg.AppURL
}

// Verify checks a license key for a module against a domain. In
// self-hosted mode this walks the local purchase tables; otherwise the
// marketplace API is asked. An install without the license tables at
// all is treated as valid, since that means the marketplace feature is
// simply not present.
func (l *Licenses) Verify(ctx context.Context, licenseKey, moduleSlug, domain string) (bool, string) {
	if selfHostedMarketplace() {
		return l.verifyLocal(licenseKey, moduleSlug, domain)
	}

	res, err := l.client.Post(ctx, "/api/v1/licenses/verify", map[string]string{
		"license_key": licenseKey,
		"module":      moduleSlug,
		"domain":      domain,
	})
	if err != nil {
		log.WithFields(log.Fields{"module": moduleSlug, "error": err}).Warn("remote license verification failed")
		return false, msgRemoteFailure
	}
	valid, _ := res.Path("valid").Data().(bool)
	if valid {
		return true, ""
	}
	if msg, ok := res.Path("message").Data().(string); ok && msg != "" {
		return false, msg
	}
	return false, msgNoPurchase
}

func (l *Licenses) verifyLocal(licenseKey, moduleSlug, domain string) (bool, string) {
	db := database.Instance()
	if !db.Migrator().HasTable(&models.Purchase{}) {
		// The license tables only exist when the marketplace feature is
		// installed; their absence is not a failed verification.
		return true, ""
	}

	var purchase models.Purchase
	err := db.Where("license_key = ? AND module_slug = ? AND status IN ?", licenseKey, moduleSlug, []string{"active", "completed"}).First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, msgNoPurchase
	}
	if err != nil {
		log.WithFields(log.Fields{"module": moduleSlug, "error": err}).Error("license purchase lookup failed")
		return false, msgNoPurchase
	}

	if purchase.ExpiresAt != nil && purchase.ExpiresAt.Before(time.Now()) {
		return false, msgExpired
	}

	var count int64
	err = db.Model(&models.Activation{}).Where("purchase_id = ? AND domain = ? AND active = ?", purchase.ID, domain, true).Count(&count).Error
	if err != nil {
		log.WithFields(log.Fields{"module": moduleSlug, "error": err}).Error("license activation lookup failed")
		return false, msgNotActivated
	}
	if count == 0 {
		return false, msgNotActivated
	}
	return true, ""
}

// Activate verifies and activates a license, storing it locally only
// once the marketplace (or the local tables) accepted it.
func (l *Licenses) Activate(ctx context.Context, licenseKey, moduleSlug string) error {
	cfg := config.Get().Marketplace

	if selfHostedMarketplace() {
		if ok, msg := l.verifyLocal(licenseKey, moduleSlug, cfg.Domain); !ok {
			return errors.New(msg)
		}
	} else {
		res, err := l.client.Post(ctx, "/api/v1/licenses/activate", map[string]string{
			"license_key": licenseKey,
			"module":      moduleSlug,
			"domain":      cfg.Domain,
		})
		if err != nil {
			return errors.WithMessage(err, "marketplace: license activation failed")
		}
		if ok, _ := res.Path("success").Data().(bool); !ok {
			if msg, _ := res.Path("message").Data().(string); msg != "" {
				return errors.New(msg)
			}
			return errors.New("marketplace: license activation was rejected")
		}
	}

	stored := models.StoredLicense{
		ModuleSlug:  moduleSlug,
		LicenseKey:  licenseKey,
		ActivatedAt: time.Now(),
	}
	err := database.Instance().
		Where(models.StoredLicense{ModuleSlug: moduleSlug}).
		Assign(map[string]interface{}{"license_key": licenseKey, "activated_at": stored.ActivatedAt}).
		FirstOrCreate(&stored).Error
	if err != nil {
		return errors.WithMessage(err, "marketplace: failed to store activated license")
	}
	log.WithField("module", moduleSlug).Info("license activated and stored")
	return nil
}

// Deactivate releases a license with the marketplace and then drops the
// stored row. When the remote call fails the row is kept, otherwise the
// daemon would forget a license the marketplace still considers active.
func (l *Licenses) Deactivate(ctx context.Context, moduleSlug string) error {
	stored, err := l.Stored(moduleSlug)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}

	if !selfHostedMarketplace() {
		cfg := config.Get().Marketplace
		if _, err := l.client.Post(ctx, "/api/v1/licenses/deactivate", map[string]string{
			"license_key": stored.LicenseKey,
			"module":      moduleSlug,
			"domain":      cfg.Domain,
		}); err != nil {
			return errors.WithMessage(err, "marketplace: license deactivation failed")
		}
	}

	if err := database.Instance().Delete(&models.StoredLicense{}, stored.ID).Error; err != nil {
		return errors.WithMessage(err, "marketplace: failed to remove stored license")
	}
	log.WithField("module", moduleSlug).Info("license deactivated and removed")
	return nil
}

// Stored returns the locally cached license for a module, nil when none
// has been activated.
func (l *Licenses) Stored(moduleSlug string) (*models.StoredLicense, error) {
	var stored models.StoredLicense
	err := database.Instance().Where("module_slug = ?", moduleSlug).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "marketplace: failed to read stored license")
	}
	return &stored, nil
}
