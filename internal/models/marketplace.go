package models

import (
	"time"

	"gorm.io/gorm"
)

// MarketplaceModule is a module published on a self-hosted marketplace
// running alongside this daemon. These tables only exist when the
// marketplace feature is installed locally.
type MarketplaceModule struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Slug     string               `gorm:"uniqueIndex;not null" json:"slug"`
	Name     string               `gorm:"not null" json:"name"`
	Type     string               `gorm:"default:'module'" json:"type"`
	IsPaid   bool                 `gorm:"default:false" json:"is_paid"`
	Versions []MarketplaceVersion `gorm:"foreignKey:ModuleID" json:"versions,omitempty"`
}

// MarketplaceVersion is a single published version of a module. Only
// approved and released versions are candidates for updates.
type MarketplaceVersion struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModuleID            uint   `gorm:"index;not null" json:"module_id"`
	Version             string `gorm:"not null" json:"version"`
	Approved            bool   `gorm:"default:false" json:"approved"`
	Released            bool   `gorm:"default:false" json:"released"`
	Changelog           string `gorm:"type:text" json:"changelog"`
	RequiredCoreVersion string `json:"required_core_version"`
	RequiredRuntime     string `json:"required_runtime"`
	ArchivePath         string `json:"archive_path"`
}

// Purchase links a license key to a module on the self-hosted
// marketplace. Status is one of "active", "completed", "refunded".
type Purchase struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LicenseKey string     `gorm:"uniqueIndex;not null" json:"license_key"`
	ModuleSlug string     `gorm:"index;not null" json:"module_slug"`
	Status     string     `gorm:"default:'active'" json:"status"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// Activation records a domain a purchase has been activated on.
type Activation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	PurchaseID uint   `gorm:"index;not null" json:"purchase_id"`
	Domain     string `gorm:"index;not null" json:"domain"`
	Active     bool   `gorm:"default:true" json:"active"`
}

// StoredLicense is the local cache of a license activation performed
// against the remote marketplace. It is written only after a remote
// activation succeeds and removed only after a remote deactivation
// succeeds; the marketplace remains the source of truth.
type StoredLicense struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModuleSlug  string    `gorm:"uniqueIndex;not null" json:"module_slug"`
	LicenseKey  string    `gorm:"not null" json:"license_key"`
	ActivatedAt time.Time `json:"activated_at"`
}
