package router

import (
	"github.com/pressify/forge/marketplace"
	"github.com/pressify/forge/module"
)

// ErrorResponse represents the common error payload returned by the API.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ModuleListResponse wraps the installed module listing.
type ModuleListResponse struct {
	Data []module.StatusedModule `json:"data"`
}

// ModuleUploadResponse is returned for a conflict-free upload that was
// installed immediately.
type ModuleUploadResponse struct {
	Installed  bool   `json:"installed"`
	Identifier string `json:"identifier"`
}

// ConflictResponse is the decision payload returned when an upload
// collides with an installed module. The client either confirms the
// replacement or cancels using the temp path.
type ConflictResponse struct {
	Error          string         `json:"error"`
	RequestID      string         `json:"request_id,omitempty"`
	CurrentModule  module.Summary `json:"current_module"`
	UploadedModule module.Summary `json:"uploaded_module"`
	TempPath       string         `json:"temp_path"`
	ExistingID     string         `json:"existing_id"`
}

// ReplaceRequest confirms a conflicting upload should replace the
// installed module.
type ReplaceRequest struct {
	TempPath   string `json:"temp_path" binding:"required"`
	ExistingID string `json:"existing_id" binding:"required"`
}

// CancelUploadRequest discards a pending upload by its temp path.
type CancelUploadRequest struct {
	TempPath string `json:"temp_path" binding:"required"`
}

// BulkToggleRequest names the modules a bulk enable or disable applies to.
type BulkToggleRequest struct {
	Modules []string `json:"modules" binding:"required"`
}

// BulkToggleResponse maps each module identifier to an error message,
// empty when the toggle succeeded.
type BulkToggleResponse struct {
	Results map[string]string `json:"results"`
}

// UpdateInstallRequest names the module whose pending update should be
// downloaded and installed.
type UpdateInstallRequest struct {
	Module string `json:"module" binding:"required"`
}

// LicenseActivateRequest stores a license for a module after the
// marketplace accepts it.
type LicenseActivateRequest struct {
	Module     string `json:"module" binding:"required"`
	LicenseKey string `json:"license_key" binding:"required"`
}

// LicenseVerifyRequest checks a license without storing it.
type LicenseVerifyRequest struct {
	Module     string `json:"module" binding:"required"`
	LicenseKey string `json:"license_key" binding:"required"`
	Domain     string `json:"domain"`
}

// LicenseVerifyResponse reports a verification outcome with the
// admin-facing message on failure.
type LicenseVerifyResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// LicenseResponse is the stored license view; the key is truncated so
// listings never leak the full value.
type LicenseResponse struct {
	Module      string `json:"module"`
	LicenseKey  string `json:"license_key"`
	ActivatedAt string `json:"activated_at"`
}

// UpdateCheckResponse aliases the marketplace boundary type for the
// swagger definitions.
type UpdateCheckResponse = marketplace.CheckResult

// DownloadTokenResponse carries a signed, short-lived archive download
// token for a paid module on a self-hosted marketplace.
type DownloadTokenResponse struct {
	Token string `json:"token"`
}
