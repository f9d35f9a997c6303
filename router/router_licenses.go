package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/router/middleware"
)

// truncateKey masks a license key down to its first and last four
// characters for display.
func truncateKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// getLicense returns the stored license for a module, key masked.
// @Summary Show stored license
// @Tags Licenses
// @Produce json
// @Param module path string true "Module identifier"
// @Success 200 {object} LicenseResponse
// @Failure 404 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/{module}/license [get]
func getLicense(c *gin.Context) {
	licenses := middleware.ExtractLicenses(c)

	stored, err := licenses.Stored(c.Param("module"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if stored == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": "No license is stored for this module.",
		})
		return
	}
	c.JSON(http.StatusOK, LicenseResponse{
		Module:      stored.ModuleSlug,
		LicenseKey:  truncateKey(stored.LicenseKey),
		ActivatedAt: stored.ActivatedAt.Format(time.RFC3339),
	})
}

// postLicenseActivate activates a license with the marketplace and
// stores it locally once accepted.
// @Summary Activate license
// @Tags Licenses
// @Accept json
// @Produce json
// @Param payload body LicenseActivateRequest true "License activation"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/licenses/activate [post]
func postLicenseActivate(c *gin.Context) {
	licenses := middleware.ExtractLicenses(c)

	var data LicenseActivateRequest
	if err := c.BindJSON(&data); err != nil {
		return
	}
	if err := licenses.Activate(c.Request.Context(), data.LicenseKey, data.Module); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":      err.Error(),
			"request_id": c.GetString("request_id"),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteLicense deactivates a module's license with the marketplace
// and removes the stored row.
// @Summary Deactivate license
// @Tags Licenses
// @Produce json
// @Param module path string true "Module identifier"
// @Success 204
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/{module}/license [delete]
func deleteLicense(c *gin.Context) {
	licenses := middleware.ExtractLicenses(c)
	if err := licenses.Deactivate(c.Request.Context(), c.Param("module")); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// postLicenseVerify checks a license without storing anything.
// @Summary Verify license
// @Tags Licenses
// @Accept json
// @Produce json
// @Param payload body LicenseVerifyRequest true "License verification"
// @Success 200 {object} LicenseVerifyResponse
// @Security InstanceToken
// @Router /api/licenses/verify [post]
func postLicenseVerify(c *gin.Context) {
	licenses := middleware.ExtractLicenses(c)

	var data LicenseVerifyRequest
	if err := c.BindJSON(&data); err != nil {
		return
	}
	domain := data.Domain
	if domain == "" {
		domain = config.Get().Marketplace.Domain
	}

	valid, message := licenses.Verify(c.Request.Context(), data.LicenseKey, data.Module, domain)
	c.JSON(http.StatusOK, LicenseVerifyResponse{Valid: valid, Message: message})
}
