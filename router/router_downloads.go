package router

import (
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/pressify/forge/marketplace"
	"github.com/pressify/forge/router/middleware"
)

const downloadTokenTTL = 5 * time.Minute

// postModuleDownloadToken issues a short-lived signed token for a paid
// module archive hosted on this instance's marketplace. The admin panel
// exchanges it on the public download route below.
// @Summary Issue archive download token
// @Tags Downloads
// @Produce json
// @Param module path string true "Module identifier"
// @Success 200 {object} DownloadTokenResponse
// @Failure 403 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/{module}/download-token [post]
func postModuleDownloadToken(c *gin.Context) {
	licenses := middleware.ExtractLicenses(c)
	slug := c.Param("module")

	stored, err := licenses.Stored(slug)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if stored == nil {
		middleware.CaptureAndAbort(c, &marketplace.LicenseRequiredError{Slug: slug})
		return
	}

	token, err := marketplace.SignDownloadToken(slug, downloadTokenTTL)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, DownloadTokenResponse{Token: token})
}

// getDownloadModule streams a module archive against a signed token.
// This route sits outside the authorization middleware; the token is
// the authorization.
// @Summary Download module archive
// @Tags Downloads
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} ErrorResponse
// @Router /download/module [get]
func getDownloadModule(c *gin.Context) {
	slug, err := marketplace.ValidateDownloadToken(c.Query("token"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "The provided download token is not valid.",
		})
		return
	}

	path, err := marketplace.LocalArchivePath(slug)
	if err != nil {
		middleware.ExtractLogger(c).WithFields(log.Fields{"module": slug, "error": err}).Warn("failed to resolve archive for signed download")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": "No archive could be located for the requested module.",
		})
		return
	}
	c.FileAttachment(path, slug+".zip")
}
