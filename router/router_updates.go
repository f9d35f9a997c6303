package router

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pressify/forge/router/middleware"
)

// getUpdates returns the set of installed modules with a newer
// marketplace release. Served from cache unless refresh=true; a plain
// page-load poll only triggers a real check when the fallback throttle
// window has passed.
// @Summary Check for module updates
// @Tags Updates
// @Produce json
// @Param refresh query bool false "Bypass the result cache"
// @Success 200 {object} UpdateCheckResponse
// @Security InstanceToken
// @Router /api/updates [get]
func getUpdates(c *gin.Context) {
	checker := middleware.ExtractChecker(c)

	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	if !refresh {
		if cached, ok := checker.Cached(); ok {
			c.JSON(http.StatusOK, cached)
			return
		}
		if !checker.ShouldTriggerFallbackCheck() {
			c.JSON(http.StatusOK, gin.H{"success": true, "updates": gin.H{}, "throttled": true})
			return
		}
	}

	c.JSON(http.StatusOK, checker.CheckForUpdates(c.Request.Context(), refresh))
}

// postUpdateInstall downloads a pending update and replaces the
// installed module with it.
// @Summary Install module update
// @Tags Updates
// @Accept json
// @Produce json
// @Param payload body UpdateInstallRequest true "Module to update"
// @Success 200 {object} ModuleUploadResponse
// @Failure 403 {object} ErrorResponse "A license is required first"
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/updates/install [post]
func postUpdateInstall(c *gin.Context) {
	installer := middleware.ExtractInstaller(c)

	var data UpdateInstallRequest
	if err := c.BindJSON(&data); err != nil {
		return
	}

	id, err := installer.DownloadAndInstallUpdate(c.Request.Context(), data.Module)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, ModuleUploadResponse{Installed: true, Identifier: id})
}
