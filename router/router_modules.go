package router

import (
	"net/http"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/pressify/forge/module"
	"github.com/pressify/forge/router/middleware"
)

// getModules returns every installed module with its enabled state.
// @Summary List modules
// @Tags Modules
// @Produce json
// @Success 200 {object} ModuleListResponse
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules [get]
func getModules(c *gin.Context) {
	m := middleware.ExtractManager(c)
	modules, err := m.List()
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, ModuleListResponse{Data: modules})
}

// getModule returns a single module by identifier.
// @Summary Get module
// @Tags Modules
// @Produce json
// @Param module path string true "Module identifier"
// @Success 200 {object} module.StatusedModule
// @Failure 404 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/{module} [get]
func getModule(c *gin.Context) {
	m := middleware.ExtractManager(c)
	sm, err := m.Get(c.Param("module"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if sm == nil {
		middleware.CaptureAndAbort(c, module.ErrModuleNotFound)
		return
	}
	c.JSON(http.StatusOK, sm)
}

// postModuleUpload accepts a module archive, extracts it, and installs
// it unless it conflicts with an installed module. On conflict a 409 is
// returned with both descriptor summaries and the temp path so the
// client can confirm the replacement or cancel it.
// @Summary Upload module archive
// @Tags Modules
// @Accept mpfd
// @Produce json
// @Param archive formData file true "Module zip archive"
// @Success 200 {object} ModuleUploadResponse
// @Failure 409 {object} ConflictResponse
// @Failure 400 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/upload [post]
func postModuleUpload(c *gin.Context) {
	m := middleware.ExtractManager(c)

	header, err := c.FormFile("archive")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "The request is missing an \"archive\" file upload.",
		})
		return
	}
	f, err := header.Open()
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	defer f.Close()

	tempPath, err := module.ExtractUpload(c.Request.Context(), f, header.Filename)
	if err != nil {
		middleware.ExtractLogger(c).WithField("error", err).Warn("rejected module archive upload")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":      err.Error(),
			"request_id": c.GetString("request_id"),
		})
		return
	}

	in, err := module.InspectUpload(tempPath)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	conflict, err := module.DetectConflict(m.Root(), m.Statuses(), in)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if conflict != nil {
		middleware.CaptureAndAbort(c, conflict)
		return
	}

	id, err := m.InstallFromTemp(in)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, ModuleUploadResponse{Installed: true, Identifier: id})
}

// postModuleReplace confirms a conflicting upload and replaces the
// installed module, preserving its enabled state.
// @Summary Replace module
// @Tags Modules
// @Accept json
// @Produce json
// @Param payload body ReplaceRequest true "Replacement confirmation"
// @Success 200 {object} ModuleUploadResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/replace [post]
func postModuleReplace(c *gin.Context) {
	m := middleware.ExtractManager(c)

	var data ReplaceRequest
	if err := c.BindJSON(&data); err != nil {
		return
	}

	in, err := module.InspectUpload(data.TempPath)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	id, err := m.Replace(c.Request.Context(), in, data.ExistingID)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, ModuleUploadResponse{Installed: true, Identifier: id})
}

// postModuleUploadCancel discards a pending upload left behind by a
// conflicting archive the admin decided not to install.
// @Summary Cancel pending upload
// @Tags Modules
// @Accept json
// @Produce json
// @Param payload body CancelUploadRequest true "Upload cancellation"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/upload/cancel [post]
func postModuleUploadCancel(c *gin.Context) {
	var data CancelUploadRequest
	if err := c.BindJSON(&data); err != nil {
		return
	}
	if err := module.CancelUpload(data.TempPath); err != nil {
		middleware.ExtractLogger(c).WithField("error", err).Warn("failed to cancel pending upload")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":      err.Error(),
			"request_id": c.GetString("request_id"),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// postModuleEnable enables a module through the host framework.
// @Summary Enable module
// @Tags Modules
// @Produce json
// @Param module path string true "Module identifier"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/{module}/enable [post]
func postModuleEnable(c *gin.Context) {
	toggleModule(c, true)
}

// postModuleDisable disables a module through the host framework.
// @Summary Disable module
// @Tags Modules
// @Produce json
// @Param module path string true "Module identifier"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/modules/{module}/disable [post]
func postModuleDisable(c *gin.Context) {
	toggleModule(c, false)
}

func toggleModule(c *gin.Context, enable bool) {
	m := middleware.ExtractManager(c)
	if err := m.Toggle(c.Request.Context(), c.Param("module"), enable); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// postModulesBulkActivate enables a batch of modules, reporting
// per-module outcomes instead of failing the batch on the first error.
// @Summary Bulk enable modules
// @Tags Modules
// @Accept json
// @Produce json
// @Param payload body BulkToggleRequest true "Modules to enable"
// @Success 200 {object} BulkToggleResponse
// @Security InstanceToken
// @Router /api/modules/bulk/activate [post]
func postModulesBulkActivate(c *gin.Context) {
	bulkToggle(c, true)
}

// postModulesBulkDeactivate disables a batch of modules.
// @Summary Bulk disable modules
// @Tags Modules
// @Accept json
// @Produce json
// @Param payload body BulkToggleRequest true "Modules to disable"
// @Success 200 {object} BulkToggleResponse
// @Security InstanceToken
// @Router /api/modules/bulk/deactivate [post]
func postModulesBulkDeactivate(c *gin.Context) {
	bulkToggle(c, false)
}

func bulkToggle(c *gin.Context, enable bool) {
	m := middleware.ExtractManager(c)

	var data BulkToggleRequest
	if err := c.BindJSON(&data); err != nil {
		return
	}

	var results map[string]error
	if enable {
		results = m.BulkActivate(c.Request.Context(), data.Modules)
	} else {
		results = m.BulkDeactivate(c.Request.Context(), data.Modules)
	}

	out := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
			continue
		}
		out[id] = ""
	}
	log.WithFields(log.Fields{"count": len(data.Modules), "enable": enable}).Info("processed bulk module toggle")
	c.JSON(http.StatusOK, BulkToggleResponse{Results: out})
}
