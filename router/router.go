package router

import (
	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/marketplace"
	"github.com/pressify/forge/module"
	"github.com/pressify/forge/router/middleware"
)

// Configure configures the routing infrastructure for this daemon instance.
func Configure(m *module.Manager, checker *marketplace.Checker, licenses *marketplace.Licenses, installer *marketplace.Installer) *gin.Engine {
	gin.SetMode("release")

	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(config.Get().Api.TrustedProxies); err != nil {
		panic(errors.WithStack(err))
	}
	router.Use(middleware.AttachRequestID(), middleware.CaptureErrors(), middleware.SetAccessControlHeaders())
	router.Use(middleware.AttachManager(m), middleware.AttachChecker(checker), middleware.AttachLicenses(licenses), middleware.AttachInstaller(installer))
	router.Use(gin.LoggerWithFormatter(func(params gin.LogFormatterParams) string {
		log.WithFields(log.Fields{
			"client_ip":  params.ClientIP,
			"status":     params.StatusCode,
			"latency":    params.Latency,
			"request_id": params.Keys["request_id"],
		}).Debugf("%s %s", params.MethodColor()+params.Method+params.ResetColor(), params.Path)

		return ""
	}))

	if config.Get().Api.Docs.Enabled {
		registerDocumentationRoutes(router)
	}

	// This route uses a signed token to validate access to the archive
	// being requested, therefore it needs to be publicly accessible.
	router.GET("/download/module", getDownloadModule)

	// All the routes beyond this mount will use an authorization middleware
	// and will not be accessible without the correct Authorization header provided.
	protected := router.Group("")
	protected.Use(middleware.RequireAuthorization())

	protected.GET("/api/system", getSystemInformation)
	protected.GET("/api/system/utilization", getSystemUtilization)

	protected.GET("/api/modules", getModules)
	protected.POST("/api/modules/upload", middleware.ThrottleUploads(), postModuleUpload)
	protected.POST("/api/modules/upload/cancel", postModuleUploadCancel)
	protected.POST("/api/modules/replace", postModuleReplace)
	protected.POST("/api/modules/bulk/activate", postModulesBulkActivate)
	protected.POST("/api/modules/bulk/deactivate", postModulesBulkDeactivate)

	mod := protected.Group("/api/modules/:module")
	{
		mod.GET("", getModule)
		mod.POST("/enable", postModuleEnable)
		mod.POST("/disable", postModuleDisable)
		mod.GET("/license", getLicense)
		mod.DELETE("/license", deleteLicense)
		mod.POST("/download-token", postModuleDownloadToken)
	}

	protected.GET("/api/updates", getUpdates)
	protected.POST("/api/updates/install", postUpdateInstall)

	protected.POST("/api/licenses/activate", postLicenseActivate)
	protected.POST("/api/licenses/verify", postLicenseVerify)

	return router
}
