package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func registerDocumentationRoutes(routes gin.IRoutes) {
	uiPrefix := "/api/docs/ui"

	routes.GET("/api/docs", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, uiPrefix+"/index.html")
	})

	swaggerHandler := ginSwagger.WrapHandler(
		swaggerFiles.Handler,
		ginSwagger.DefaultModelsExpandDepth(-1),
	)
	routes.GET(uiPrefix, func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, uiPrefix+"/index.html")
	})
	routes.GET(uiPrefix+"/*any", swaggerHandler)
}
