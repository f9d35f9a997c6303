package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pressify/forge/router/middleware"
	"github.com/pressify/forge/system"
)

// getSystemInformation returns information about the host this daemon
// is running on.
// @Summary Get system information
// @Tags System
// @Produce json
// @Success 200 {object} system.Information
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/system [get]
func getSystemInformation(c *gin.Context) {
	i, err := system.GetSystemInformation()
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, i)
}

// getSystemUtilization returns current memory and load figures.
// @Summary Get system utilization
// @Tags System
// @Produce json
// @Success 200 {object} system.Utilization
// @Failure 500 {object} ErrorResponse
// @Security InstanceToken
// @Router /api/system/utilization [get]
func getSystemUtilization(c *gin.Context) {
	u, err := system.GetSystemUtilization()
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}
