package middleware

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/marketplace"
	"github.com/pressify/forge/module"
)

// AttachRequestID attaches a unique ID to the incoming HTTP request so
// that any errors that are generated or returned to the client will
// include this reference allowing for an easier time identifying the
// specific request that failed for the user.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Set("logger", log.WithField("request_id", id))
		c.Next()
	}
}

// CaptureAndAbort aborts the request and attaches the provided error to
// the gin context so it can be reported correctly. If the error is of a
// known domain type the proper response is emitted immediately.
func CaptureAndAbort(c *gin.Context, err error) {
	c.Abort()
	c.Error(errors.WithStackDepthIf(err, 1))
}

// CaptureErrors is custom handler function allowing for errors bubbled
// up by c.Error() to be returned in a standardized format with tracking
// UUIDs on them for easier log searching.
func CaptureErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		last := c.Errors.Last()
		if last == nil || last.Err == nil {
			return
		}
		respondWithError(c, last.Err)
	}
}

func respondWithError(c *gin.Context, err error) {
	requestID := c.GetString("request_id")

	var conflict *module.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error":           "A module with the same name is already installed.",
			"request_id":      requestID,
			"current_module":  conflict.Current,
			"uploaded_module": conflict.Uploaded,
			"temp_path":       conflict.TempPath,
			"existing_id":     conflict.ExistingID,
		})
		return
	}

	var license *marketplace.LicenseRequiredError
	if errors.As(err, &license) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":            "An active license is required before this module can be updated.",
			"request_id":       requestID,
			"module":           license.Slug,
			"requires_license": true,
		})
		return
	}

	if errors.Is(err, module.ErrModuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":      "The requested module does not exist on this instance.",
			"request_id": requestID,
		})
		return
	}

	if err.Error() == io.EOF.Error() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "The data passed in the request was not in a parsable format. Please try again.",
			"request_id": requestID,
		})
		return
	}

	var cmd *module.CommandError
	if errors.As(err, &cmd) {
		ExtractLogger(c).WithFields(log.Fields{
			"command": cmd.Command,
			"output":  strings.TrimSpace(string(cmd.Output)),
			"error":   cmd.Err,
		}).Error("framework command failed while handling request")
		body := gin.H{
			"error":      "The framework command for this operation failed. Check the daemon logs for the command output.",
			"request_id": requestID,
		}
		if config.Get().Debug {
			body["output"] = string(cmd.Output)
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	ExtractLogger(c).WithField("error", err).Error("error while handling HTTP request")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":      "An unexpected error was encountered while processing this request.",
		"request_id": requestID,
	})
}

// SetAccessControlHeaders sets the access request control headers on
// all of the requests.
func SetAccessControlHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Accept, Accept-Encoding, Authorization, Cache-Control, Content-Type, Content-Length, Origin")
		if origin := config.Get().Marketplace.AppURL; origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequireAuthorization authenticates the request token against the
// given permission string, ensuring that if it is a named token, it has
// the appropriate permissions.
func RequireAuthorization() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(auth) != 2 || auth[0] != "Bearer" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "The required authorization heads were not present in the request.",
			})
			return
		}
		token := config.Get().AuthenticationToken
		if subtle.ConstantTimeCompare([]byte(auth[1]), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "You are not authorized to access this endpoint.",
			})
			return
		}
		c.Next()
	}
}

// ThrottleUploads rate limits archive uploads using a shared token
// bucket refilled once per minute. Disabled when the configured rate
// is zero.
func ThrottleUploads() gin.HandlerFunc {
	rate := config.Get().Api.UploadsPerMinute
	if rate <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	bucket := ratelimit.NewBucketWithQuantum(time.Minute, int64(rate), int64(rate))
	return func(c *gin.Context) {
		if bucket.TakeAvailable(1) == 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many module uploads, slow down.",
			})
			return
		}
		c.Next()
	}
}

// AttachManager stores the module manager on the request context.
func AttachManager(m *module.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("manager", m)
		c.Next()
	}
}

// AttachChecker stores the marketplace update checker on the request context.
func AttachChecker(checker *marketplace.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("checker", checker)
		c.Next()
	}
}

// AttachLicenses stores the license service on the request context.
func AttachLicenses(l *marketplace.Licenses) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("licenses", l)
		c.Next()
	}
}

// AttachInstaller stores the update installer on the request context.
func AttachInstaller(i *marketplace.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("installer", i)
		c.Next()
	}
}

// ExtractManager returns the module manager attached to the request.
func ExtractManager(c *gin.Context) *module.Manager {
	if v, ok := c.Get("manager"); ok {
		return v.(*module.Manager)
	}
	panic("middleware/middleware: cannot extract module manager: not attached to context")
}

// ExtractChecker returns the update checker attached to the request.
func ExtractChecker(c *gin.Context) *marketplace.Checker {
	if v, ok := c.Get("checker"); ok {
		return v.(*marketplace.Checker)
	}
	panic("middleware/middleware: cannot extract update checker: not attached to context")
}

// ExtractLicenses returns the license service attached to the request.
func ExtractLicenses(c *gin.Context) *marketplace.Licenses {
	if v, ok := c.Get("licenses"); ok {
		return v.(*marketplace.Licenses)
	}
	panic("middleware/middleware: cannot extract license service: not attached to context")
}

// ExtractInstaller returns the update installer attached to the request.
func ExtractInstaller(c *gin.Context) *marketplace.Installer {
	if v, ok := c.Get("installer"); ok {
		return v.(*marketplace.Installer)
	}
	panic("middleware/middleware: cannot extract update installer: not attached to context")
}

// ExtractLogger pulls the logger out of the request context and returns
// it. When there is no logger present in the request, a deferred logger
// is returned to the caller instead.
func ExtractLogger(c *gin.Context) *log.Entry {
	if v, ok := c.Get("logger"); ok {
		return v.(*log.Entry)
	}
	return log.WithField("request_id", c.GetString("request_id"))
}
