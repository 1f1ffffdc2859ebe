package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/worktree-dev/ptysuperd/src/config"
	"github.com/worktree-dev/ptysuperd/src/handler"
	"github.com/worktree-dev/ptysuperd/src/supervisor"
)

// SetupRouter configures all the routes exposed over HTTP/WebSocket.
// If disableRequestLogging is true, the logrus middleware will be skipped.
// If enableProcessingTime is true, the Server-Timing header middleware will be added.
func SetupRouter(sup *supervisor.Supervisor, cfg *config.Manager, disableRequestLogging, enableProcessingTime bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())

	if enableProcessingTime {
		r.Use(processingTimeMiddleware())
	}
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	baseHandler := handler.NewBaseHandler()
	shellHandler := handler.NewShellHandler(sup, cfg)
	systemHandler := handler.NewSystemHandler(sup, cfg)

	head := headHandler()

	// Shell session routes (the `shell:*` method table).
	r.POST("/shell/start", shellHandler.HandleStart)
	r.POST("/shell/write", shellHandler.HandleWrite)
	r.POST("/shell/resize", shellHandler.HandleResize)
	r.POST("/shell/terminate", shellHandler.HandleTerminate)
	r.POST("/shell/terminate-for-worktree", shellHandler.HandleTerminateForWorktree)
	r.GET("/shell/stats", shellHandler.HandleGetStats)
	r.HEAD("/shell/stats", head)
	r.GET("/shell/foreground-process", shellHandler.HandleGetForegroundProcess)
	r.HEAD("/shell/foreground-process", head)
	r.GET("/shell/buffer", shellHandler.HandleGetBuffer)
	r.HEAD("/shell/buffer", head)
	r.GET("/shell/spawn-errors", shellHandler.HandleGetSpawnErrors)
	r.HEAD("/shell/spawn-errors", head)
	r.GET("/shell/stream", shellHandler.HandleStream)

	// System routes
	r.GET("/health", systemHandler.HandleHealth)
	r.HEAD("/health", head)
	r.GET("/diagnostics", systemHandler.HandleDiagnostics)
	r.HEAD("/diagnostics", head)

	// Root welcome endpoint - handles all HTTP methods
	r.GET("/", baseHandler.HandleWelcome)
	r.POST("/", baseHandler.HandleWelcome)
	r.PUT("/", baseHandler.HandleWelcome)
	r.DELETE("/", baseHandler.HandleWelcome)
	r.PATCH("/", baseHandler.HandleWelcome)
	r.OPTIONS("/", baseHandler.HandleWelcome)

	return r
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// headHandler returns a simple 200 OK for HEAD requests to check endpoint existence
func headHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Status(http.StatusOK)
	}
}

// noCacheMiddleware adds no-cache headers to all responses to prevent caching issues
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")

		c.Next()
	}
}

// sensitiveQueryParams contains query parameter names that should be redacted from logs
var sensitiveQueryParams = []string{
	"api_key", "apikey", "api-key",
	"token", "access_token", "refresh_token", "auth_token", "bearer",
	"password", "passwd", "pwd",
	"secret", "client_secret", "api_secret",
	"key", "private_key", "encryption_key",
	"authorization", "auth",
	"credential", "credentials",
	"session", "session_id", "sessionid",
	"jwt",
}

// redactSecrets redacts sensitive information from a URL path with query string
func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery // No query string, return as-is
	}

	basePath := parts[0]
	queryString := parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}

	hasSecrets := false
	for _, param := range sensitiveQueryParams {
		if values.Get(param) != "" {
			hasSecrets = true
			break
		}
		for key := range values {
			if strings.EqualFold(key, param) {
				hasSecrets = true
				break
			}
		}
	}

	if !hasSecrets {
		return pathWithQuery
	}

	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				break
			}
		}
	}

	return basePath + "?" + values.Encode()
}

// redactQueryPatterns redacts secrets using regex patterns when URL parsing fails
func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	var skip map[string]struct{}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if _, ok := skip[path]; ok {
			return
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else {
			msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
			if statusCode >= http.StatusInternalServerError {
				logrus.Error(msg)
			} else if statusCode >= http.StatusBadRequest {
				logrus.Error(msg)
			} else {
				logrus.Info(msg)
			}
		}
	}
}
