package api

import (
	"daydrop/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	e.Use(RequestLogger())

	// Rate-limit only the captcha-gated entry points; presign and complete
	// are already bound to an authorized session.
	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	e.GET("/api/sitekey", handler.HandleSiteKey)

	e.POST("/api/upload-mpu-init", handler.HandleInit, limiter.Middleware())
	e.POST("/api/upload-mpu-presign", handler.HandlePresign)
	e.POST("/api/upload-mpu-complete", handler.HandleComplete)
	e.POST("/api/upload-mpu-abort", handler.HandleAbort)

	e.POST("/api/download-url", handler.HandleDownloadURL, limiter.Middleware())

	return e
}
