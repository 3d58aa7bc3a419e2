package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/abofuchs/abofuchs/app/controllers"
	"github.com/abofuchs/abofuchs/internal/pkg/cache"
	"github.com/abofuchs/abofuchs/internal/pkg/database"
	"github.com/abofuchs/abofuchs/internal/pkg/env"
	"github.com/abofuchs/abofuchs/internal/pkg/router"
	"github.com/abofuchs/abofuchs/internal/pkg/scheduler"
)

func main() {
	app := NewApplication()

	// Graceful shutdown: stop taking requests, then let a renewal sweep in
	// progress finish its in-flight charges before exiting.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		log.Println("Shutting down...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if mgr := scheduler.GetManager(); mgr != nil {
		mgr.Stop()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName: "AboFuchs",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	// Background renewal sweeps + counter flushing
	scheduler.InitManager(controllers.GetPaymentController().Payments()).Start()

	return app
}
