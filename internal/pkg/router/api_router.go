package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/abofuchs/abofuchs/app/controllers"
	"github.com/abofuchs/abofuchs/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	controllers.InitializePaymentController()
	pc := controllers.GetPaymentController()

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{"status": "ok"})
	})

	// The provider callback authenticates via order key + confirmation
	// token, not via a subscriber API key.
	v1.Post("/payments/callback", pc.HandlePaymentCallback)

	authed := v1.Group("", middleware.APIKeyAuthMiddleware())
	authed.Post("/orders", pc.HandleCreateOrder)
	authed.Get("/entitlement", pc.HandleGetEntitlement)
	authed.Get("/payments", pc.HandleListPaymentHistory)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
