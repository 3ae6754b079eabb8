package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/oarkflow/fortress"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	port := flag.String("port", "3000", "listen port")
	flag.Parse()

	cfg, err := fortress.LoadConfig(*configPath)
	if err != nil {
		fortress.NewLogger("info").WithError(err).Fatal("failed to load config")
	}
	logger := fortress.NewLogger(cfg.LogLevel)

	core, err := fortress.NewCore(cfg, nil, nil, nil, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build core")
	}
	core.Start()
	defer core.Stop()

	if *configPath != "" {
		stopWatch, err := fortress.WatchConfig(*configPath, logger, core.ApplyConfig)
		if err != nil {
			logger.WithError(err).Warn("config hot reload disabled")
		} else {
			defer stopWatch()
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(core.Middleware())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain; version=0.0.4")
		return c.SendString(core.Metrics().ExportPrometheus())
	})
	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(core.Status())
	})

	admin := app.Group("/admin")
	admin.Post("/admins", func(c *fiber.Ctx) error {
		var body struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
		id, err := core.DeadMan().RegisterAdmin(body.ID, body.Name)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(fiber.Map{"id": id})
	})
	admin.Post("/admins/:id/heartbeat", func(c *fiber.Ctx) error {
		if !core.DeadMan().Heartbeat(c.Params("id")) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"ok": false})
		}
		return c.JSON(fiber.Map{"ok": true})
	})
	admin.Post("/admins/:id/vacation", func(c *fiber.Ctx) error {
		var body struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
		if err := core.DeadMan().ScheduleVacation(c.Params("id"), body.Start, body.End); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(fiber.Map{"ok": true})
	})
	admin.Post("/alerts/verify/:code", func(c *fiber.Ctx) error {
		alert := core.Alerts().VerifyCode(c.Params("code"))
		if alert == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"verified": false})
		}
		return c.JSON(fiber.Map{"verified": true, "alert": alert})
	})
	admin.Post("/incidents/:id/resolve", func(c *fiber.Ctx) error {
		var body struct {
			Resolution string `json:"resolution"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
		if err := core.Incidents().ResolveIncident(c.Params("id"), body.Resolution); err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.JSON(fiber.Map{"ok": true})
	})

	go func() {
		if err := app.Listen(":" + *port); err != nil {
			logger.WithError(err).Fatal("server exited")
		}
	}()
	logger.WithField("port", *port).Info("fortressd listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	_ = app.Shutdown()
}
