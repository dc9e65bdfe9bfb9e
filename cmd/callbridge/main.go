// callbridge: relay between Twilio media streams and an ElevenLabs
// conversational agent, one bridged session per phone call.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/callbridge/internal/config"
	"github.com/teslashibe/callbridge/internal/log"
	"github.com/teslashibe/callbridge/pkg/elevenlabs"
	"github.com/teslashibe/callbridge/pkg/server"
	"github.com/teslashibe/callbridge/pkg/twilio"
)

var version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel())
	log.Info("starting callbridge", "version", version, "port", cfg.Port, "env", cfg.Env)

	eleven, err := elevenlabs.NewClient(cfg.ElevenLabsAPIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "elevenlabs client: %v\n", err)
		os.Exit(1)
	}

	twilioAPI, err := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "twilio client: %v\n", err)
		os.Exit(1)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := fiber.New(fiber.Config{
		AppName:               "callbridge",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Env != "production" {
		app.Use(logger.New())
	}

	srv := server.New(baseCtx, cfg, eleven, twilioAPI)
	srv.RegisterRoutes(app)
	srv.StartSweeper(time.Hour)

	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info("listening", "addr", addr)
		errc <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	if err := shutdownGracefully(app, cancel, 10*time.Second); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("goodbye")
}

type shutdowner interface {
	ShutdownWithContext(ctx context.Context) error
}

// shutdownGracefully stops the listener and waits up to timeout for
// in-flight sessions to drain, then cancels their base context. Sessions
// watch that context, so canceling it earlier would tear live calls down
// before the grace window.
func shutdownGracefully(app shutdowner, cancel context.CancelFunc, timeout time.Duration) error {
	ctx, ctxCancel := context.WithTimeout(context.Background(), timeout)
	defer ctxCancel()

	err := app.ShutdownWithContext(ctx)
	cancel()
	return err
}
