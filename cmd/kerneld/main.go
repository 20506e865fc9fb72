// Command kerneld is the LLM operating system kernel's process entrypoint:
// load configuration, assemble the Kernel, serve the HTTP API, and shut
// down cleanly on SIGINT/SIGTERM. Grounded on
// agents/coder/cmd/agent/main.go's listen/signal/shutdown shape,
// generalized from one health endpoint to the full Kernel lifecycle.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmos/kernel/internal/config"
	"llmos/kernel/internal/httpapi"
	"llmos/kernel/internal/kernel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.New(os.Stdout, "kerneld ", log.LstdFlags|log.LUTC)

	cfg := config.Load()

	k, err := kernel.New(cfg, logger)
	if err != nil {
		logger.Fatalf("assemble kernel: %v", err)
	}
	k.Start()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: httpapi.New(k, logger),
	}

	go func() {
		logger.Printf("starting kernel listener on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Println("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	k.Shutdown(ctx)
	logger.Println("kernel stopped")
}
