package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpu-instancectl/instancectl/test/mockprovider"
)

func main() {
	addr := flag.String("addr", ":8888", "Server address")
	apiKey := flag.String("api-key", os.Getenv("MOCK_API_KEY"), "Require this api-key header (empty accepts any key)")
	delay := flag.Duration("transition-delay", 2*time.Second, "How long start, stop and create take to settle")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	state := mockprovider.NewState()
	state.SetTransitionDelay(*delay)
	server := mockprovider.NewServer(state,
		mockprovider.WithAPIKey(*apiKey),
		mockprovider.WithLogger(logger))

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down mock provider")
		os.Exit(0)
	}()

	logger.Info("starting mock FluidStack provider",
		slog.String("addr", *addr),
		slog.Duration("transition_delay", *delay))
	if err := server.Run(*addr); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
