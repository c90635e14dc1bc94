package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/b2buaserver/internal/app"
	"github.com/sebas/b2buaserver/internal/banner"
	"github.com/sebas/b2buaserver/internal/config"
	"github.com/sebas/b2buaserver/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	obs.SetLevel(cfg.LogLevel)
	obs.Init(map[io.Writer]slog.Level{os.Stdout: obs.ParseLevel(cfg.LogLevel)})

	banner.Print("b2buaserver", []banner.ConfigLine{
		{Label: "bind", Value: cfg.BindAddr + ":" + strconv.Itoa(cfg.Port)},
		{Label: "advertise", Value: cfg.AdvertiseHost + ":" + strconv.Itoa(cfg.AdvertisePort)},
		{Label: "domain", Value: cfg.Domain},
		{Label: "tcp", Value: strconv.FormatBool(cfg.EnableTCP)},
		{Label: "rtpproxy", Value: cfg.RTPProxyControlAddr},
		{Label: "users", Value: strconv.Itoa(len(cfg.Users))},
		{Label: "gateways", Value: strconv.Itoa(len(cfg.Gateways))},
	})

	b2b, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to create B2BUA", "error", err)
		os.Exit(1)
	}
	defer b2b.Close()

	run(b2b)
}

func run(b2b *app.B2BUA) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := b2b.Start(ctx); err != nil {
			slog.Error("B2BUA server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()
}
