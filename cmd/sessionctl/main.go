// sessionctl is a device client for the session authority. It persists a device id, admits the
// device, then heartbeats and watches for revocation until interrupted, logging out on exit.
//
//	sessionctl -token $TOKEN [-watch http://localhost:8081] [run|login|status|logout]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"session-authority/internal/authority/service"
	"session-authority/internal/client"
	"session-authority/internal/config"
	"session-authority/internal/device"
	"session-authority/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, "text")

	token := flag.String("token", os.Getenv("SESSION_TOKEN"), "Identity token (default $SESSION_TOKEN)")
	watch := flag.String("watch", "http://localhost"+cfg.HTTPAddr, "Base URL of the watch gateway; empty disables watching")
	flag.Parse()
	if *token == "" {
		log.Fatal("sessionctl: -token or SESSION_TOKEN is required")
	}
	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	ids, err := device.NewFileIDStore(cfg.DeviceIDPath)
	if err != nil {
		log.WithError(err).Fatal("sessionctl: device id store")
	}

	conn, err := grpc.NewClient(cfg.AuthorityAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		log.WithError(err).Fatal("sessionctl: dial")
	}
	defer conn.Close()

	agent := client.NewAgent(conn, device.NewProvider(ids, log), client.Config{
		Token:             *token,
		WatchURL:          *watch,
		HeartbeatInterval: cfg.HeartbeatEvery(),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "login":
		resp, err := agent.Login(ctx)
		if err != nil {
			exit(err)
		}
		fmt.Printf("%s session %s (%d/%d devices) from %s, %s\n",
			resp.Outcome, resp.Session.ID, resp.ActiveSessions, resp.MaxDevices, resp.Geo.City, resp.Geo.Country)
	case "status":
		st, err := agent.Status(ctx)
		if err != nil {
			exit(err)
		}
		fmt.Println(st)
	case "logout":
		if err := agent.Logout(ctx); err != nil {
			exit(err)
		}
	case "run":
		err := agent.Run(ctx, func(status string) {
			log.WithField("device_id", agent.DeviceID(ctx)).WithField("status", status).Info("session status")
		})
		if err != nil {
			exit(err)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: sessionctl [flags] [run|login|status|logout]")
		os.Exit(2)
	}
}

func exit(err error) {
	switch {
	case errors.Is(err, service.ErrDeviceBlocked):
		fmt.Fprintln(os.Stderr, "this device is blocked")
	case errors.Is(err, service.ErrSessionRevoked):
		fmt.Fprintln(os.Stderr, "this session was ended elsewhere; sign in again")
	case errors.Is(err, service.ErrDeviceLimit):
		fmt.Fprintln(os.Stderr, "device limit reached; sign out on another device first")
	default:
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
