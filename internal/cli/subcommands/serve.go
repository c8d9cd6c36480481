package subcommands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"Lumen/internal/config"
	"Lumen/internal/native"
	"Lumen/internal/runtime"
	"Lumen/server"
)

// transport is the part of the TCP and HTTP servers serve drives.
type transport interface {
	server.Receiver
	Addr() string
	Stop() error
}

// RunServe starts the server and processes inbound prompts through the runtime.
// Supports both HTTP and TCP server types based on configuration.
func RunServe(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string) int {
	if !cfg.ServerEnabled() {
		fmt.Fprintln(os.Stderr, "server disabled by configuration")
		return 1
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hostFlag := fs.String("host", "", "Server host address (overrides config)")
	portFlag := fs.Int("port", 0, "Server port (overrides config)")
	typeFlag := fs.String("type", "", "Server type: http or tcp (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	host := cfg.Server.Host
	if *hostFlag != "" {
		host = *hostFlag
	}
	if host == "" {
		host = "127.0.0.1"
	}

	port := cfg.Server.Port
	if *portFlag > 0 {
		port = *portFlag
	}

	serverType := cfg.ServerType()
	if *typeFlag != "" {
		serverType = strings.ToLower(*typeFlag)
	}
	if serverType != "http" && serverType != "tcp" {
		fmt.Fprintf(os.Stderr, "invalid server type: %s (must be http or tcp)\n", serverType)
		return 1
	}

	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize runtime: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			log.Printf("warning: failed to close runtime: %v", closeErr)
		}
	}()

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var srv transport
	if serverType == "http" {
		httpServer := server.NewHTTPServer(host, strconv.Itoa(port))
		if err := httpServer.Start(cfg.Runtime.Backend); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start HTTP server: %v\n", err)
			return 1
		}
		srv = httpServer
		fmt.Printf("Lumen HTTP server listening on http://%s\n", httpServer.Addr())
		fmt.Printf("  Health:       http://%s/health\n", httpServer.Addr())
		fmt.Printf("  Generate API: http://%s/v1/generate\n", httpServer.Addr())
	} else {
		tcpServer := server.NewTCPServer(host, strconv.Itoa(port))
		if err := tcpServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start TCP server: %v\n", err)
			return 1
		}
		srv = tcpServer
		fmt.Printf("Lumen TCP server listening on %s\n", tcpServer.Addr())
	}

	// Stopping the transport unblocks Serve's receive loop.
	go func() {
		<-sigCtx.Done()
		if stopErr := srv.Stop(); stopErr != nil {
			log.Printf("warning: failed to stop server: %v", stopErr)
		}
	}()

	err = server.Serve(sigCtx, srv, mgr, native.KindName)
	if sigCtx.Err() != nil {
		fmt.Println("server shutting down")
		return 0
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "server stopped: %v\n", err)
		return 1
	}
	return 0
}
