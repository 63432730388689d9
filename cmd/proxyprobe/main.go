// proxyprobe checks connectivity to the local desktop data proxy: it
// discovers the port, runs the handshake and optionally submits one
// data request.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mgirard/deskdata/internal/proxy"
)

func main() {
	var (
		appKey   = flag.String("app-key", os.Getenv("DESKDATA_APP_KEY"), "application key")
		host     = flag.String("host", "127.0.0.1", "proxy host")
		port     = flag.Int("port", 0, "proxy port (0 discovers)")
		portFile = flag.String("port-file", "", "path to the desktop's port file")
		entity   = flag.String("entity", "", "UDF entity to query, empty skips the data request")
		payload  = flag.String("payload", "{}", "JSON payload for the data request")
		timeout  = flag.Duration("timeout", 30*time.Second, "overall timeout")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *appKey == "" {
		logger.Error("app key is required (flag -app-key or DESKDATA_APP_KEY)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := []proxy.Option{proxy.WithHost(*host), proxy.WithLogger(logger)}
	if *port != 0 {
		opts = append(opts, proxy.WithPort(*port))
	}
	if *portFile != "" {
		opts = append(opts, proxy.WithPortFile(*portFile))
	}
	client := proxy.New(*appKey, opts...)

	resolved, err := client.DiscoverPort(ctx)
	if err != nil {
		logger.Error("proxy not reachable", "error", err)
		os.Exit(1)
	}
	streamURL, err := client.StreamingURL(ctx)
	if err != nil {
		logger.Error("resolve streaming url", "error", err)
		os.Exit(1)
	}
	fmt.Printf("proxy port:    %d\n", resolved)
	fmt.Printf("streaming url: %s\n", streamURL)
	fmt.Printf("handshake:     ok (token %d bytes)\n", len(client.AccessToken()))

	if *entity == "" {
		return
	}

	var body any
	if err := json.Unmarshal([]byte(*payload), &body); err != nil {
		logger.Error("payload is not valid JSON", "error", err)
		os.Exit(1)
	}
	raw, err := client.SendRequest(ctx, *entity, body)
	if err != nil {
		logger.Error("data request failed", "entity", *entity, "error", err)
		os.Exit(1)
	}
	fmt.Printf("response:      %s\n", raw)
}
