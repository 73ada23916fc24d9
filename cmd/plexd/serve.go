package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/code"
	"github.com/plexrpc/plexrpc/handler"
	"github.com/plexrpc/plexrpc/hub"
	"github.com/plexrpc/plexrpc/jhttp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the RPC endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	serveCmd.Flags().String("root", "rpc", "Canonical path prefix segment")
	serveCmd.Flags().Duration("idle-timeout", 30*time.Second, "Idle time before a connection hibernates")
	serveCmd.Flags().Duration("max-hibernation", 10*time.Minute, "Longest a connection may hibernate")
	serveCmd.Flags().Duration("method-timeout", 0, "Per-call upper bound (0 disables)")
	serveCmd.Flags().Int("max-batch-size", 50, "Largest accepted batch")
	serveCmd.Flags().Int64("max-payload-size", 1<<20, "Largest accepted POST body in bytes")
	serveCmd.Flags().Int("rate-limit", 0, "Requests per client per window over HTTP (0 disables)")
	serveCmd.Flags().Duration("rate-window", time.Minute, "Fixed rate-limit window")
	serveCmd.Flags().Bool("production", false, "Redact internal error detail")
	viper.BindPFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := handler.NewRegistry()
	if err := registerBuiltins(reg, viper.GetString("root")); err != nil {
		return err
	}

	engine := plexrpc.NewEngine(reg, &plexrpc.EngineOptions{
		LogWriter:      os.Stderr,
		MethodTimeout:  viper.GetDuration("method-timeout"),
		MaxBatchSize:   viper.GetInt("max-batch-size"),
		ProductionMode: viper.GetBool("production"),
	})
	h := hub.NewHub(engine, &hub.Options{
		LogWriter:      os.Stderr,
		IdleTimeout:    viper.GetDuration("idle-timeout"),
		MaxHibernation: viper.GetDuration("max-hibernation"),
	})
	bopts := &jhttp.BridgeOptions{
		LogWriter:       os.Stderr,
		Root:            viper.GetString("root"),
		MaxPayloadBytes: viper.GetInt64("max-payload-size"),
	}
	if n := viper.GetInt("rate-limit"); n > 0 {
		bopts.RateLimit = &jhttp.RatePolicy{Max: n, Window: viper.GetDuration("rate-window")}
	}
	bridge := jhttp.NewBridge(engine, reg, h, bopts)

	expvar.Publish("plexrpc_engine", plexrpc.EngineMetrics())
	expvar.Publish("plexrpc_hub", hub.Metrics())

	mux := http.NewServeMux()
	mux.Handle("/"+bridge.Root(), bridge)
	mux.Handle("/"+bridge.Root()+"/", bridge)
	mux.Handle("/debug/vars", expvar.Handler())

	addr := viper.GetString("listen")
	log.Info("Serving", "addr", addr, "path", "/"+bridge.Root())
	return http.ListenAndServe(addr, mux)
}

// registerBuiltins installs the demonstration method set. The names follow
// the root.namespace.action convention so they group under discovery.
func registerBuiltins(reg *handler.Registry, root string) error {
	start := time.Now()

	if err := reg.Register(root+".system.identity", func(ctx context.Context, req *plexrpc.Request) (any, error) {
		return map[string]any{
			"name":    "plexd",
			"version": "0.1.0",
			"uptime":  time.Since(start).Seconds(),
		}, nil
	}, &handler.Options{
		Description: "Identify the server and report its uptime",
		Returns:     "object with name, version, and uptime seconds",
	}); err != nil {
		return err
	}

	if err := reg.Register(root+".system.echo", handler.New(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	}), &handler.Options{
		Description: "Echo the params back to the caller",
		Params:      []handler.ParamInfo{{Name: "*", Type: "object", Description: "Any object; returned verbatim"}},
		Returns:     "the params object, unchanged",
	}); err != nil {
		return err
	}

	if err := reg.Register(root+".time.now", func(ctx context.Context, req *plexrpc.Request) (any, error) {
		return map[string]any{"now": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	}, &handler.Options{
		Description: "Report the server's current UTC time",
		Returns:     "object with an RFC 3339 timestamp",
	}); err != nil {
		return err
	}

	// Catch-all so unmatched channel methods answer with guidance instead of
	// a bare method-not-found.
	return reg.Register(root+".channels.*", func(ctx context.Context, req *plexrpc.Request) (any, error) {
		c := hub.FromContext(ctx)
		if c == nil {
			return nil, fmt.Errorf("no connection in context")
		}
		var params struct {
			Channel string `json:"channel"`
		}
		if err := req.UnmarshalParams(&params); err != nil || params.Channel == "" {
			return nil, plexrpc.Errorf(code.InvalidParams, "Invalid parameters: channel is required")
		}
		switch plexrpc.MethodAction(req.Method) {
		case "subscribe":
			c.Subscribe(params.Channel)
		case "unsubscribe":
			c.Unsubscribe(params.Channel)
		default:
			return nil, plexrpc.Errorf(code.MethodNotFound, "Method not found: %s", req.Method)
		}
		return map[string]any{"channel": params.Channel, "subscribed": c.Subscribed(params.Channel)}, nil
	}, &handler.Options{
		Description: "Subscribe to or unsubscribe from a broadcast channel",
		Params:      []handler.ParamInfo{{Name: "channel", Type: "string", Required: true}},
	})
}
