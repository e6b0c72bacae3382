// Command sweetmcp-gateway runs the distributed MCP gateway: it loads
// configuration, bootstraps every §4 component, serves the wire endpoints
// of spec.md §6, and shuts down cleanly on signal.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweetmcp/gateway/pkg/auth"
	"github.com/sweetmcp/gateway/pkg/bridge"
	"github.com/sweetmcp/gateway/pkg/circuit"
	"github.com/sweetmcp/gateway/pkg/config"
	"github.com/sweetmcp/gateway/pkg/edge"
	"github.com/sweetmcp/gateway/pkg/gwerrors"
	"github.com/sweetmcp/gateway/pkg/loadpicker"
	"github.com/sweetmcp/gateway/pkg/log"
	"github.com/sweetmcp/gateway/pkg/metrics"
	"github.com/sweetmcp/gateway/pkg/peer"
	"github.com/sweetmcp/gateway/pkg/pluginhost"
	"github.com/sweetmcp/gateway/pkg/protocol"
	"github.com/sweetmcp/gateway/pkg/ratelimit"
	"github.com/sweetmcp/gateway/pkg/shutdown"
	"github.com/sweetmcp/gateway/pkg/sse"
	"github.com/sweetmcp/gateway/pkg/tlsmgr"
	"github.com/sweetmcp/gateway/pkg/token"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweetmcp-gateway",
		Short: "Distributed MCP gateway: mesh discovery, protocol normalization, and plugin dispatch",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to gateway config YAML")

	cmd.AddCommand(serveCommand(&configPath))
	return cmd
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until terminated",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

// gateway bundles every long-lived component so the HTTP handlers and
// background loops can all reach them.
type gateway struct {
	cfg      config.Config
	coord    *shutdown.Coordinator
	registry *peer.Registry
	tokens   *token.Manager
	tlsMgr   *tlsmgr.Manager
	edge     *edge.Service
	metrics  *metrics.Registry
	sse      *sse.Handler
	plugins  *pluginhost.Host
	bridge   *bridge.Bridge
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	srv := &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   gw.routes(),
		TLSConfig: gw.tlsMgr.ServerConfig(),
	}

	go gw.runBackgroundLoops(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Logf("listening on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	log.Logf("shutdown signal received, draining")
	gw.coord.Signal(context.Background())

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.coord.AwaitDrain(drainCtx); err != nil {
		log.Warnf("drain timed out: %v", err)
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)

	if err := gw.registry.SaveSnapshot(cfg.StateDir); err != nil {
		log.Warnf("failed to persist peer snapshot: %v", err)
	}
	return gw.plugins.Close(shutdownCtx)
}

func newGateway(ctx context.Context, cfg config.Config) (*gateway, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, err
	}

	registry := peer.NewRegistry()
	_ = registry.LoadSnapshot(cfg.StateDir)

	tlsMgr, err := tlsmgr.New(filepath.Join(cfg.StateDir, "tls"), cfg.Hostnames)
	if err != nil {
		return nil, fmt.Errorf("tls manager: %w", err)
	}

	tokens, err := token.NewManager()
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	secret := []byte(os.Getenv(cfg.JWTSecretEnv))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate fallback jwt secret: %w", err)
		}
		log.Warnf("%s not set; using an ephemeral JWT secret for this process", cfg.JWTSecretEnv)
	}
	authHandler := auth.NewHandler(secret, nil)

	endpoints := make(map[string]struct{ Capacity, RefillRate float64 })
	for name, b := range cfg.RateLimit.Endpoints {
		endpoints[name] = struct{ Capacity, RefillRate float64 }{b.Capacity, b.RefillRate}
	}
	limiter := ratelimit.NewLimiter(endpoints, cfg.RateLimit.Window, cfg.RateLimit.WindowMax)

	breakers := circuit.NewRegistry(circuit.Params{
		ErrorThresholdPct:   cfg.Circuit.ErrorThresholdPct,
		RequestVolumeThresh: int64(cfg.Circuit.RequestVolumeThresh),
		SleepWindow:         cfg.Circuit.SleepWindow,
		HalfOpenPermits:     int32(cfg.Circuit.HalfOpenPermits),
		MetricsWindow:       cfg.Circuit.MetricsWindow,
	})

	picker := loadpicker.New(float64(runtime.GOMAXPROCS(0)), 1000)

	metricsReg := metrics.New()

	br := bridge.New(0)

	plugins := pluginhost.New(ctx, pluginhost.Config{
		CallTimeout:   cfg.Plugin.CallTimeout,
		MaxFaults:     cfg.Plugin.MaxFaults,
		HTTPAllowList: cfg.Plugin.HTTPAllowList,
		Config:        map[string]string{"state_dir": cfg.StateDir},
	})
	if err := loadPlugins(ctx, plugins, cfg.Plugin.Dir); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	edgeSvc := &edge.Service{
		RateLimit:         limiter,
		Auth:              authHandler,
		Breakers:          breakers,
		Picker:            picker,
		Registry:          registry,
		Bridge:            br,
		Tokens:            tokens,
		Metrics:           metricsReg,
		HTTPClient:        edge.NewHTTPClient(tlsMgr.ClientConfig()),
		RequirePermission: "rpc.invoke",
	}

	sseTable := sse.NewTable(cfg.SSE.MaxSessions)
	sseHandler := sse.NewHandler(sseTable, sse.Config{
		IdleTimeout:  cfg.SSE.IdleTimeout,
		PingInterval: cfg.SSE.PingInterval,
	}, func(remoteAddr, sessionID string, body []byte) (json.RawMessage, error) {
		var req protocol.CanonicalRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, gwerrors.User(gwerrors.CodeParseError, "parse error")
		}
		return br.Dispatch(context.Background(), req, protocol.Context{Variant: protocol.VariantMCPSSE, SSE: true})
	})

	coord := shutdown.New()

	return &gateway{
		cfg:      cfg,
		coord:    coord,
		registry: registry,
		tokens:   tokens,
		tlsMgr:   tlsMgr,
		edge:     edgeSvc,
		metrics:  metricsReg,
		sse:      sseHandler,
		plugins:  plugins,
		bridge:   br,
	}, nil
}

// loadPlugins walks dir for *.wasm modules and registers each under a method
// name derived from its filename (foo.wasm -> method "foo"), per spec.md
// §4.12's "dir of WASM modules, one method per file" deployment model.
func loadPlugins(ctx context.Context, host *pluginhost.Host, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("plugin dir %s does not exist, starting with no plugins registered", dir)
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}
		method := strings.TrimSuffix(entry.Name(), ".wasm")
		wasmBytes, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read plugin %s: %w", entry.Name(), err)
		}
		if err := host.Register(ctx, method, wasmBytes); err != nil {
			return fmt.Errorf("register plugin %s: %w", entry.Name(), err)
		}
		log.Logf("registered plugin %q from %s", method, entry.Name())
	}
	return nil
}

func (gw *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", gw.handleWire)
	mux.HandleFunc("POST /graphql", gw.handleWire)
	mux.HandleFunc("POST /capnp", gw.handleWire)
	mux.HandleFunc("GET /sse", gw.sse.ServeSSE)
	mux.HandleFunc("POST /messages", gw.sse.ServeMessages)
	mux.HandleFunc("GET /metrics", gw.handleMetrics)
	mux.HandleFunc("GET /healthz", gw.handleHealthz)
	return mux
}

// handleWire serves POST /rpc, /graphql, /capnp uniformly: normalize ->
// edge.Handle -> denormalize (spec.md §6, §4.8).
func (gw *gateway) handleWire(w http.ResponseWriter, r *http.Request) {
	guard, ok := gw.coord.RequestStart()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer guard.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, gwerrors.User(gwerrors.CodeParseError, "failed to read request body"))
		return
	}

	req, pctx, err := protocol.Normalize(r, body)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := gw.edge.Handle(r.Context(), r.URL.Path, r, req)
	if err != nil {
		writeError(w, err)
		return
	}

	out, contentType, err := protocol.Denormalize(pctx, result)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(out)
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := gwerrors.AsJSONRPC(err)
	status := http.StatusInternalServerError
	if code == gwerrors.CodeInvalidRequest || code == gwerrors.CodeParseError {
		status = http.StatusBadRequest
	}
	if code == gwerrors.CodeRateLimited {
		status = http.StatusTooManyRequests
	}
	if code == gwerrors.CodeForbidden {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": code, "message": msg},
	})
}

func (gw *gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write(gw.metrics.WriteProm())
}

var startTime = time.Now()

func (gw *gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"peers":    len(gw.registry.Healthy()),
		"uptime_s": int(time.Since(startTime).Seconds()),
	})
}

// runBackgroundLoops starts the independent periodic tasks named in spec.md
// §5: token rotation/GC, cert reissuance, and discovery agents.
func (gw *gateway) runBackgroundLoops(ctx context.Context) {
	go gw.tokenRotationLoop(ctx)
	go gw.certReissueLoop(ctx)
	go gw.bridgeDispatchLoop(ctx)

	mdns := peer.NewMDNSAgent(gw.registry, gw.cfg.BuildID, 7215, 5*time.Second)
	go func() {
		if err := mdns.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("mdns agent stopped: %v", err)
		}
	}()

	if gw.cfg.DNSDomain != "" {
		dns := peer.NewDNSAgent(gw.registry, gw.cfg.DNSService+"."+gw.cfg.DNSDomain, 30*time.Second)
		go func() {
			if err := dns.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("dns agent stopped: %v", err)
			}
		}()
	}
}

func (gw *gateway) tokenRotationLoop(ctx context.Context) {
	ticker := time.NewTicker(token.RotateEvery())
	defer ticker.Stop()
	gcTicker := time.NewTicker(time.Hour)
	defer gcTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.tokens.Rotate(); err != nil {
				log.Warnf("token rotation failed: %v", err)
			}
		case <-gcTicker.C:
			gw.tokens.GC()
		}
	}
}

// bridgeDispatchLoop is the Plugin Host's consumer side of the MCP Bridge
// (spec.md §4.11, §3 ownership summary: Edge owns the send-half, Plugin Host
// owns the receive-half). Each call is dispatched in its own goroutine so a
// slow or hung plugin invocation never stalls the next Recv.
func (gw *gateway) bridgeDispatchLoop(ctx context.Context) {
	for {
		call, ok := gw.bridge.Recv(ctx)
		if !ok {
			return
		}
		go gw.serveBridgeCall(ctx, call)
	}
}

func (gw *gateway) serveBridgeCall(ctx context.Context, call bridge.Call) {
	result, err := gw.plugins.Dispatch(ctx, call.Request.Method, call.Request.Params)
	call.Reply.Send(bridge.Reply{Result: result, Err: err})
}

func (gw *gateway) certReissueLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tlsmgr.NeedsReissue(gw.tlsMgr.ServerConfig().Certificates[0].Leaf) {
				if err := gw.tlsMgr.ReissueServer(); err != nil {
					log.Warnf("server cert reissue failed: %v", err)
				}
			}
			if tlsmgr.NeedsReissue(gw.tlsMgr.ClientConfig().Certificates[0].Leaf) {
				if err := gw.tlsMgr.ReissueClient(); err != nil {
					log.Warnf("client cert reissue failed: %v", err)
				}
			}
		}
	}
}
