package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"glasseshub/hub"
	"glasseshub/store"
)

func main() {
	addr := flag.String("addr", ":8443", "WebTransport listen address for device/App sessions")
	metricsAddr := flag.String("metrics-addr", ":8080", "HTTP listen address for /healthz and /metrics")
	dbPath := flag.String("db", "hub.db", "SQLite database path")
	publicHost := flag.String("public-host", "localhost", "public hostname used to build App webhook callback URLs")
	tlsValidity := flag.Duration("tls-cert-validity", 24*time.Hour, "validity period for the generated demo TLS certificate")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	registry := hub.NewRegistry()
	cfg := hub.DefaultConfig()
	clk := hub.NewClock()

	descriptors := hub.NewInMemoryAppDescriptorStore()
	capabilities := hub.NewStaticCapabilityTable()
	apiKeys := hub.NewBcryptAPIKeyVerifier()

	newSession := func(userID string) *hub.Session {
		return hub.NewSession(cfg, clk, hub.SessionDeps{
			UserID:              userID,
			Registry:            registry,
			Descriptors:         descriptors,
			Capabilities:        capabilities,
			APIKeys:             apiKeys,
			Permissions:         hub.AllowAllPermissionChecker{},
			Analytics:           hub.LogAnalyticsSink{},
			Store:               st,
			Display:             hub.LogDisplayManager{},
			Transcription:       hub.NoopStreamWorker{},
			Translation:         hub.NoopStreamWorker{},
			Webhook:             hub.NewHTTPWebhookClient(cfg.WebhookAttemptTimeout),
			CloudPublicHostName: *publicHost,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[hubdemo] shutting down...")
		cancel()
	}()

	go hub.RunMetrics(ctx, registry, 5*time.Second)

	host, _, err := net.SplitHostPort(*addr)
	if err != nil || host == "" {
		host = *publicHost
	}
	tlsConfig, fingerprint, err := generateDemoTLSConfig(host, *tlsValidity)
	if err != nil {
		log.Fatalf("[hubdemo] %v", err)
	}
	log.Printf("[hubdemo] demo TLS certificate fingerprint: %s", fingerprint)

	go runMetricsHTTP(ctx, *metricsAddr, registry)

	if err := runWebTransport(ctx, *addr, tlsConfig, registry, newSession); err != nil {
		log.Fatalf("[hubdemo] %v", err)
	}
}

// runMetricsHTTP serves /healthz and /metrics with echo, grounded on the
// teacher's api.go REST surface style.
func runMetricsHTTP(ctx context.Context, addr string, registry *hub.Registry) {
	e := echo.New()
	e.HideBanner = true
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": registry.Len()})
	})
	e.GET("/metrics", func(c echo.Context) error {
		snapshot := registry.Snapshot()
		apps := 0
		for _, s := range snapshot {
			apps += s.AppConnectionCount()
		}
		return c.JSON(http.StatusOK, map[string]any{
			"sessions":       len(snapshot),
			"app_connections": apps,
		})
	})

	srv := &http.Server{Addr: addr, Handler: e}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[hubdemo] metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[hubdemo] metrics server: %v", err)
	}
}

// runWebTransport accepts device and App WebTransport sessions at
// /device/{userId} and /app/{userId}/{package}, grounded on the
// teacher's client.go handleClient session-accept flow.
func runWebTransport(ctx context.Context, addr string, tlsConfig *tls.Config, registry *hub.Registry, newSession func(userID string) *hub.Session) error {
	wts := webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/device/", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimPrefix(r.URL.Path, "/device/")
		if userID == "" {
			http.Error(w, "missing user id", http.StatusBadRequest)
			return
		}
		sess, err := wts.Upgrade(w, r)
		if err != nil {
			log.Printf("[hubdemo] device upgrade failed: %v", err)
			return
		}
		go handleDeviceSession(ctx, sess, registry.GetOrCreate(userID, func() *hub.Session { return newSession(userID) }))
	})
	mux.HandleFunc("/app/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/app/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			http.Error(w, "expected /app/{userId}/{package}", http.StatusBadRequest)
			return
		}
		userID, pkg := parts[0], parts[1]
		sess, err := wts.Upgrade(w, r)
		if err != nil {
			log.Printf("[hubdemo] app upgrade failed: %v", err)
			return
		}
		session, ok := registry.Get(userID)
		if !ok {
			sess.CloseWithError(0, "no active device session for user")
			return
		}
		go handleAppSession(ctx, sess, session, pkg, r.URL.Query().Get("apiKey"))
	})
	wts.H3.Handler = mux

	go func() {
		<-ctx.Done()
		_ = wts.Close()
	}()

	log.Printf("[hubdemo] webtransport listening on %s", addr)
	return wts.ListenAndServe()
}

func handleDeviceSession(ctx context.Context, sess *webtransport.Session, session *hub.Session) {
	ctrl, err := sess.AcceptStream(ctx)
	if err != nil {
		log.Printf("[hubdemo] device accept stream: %v", err)
		return
	}
	handle := newWTTransportHandle(sess, ctrl)
	if err := session.AttachDevice(handle); err != nil {
		log.Printf("[hubdemo] attach device: %v", err)
		_ = handle.Close(hub.CloseInternal, "attach failed")
		return
	}

	go pumpDatagrams(ctx, sess, func(pcm []byte) { session.RelayAudioToApps(pcm) })
	pumpControl(ctx, handle, session.RouteDeviceMessage)
}

func handleAppSession(ctx context.Context, sess *webtransport.Session, session *hub.Session, pkg, apiKey string) {
	ctrl, err := sess.AcceptStream(ctx)
	if err != nil {
		log.Printf("[hubdemo] app accept stream: %v", err)
		return
	}
	handle := newWTTransportHandle(sess, ctrl)
	if err := session.HandleAppConnectionInit(pkg, apiKey, handle); err != nil {
		log.Printf("[hubdemo] package=%s connection init failed: %v", pkg, err)
		return
	}

	pumpControl(ctx, handle, func(env hub.Envelope) error {
		return session.RouteAppMessage(pkg, env)
	})
}

