package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mergechat/mautrix-max/internal/config"
	"github.com/mergechat/mautrix-max/internal/database"
	"github.com/mergechat/mautrix-max/internal/message"
	"github.com/mergechat/mautrix-max/internal/provisioning"
	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// Bridge is the main entry point that ties all components together.
type Bridge struct {
	Config *config.Config
	DB     *database.Database
	Log    *slog.Logger

	Matrix       MatrixClient
	Puppets      *PuppetManager
	Engine       *Engine
	ASHandler    *ASHandler
	Provisioning *provisioning.Handler
	License      *LicenseChecker
	Metrics      *Metrics

	httpServer    *http.Server
	metricsServer *http.Server
	stopLicense   context.CancelFunc
	mu            sync.Mutex
	running       bool
}

// New creates a new Bridge instance from the given configuration.
func New(cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		Config: cfg,
		Log:    log,
	}

	db, err := database.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	b.DB = db

	return b, nil
}

// Start initializes all components and starts the bridge.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bridge is already running")
	}

	b.Log.Info("starting mautrix-max bridge")

	b.Metrics = NewMetrics()

	// License gate before anything touches the network on behalf of users.
	b.License = NewLicenseChecker(
		b.Log,
		b.Config.MergeChat.APIURL,
		b.Config.MergeChat.LicenseKey,
		b.Config.MergeChat.ServerID,
		func() {
			b.Log.Error("shutting down: license expired")
			os.Exit(1)
		},
	)
	if err := b.License.CheckStartup(ctx); err != nil {
		return err
	}
	licenseCtx, cancel := context.WithCancel(context.Background())
	b.stopLicense = cancel
	go b.License.Run(licenseCtx)

	if err := b.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	b.Log.Info("database migrations complete")

	b.Matrix = NewAppServiceClient(
		b.Log.With("component", "matrix_client"),
		b.Config.Homeserver.Address,
		b.Config.AppService.ASToken,
	)

	b.Puppets = NewPuppetManager(
		b.Log.With("component", "puppets"),
		b.Config,
		b.DB.Puppet,
		b.Matrix,
		b.Metrics,
		fetchURL,
	)

	processor := message.NewProcessor(
		b.Log.With("component", "processor"),
		&mediaTransport{matrix: b.Matrix, metrics: b.Metrics},
	)

	b.Engine = NewEngine(b.Log, b.Config, b.DB, b.Matrix, processor, b.Metrics, b.Puppets)

	b.ASHandler = NewASHandler(
		b.Log.With("component", "as_handler"),
		b.Config.AppService.HSToken,
		b.Engine,
	)

	mux := http.NewServeMux()
	mux.Handle("/", b.ASHandler)
	if b.Config.Bridge.Provisioning.Enabled {
		b.Provisioning = provisioning.NewHandler(
			b.Log.With("component", "provisioning"),
			b.Config.Bridge.Provisioning.SharedSecret,
			&engineSessions{engine: b.Engine},
			func() provisioning.AuthClient {
				return maxapi.NewUserClient(b.Config.Max.WSURL, "",
					b.Log.With("component", "provisioning_auth"))
			},
		)
		prefix := strings.TrimRight(b.Config.Bridge.Provisioning.Prefix, "/")
		mux.Handle(prefix+"/", http.StripPrefix(prefix, b.Provisioning))
		b.Log.Info("provisioning API enabled", "prefix", prefix)
	}

	listenAddr := fmt.Sprintf("%s:%d", b.Config.AppService.Hostname, b.Config.AppService.Port)
	b.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		b.Log.Info("AS HTTP server listening", "addr", listenAddr)
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("HTTP server error", "error", err)
		}
	}()

	if b.Config.Metrics.Enabled {
		b.startMetricsServer()
	}

	if err := b.Engine.LoadFromDB(ctx); err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}

	b.running = true
	b.Log.Info("mautrix-max bridge started successfully")

	return nil
}

// Stop gracefully shuts down all bridge components.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.Log.Info("stopping mautrix-max bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.stopLicense != nil {
		b.stopLicense()
	}

	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("metrics server shutdown error", "error", err)
		}
	}

	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("HTTP server shutdown error", "error", err)
		}
	}

	if b.Engine != nil {
		b.Engine.DisconnectAll()
	}

	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			b.Log.Error("database close error", "error", err)
		}
	}

	b.running = false
	b.Log.Info("mautrix-max bridge stopped")

	return nil
}

// Run starts the bridge and blocks until a shutdown signal is received.
func (b *Bridge) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	b.Log.Info("received shutdown signal", "signal", sig)

	return b.Stop()
}

// startMetricsServer starts a dedicated HTTP server for Prometheus metrics and health checks.
func (b *Bridge) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	mux.HandleFunc("/health", b.handleHealth)

	b.metricsServer = &http.Server{
		Addr:         b.Config.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		b.Log.Info("metrics server listening", "addr", b.Config.Metrics.Listen)
		if err := b.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("metrics server error", "error", err)
		}
	}()
}

// handleHealth serves a JSON health check response.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := b.Metrics.HealthStatus()

	w.Header().Set("Content-Type", "application/json")

	connected, _ := status["connected"].(bool)
	if !connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	data, err := json.Marshal(status)
	if err != nil {
		b.Log.Error("failed to marshal health status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

// engineSessions adapts the Engine to the provisioning package's interfaces.
type engineSessions struct {
	engine *Engine
}

func (s *engineSessions) Get(ctx context.Context, mxid string) (provisioning.Session, error) {
	return s.engine.GetOrCreateUser(ctx, mxid)
}

// mediaTransport wires the message processor's media needs: downloads come
// off Max CDN URLs, uploads go into the Matrix content repository.
type mediaTransport struct {
	matrix  MatrixClient
	metrics *Metrics
}

func (t *mediaTransport) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	data, err := fetchURL(ctx, url)
	if err != nil {
		return nil, err
	}
	t.metrics.IncrMediaDownloaded()
	return data, nil
}

func (t *mediaTransport) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	mxc, err := t.matrix.UploadMedia(ctx, data, mimeType, fileName)
	if err != nil {
		return "", err
	}
	t.metrics.IncrMediaUploaded()
	return mxc, nil
}

var mediaHTTPClient = &http.Client{Timeout: 2 * time.Minute}

// fetchURL downloads bytes from a plain HTTP(S) URL, such as a Max CDN link.
func fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := mediaHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
