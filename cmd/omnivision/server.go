package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/fuad49/omnivision/internal/api"
	"github.com/fuad49/omnivision/internal/config"
	"github.com/fuad49/omnivision/internal/descriptor"
	"github.com/fuad49/omnivision/internal/gemini"
	"github.com/fuad49/omnivision/internal/ingest"
	"github.com/fuad49/omnivision/internal/messenger"
	"github.com/fuad49/omnivision/internal/pipeline"
	"github.com/fuad49/omnivision/internal/retrieval"
	"github.com/fuad49/omnivision/internal/security"
	"github.com/fuad49/omnivision/internal/storage"
	"github.com/fuad49/omnivision/internal/verify"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the omnivision server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running omnivision server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show omnivision system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "omnivision.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "omnivision version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start. Check the health endpoint, then the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("omnivision is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("omnivision is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the matching pipeline.
	vision := gemini.NewWithBaseURL(cfg.Gemini.APIKey, cfg.Gemini.VisionModel, cfg.Gemini.EmbedModel, cfg.Gemini.BaseURL)
	vision.SetTimeout(cfg.Gemini.Timeout)
	extractor := descriptor.NewExtractor(vision, cfg.Matching.EmbeddingDims)
	verifier := verify.New(vision, slog.Default())

	var index retrieval.ProductIndex
	var qdrantIdx *retrieval.QdrantIndex
	if cfg.Qdrant.Host != "" {
		qdrantIdx, err = retrieval.NewQdrantIndex(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection)
		if err != nil {
			return fmt.Errorf("connecting to qdrant: %w", err)
		}
		if err := qdrantIdx.EnsureCollection(ctx, cfg.Matching.EmbeddingDims); err != nil {
			return fmt.Errorf("preparing qdrant collection: %w", err)
		}
		index = qdrantIdx
		slog.Info("retrieval backend: qdrant", "host", cfg.Qdrant.Host, "collection", cfg.Qdrant.Collection)
	} else {
		index = retrieval.NewSQLiteIndex(store.DB())
		slog.Info("retrieval backend: sqlite")
	}

	sealer, err := security.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("initializing token sealer: %w", err)
	}

	msgr := messenger.NewClientWithBaseURL(cfg.Facebook.GraphBaseURL)
	msgr.SetTimeout(cfg.Facebook.SendTimeout)
	fetcher := pipeline.NewHTTPFetcher(cfg.Pipeline.FetchTimeout, cfg.Pipeline.MaxImageBytes)

	processor := pipeline.NewProcessor(store, store, extractor, index, verifier, msgr, sealer, fetcher,
		pipeline.ProcessorConfig{
			RetrievalFloor: float32(cfg.Matching.RetrievalFloor),
			TopK:           cfg.Matching.VerifyTopK,
			SoftMatchMin:   cfg.Matching.SoftMatchMin,
			ConfidentMin:   cfg.Matching.ConfidentMin,
		}, slog.Default())

	// Build HTTP handler.
	mediaDir := filepath.Join(cfg.Storage.DataDir, "media")
	var indexDeleter api.IndexDeleter
	if qdrantIdx != nil {
		indexDeleter = qdrantIdx
	}
	handler := api.NewHandler(api.Deps{
		Store:        store,
		Processor:    processor,
		Subscriber:   msgr,
		Sealer:       sealer,
		Index:        indexDeleter,
		VerifyToken:  cfg.Facebook.VerifyToken,
		AppSecret:    cfg.Facebook.AppSecret,
		APIToken:     cfg.Security.APIToken,
		MediaDir:     mediaDir,
		MediaBaseURL: strings.TrimRight(cfg.Server.PublicBaseURL, "/") + "/media",
		EventTimeout: cfg.Pipeline.EventTimeout,
		Logger:       slog.Default(),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the embedding worker.
	var indexWriter ingest.IndexWriter
	if qdrantIdx != nil {
		indexWriter = qdrantIdx
	}
	worker := ingest.NewWorker(store, extractor, indexWriter, 500*time.Millisecond)
	go worker.Run(ctx)

	// Start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Index:    index,
		Embedder: vision,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "omnivision listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("omnivision is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop omnivision (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to omnivision (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Vision model", "%s", cfg.Gemini.VisionModel)
	printStatus("Embed model", "%s", cfg.Gemini.EmbedModel)
	if cfg.Qdrant.Host != "" {
		printStatus("Retrieval", "qdrant (%s:%d, collection %s)", cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection)
	} else {
		printStatus("Retrieval", "sqlite")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
