// Package main provides the threadrelay command. It summarises a discussion
// thread (or takes content directly), opens the destination chat page in a
// browser, submits the content there and reports the outcome.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/threadrelay/pkg/automation"
	"github.com/entrhq/threadrelay/pkg/browser"
	appconfig "github.com/entrhq/threadrelay/pkg/config"
	"github.com/entrhq/threadrelay/pkg/logging"
	"github.com/entrhq/threadrelay/pkg/orchestrator"
	"github.com/entrhq/threadrelay/pkg/relay"
	"github.com/entrhq/threadrelay/pkg/source"
)

const (
	version     = "0.1.0"
	sessionName = "threadrelay"
)

var errAutomationFailed = errors.New("automation failed")

// readClipboard is swapped in tests.
var readClipboard = clipboard.ReadAll

// Config holds the command line configuration
type Config struct {
	ConfigPath  string
	Content     string
	Clipboard   bool
	ThreadURL   string
	Headless    bool
	NATSURL     string
	MetricsAddr string
	ShowVersion bool
}

func main() {
	config := parseFlags()

	if config.ShowVersion {
		fmt.Printf("threadrelay v%s\n", version)
		return
	}

	if err := config.validate(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(fmt.Errorf("configuration error: %w", err)))
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	err := run(ctx, config)
	cancel()
	if err != nil {
		if !errors.Is(err, errAutomationFailed) {
			fmt.Fprintln(os.Stderr, renderError(err))
		}
		os.Exit(1)
	}
}

// parseFlags parses command line flags
func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.ConfigPath, "config", "", "Path to the YAML configuration file (default: ~/.threadrelay/config.yaml)")
	flag.StringVar(&config.Content, "content", "", "Content to submit to the destination")
	flag.BoolVar(&config.Clipboard, "clipboard", false, "Read the content to submit from the clipboard")
	flag.StringVar(&config.ThreadURL, "thread", "", "URL of a thread page to summarise and submit")
	flag.BoolVar(&config.Headless, "headless", false, "Run the browser without a window")
	flag.StringVar(&config.NATSURL, "nats-url", "", "Relay messages through this NATS server instead of in process")
	flag.StringVar(&config.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "threadrelay - send a thread summary to a chat page\n\n")
		fmt.Fprintf(os.Stderr, "Usage: threadrelay [options] (-content TEXT | -clipboard | -thread URL)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  %s  Directory for log files\n", logging.LogDirEnv)
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  threadrelay -thread https://www.reddit.com/r/golang/comments/abc123/title/\n")
		fmt.Fprintf(os.Stderr, "  threadrelay -content \"Summarise this for me\" -headless\n")
		fmt.Fprintf(os.Stderr, "  threadrelay -clipboard -nats-url nats://localhost:4222\n")
	}

	flag.Parse()
	return config
}

// validate checks that exactly one content source is selected
func (c *Config) validate() error {
	sources := 0
	if c.Content != "" {
		sources++
	}
	if c.Clipboard {
		sources++
	}
	if c.ThreadURL != "" {
		sources++
	}
	switch sources {
	case 0:
		return fmt.Errorf("one of -content, -clipboard or -thread is required")
	case 1:
		return nil
	default:
		return fmt.Errorf("-content, -clipboard and -thread are mutually exclusive")
	}
}

// apply overlays command line overrides on the file configuration.
func (c *Config) apply(cfg *appconfig.Config) {
	if c.Headless {
		cfg.Browser.Headless = true
	}
	if c.NATSURL != "" {
		cfg.Relay.NATSURL = c.NATSURL
	}
	if c.MetricsAddr != "" {
		cfg.Metrics.ListenAddr = c.MetricsAddr
	}
}

// run wires the pipeline and submits the content once
func run(ctx context.Context, cli *Config) error {
	cfg, err := appconfig.Load(cli.ConfigPath)
	if err != nil {
		return err
	}
	cli.apply(cfg)

	out := newPrinter(os.Stdout, cfg.Logging.Verbosity)
	out.banner()

	r, err := newRelay(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		stop := serveMetrics(addr)
		defer stop()
		out.info("Metrics", addr+"/metrics")
	}

	manager := browser.NewSessionManager()
	if err := manager.Initialize(); err != nil {
		return err
	}
	defer manager.Shutdown()

	session, err := manager.StartSession(sessionName, cfg.SessionOptions())
	if err != nil {
		return err
	}

	script := automation.NewContentScript(r, cfg.AutomationConfig())
	defer script.Close()
	session.RegisterScript(script)

	orch, err := orchestrator.New(session, r, cfg.OrchestratorConfig(script.Name()))
	if err != nil {
		return err
	}
	if err := orch.Listen(); err != nil {
		return err
	}
	defer orch.Close()

	content, err := resolveContent(ctx, cli, cfg, session)
	if err != nil {
		return err
	}
	out.info("Content", fmt.Sprintf("%d characters", len([]rune(content))))

	start := time.Now()
	res, err := source.NewRequester(r, cfg.Relay.RequestTimeout).Relay(ctx, content)
	if err != nil {
		return err
	}

	fmt.Println(renderResult(res, time.Since(start)))
	out.detail("Log", logPath())
	if !res.OK() {
		return errAutomationFailed
	}

	// Keep the page open until the submission has been followed to the end.
	out.detail("Waiting", "for the destination to accept the submission")
	waitForCompletion(ctx, script)
	return nil
}

// waitForCompletion blocks until w finishes or ctx is cancelled. The caller's
// deferred teardown then stops whatever is still running.
func waitForCompletion(ctx context.Context, w interface{ Wait() }) {
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// newRelay returns the in-process relay, or a NATS relay when configured.
func newRelay(cfg *appconfig.Config) (relay.Relay, error) {
	if cfg.Relay.NATSURL == "" {
		return relay.NewMemoryRelay(), nil
	}
	r, err := relay.NewNATSRelay(cfg.NATSConfig(sessionName))
	if err != nil {
		return nil, fmt.Errorf("failed to connect relay: %w", err)
	}
	return r, nil
}

// pageFetcher renders a page and returns its HTML.
type pageFetcher interface {
	PageHTML(ctx context.Context, url string) (string, error)
}

// resolveContent returns the content selected on the command line.
func resolveContent(ctx context.Context, cli *Config, cfg *appconfig.Config, pages pageFetcher) (string, error) {
	switch {
	case cli.Content != "":
		return cli.Content, nil

	case cli.Clipboard:
		text, err := readClipboard()
		if err != nil {
			return "", fmt.Errorf("failed to read clipboard: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return "", fmt.Errorf("clipboard is empty")
		}
		return text, nil

	default:
		matcher, err := source.NewMatcher(cfg.Source.ThreadPattern)
		if err != nil {
			return "", err
		}
		if !matcher.IsThreadURL(cli.ThreadURL) {
			return "", fmt.Errorf("%s is not a thread page", cli.ThreadURL)
		}
		html, err := pages.PageHTML(ctx, cli.ThreadURL)
		if err != nil {
			return "", fmt.Errorf("failed to load thread: %w", err)
		}
		thread, err := source.ParseThread(strings.NewReader(html))
		if err != nil {
			return "", err
		}
		if len(thread.Comments) == 0 {
			return "", fmt.Errorf("no comments found on %s", cli.ThreadURL)
		}
		return thread.Summary(cfg.Source.MaxSummaryLength), nil
	}
}

// serveMetrics exposes the default Prometheus registry on addr.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, renderError(fmt.Errorf("metrics server: %w", err)))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func logPath() string {
	dir, err := logging.GetLogDirectory()
	if err != nil {
		return "unavailable"
	}
	return filepath.Join(dir, logging.GetRunID()+"-threadrelay.log")
}
