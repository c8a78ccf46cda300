package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"kvbind"
	"kvbind/internal/config"
	"kvbind/internal/feed"
	"kvbind/internal/filemodel"
	"kvbind/internal/logging"
	"kvbind/internal/metrics"
	"kvbind/internal/model"
	"kvbind/internal/observe"
	"kvbind/internal/queue"
	"kvbind/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

type configError struct {
	err error
}

func (err *configError) Error() string {
	return "config: " + err.err.Error()
}

func (err *configError) Unwrap() error {
	return err.err
}

type app struct {
	cfg       Config
	settings  config.Settings
	logger    *logging.Logger
	metrics   *metrics.Registry
	registry  *observe.Registry
	output    *queue.Queue
	files     *watcher.Watcher
	document  *filemodel.Document
	receivers *model.Object
	printers  []*printer
	tokens    []*observe.Token
	server    *http.Server
	out       io.Writer
}

func newApp(cfg Config, out io.Writer, errOut io.Writer) (*app, error) {
	overrides := map[string]any{}
	if cfg.LogLevel != "" {
		overrides["log.level"] = cfg.LogLevel
	}
	if cfg.FeedAddress != "" {
		overrides["feed.address"] = cfg.FeedAddress
	}
	settings, err := config.LoadSettings(cfg.ConfigPath, kvbind.DefaultSettings, overrides)
	if err != nil {
		return nil, &configError{err: err}
	}
	level, ok := logging.ParseLevel(settings.Log.Level)
	if !ok {
		return nil, &configError{err: fmt.Errorf("invalid log level %q", settings.Log.Level)}
	}

	logger := logging.NewLoggerWithOutput(logging.NewBuffer(int(settings.Log.BufferSize)), level, errOut)
	counters := &metrics.Registry{}
	application := &app{
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		metrics:  counters,
		registry: observe.NewRegistry(observe.Options{
			Logger:         logger,
			Metrics:        counters,
			FeedBufferSize: int(settings.Feed.BufferSize),
			FeedHistory:    int(settings.Feed.HistorySize),
		}),
		output: queue.NewWithOptions(queue.Options{
			Name:       "kvbind_output",
			BufferSize: int(settings.Queue.BufferSize),
			Logger:     logger,
		}),
		out: out,
	}

	options := filemodel.Options{Logger: logger, Metrics: counters}
	if !cfg.Once {
		files, err := watcher.NewWithOptions(watcher.Options{
			Logger:   logger,
			Debounce: settings.Document.Debounce(),
		})
		if err != nil {
			application.Close()
			return nil, fmt.Errorf("file watcher: %w", err)
		}
		application.files = files
		options.Watcher = files
	}
	document, err := filemodel.Open(cfg.DocumentPath, options)
	if err != nil {
		application.Close()
		return nil, fmt.Errorf("open document: %w", err)
	}
	application.document = document
	return application, nil
}

// Start registers bindings and watchers, then starts the feed server when
// an address is configured.
func (application *app) Start(ctx context.Context) error {
	if len(application.cfg.Binds) > 0 {
		application.receivers = model.New(nil)
	}
	for _, binding := range application.cfg.Binds {
		if err := application.bind(ctx, binding); err != nil {
			return err
		}
	}
	for _, keyPath := range application.cfg.Watches {
		target := &printer{out: application.out, label: keyPath}
		token, err := observe.AddTarget(application.registry, application.document, keyPath, target, printChange,
			observe.CallImmediately(), observe.OnQueue(application.output))
		if err != nil {
			return fmt.Errorf("watch %s: %w", keyPath, err)
		}
		application.keep(target, token)
	}
	application.logger.Info("document loaded", map[string]string{
		"document": application.document.Path(),
		"binds":    strconv.Itoa(len(application.cfg.Binds)),
		"watches":  strconv.Itoa(len(application.cfg.Watches)),
	})

	if application.cfg.Once || application.settings.Feed.Address == "" {
		return nil
	}
	return application.serve()
}

func (application *app) bind(ctx context.Context, binding bindSpec) error {
	transform, err := lookupTransform(binding.Transform)
	if err != nil {
		return err
	}
	application.receivers.Define(binding.ReceiverKey, nil)
	token, err := application.registry.Bind(ctx, binding.ReceiverKey, application.receivers, binding.ForeignPath, application.document, transform)
	if err != nil {
		return fmt.Errorf("bind %s=%s: %w", binding.ReceiverKey, binding.ForeignPath, err)
	}
	application.tokens = append(application.tokens, token)

	target := &printer{out: application.out, label: binding.ReceiverKey, bound: true}
	watch, err := observe.AddTarget(application.registry, application.receivers, binding.ReceiverKey, target, printChange,
		observe.CallImmediately(), observe.OnQueue(application.output))
	if err != nil {
		return fmt.Errorf("watch %s: %w", binding.ReceiverKey, err)
	}
	application.keep(target, watch)
	return nil
}

func (application *app) keep(target *printer, token *observe.Token) {
	application.printers = append(application.printers, target)
	application.tokens = append(application.tokens, token)
}

func (application *app) serve() error {
	address := application.settings.Feed.Address
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("feed listen %s: %w", address, err)
	}
	application.server = &http.Server{
		Handler: feed.NewMux(application.registry, feed.Options{
			AllowedOrigins: application.settings.Feed.AllowedOrigins,
			Logger:         application.logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	application.logger.Info("feed listening", map[string]string{"addr": listener.Addr().String()})
	go func() {
		if err := application.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			application.logger.Error("feed server stopped", map[string]string{"error": err.Error()})
		}
	}()
	return nil
}

// Flush waits for queued output.
func (application *app) Flush() {
	_ = application.output.Sync(func() {})
}

func (application *app) Close() {
	if application.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = application.server.Shutdown(ctx)
		cancel()
	}
	for _, token := range application.tokens {
		_ = token.Close()
	}
	if application.document != nil {
		_ = application.document.Close()
	}
	if application.files != nil {
		_ = application.files.Close()
	}
	application.output.Close()
	application.registry.Close()
}
