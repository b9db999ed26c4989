// Package main is the entry point for the turnbus runtime daemon.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/turnbus/internal/bus"
	"github.com/nugget/turnbus/internal/engine"
	"github.com/nugget/turnbus/internal/event"
	"github.com/nugget/turnbus/internal/queue"
	"github.com/nugget/turnbus/internal/runtime"
	"github.com/nugget/turnbus/internal/runtimeconfig"
	"github.com/nugget/turnbus/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println("turnbus")
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("turnbus - event-bus and reliable delivery runtime")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the runtime and websocket listener")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath := runtimeconfig.FindConfig(configPath)
	cfg, err := runtimeconfig.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	level := runtimeconfig.ParseLogLevel(cfg.LogLevel)
	logger = runtimeconfig.NewLogger(level, os.Stdout)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./turnbus.db"
	}
	logger.Info("config loaded", "path", cfgPath, "dbPath", dbPath, "listen", cfg.Listen)

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	qCfg := queue.DefaultConfig()
	if cfg.Queue.ConsumerTTLHours > 0 {
		qCfg.ConsumerTTL = time.Duration(cfg.Queue.ConsumerTTLHours) * time.Hour
	}
	if cfg.Queue.MessageTTLHours > 0 {
		qCfg.MessageTTL = time.Duration(cfg.Queue.MessageTTLHours) * time.Hour
	}
	if cfg.Queue.MaxEntriesPerTopic > 0 {
		qCfg.MaxEntriesPerTopic = cfg.Queue.MaxEntriesPerTopic
	}
	if cfg.Queue.CleanupIntervalMin > 0 {
		qCfg.CleanupInterval = time.Duration(cfg.Queue.CleanupIntervalMin) * time.Minute
	}

	q, err := queue.New(db, qCfg)
	if err != nil {
		logger.Error("failed to construct queue", "error", err)
		os.Exit(1)
	}
	q.Start()
	defer q.Stop()

	store, err := runtime.NewStore(db)
	if err != nil {
		logger.Error("failed to construct store", "error", err)
		os.Exit(1)
	}

	b := bus.New()
	b.OnError(func(eventType string, err error) {
		logger.Error("bus handler error", "eventType", eventType, "error", err)
	})

	eng := engine.New(engine.DefaultMaxDepth)
	// runtime.New registers the queue's ACK-driven persistence callback;
	// wiring a driver to feed Runtime.Ingest/StartAgent is out of scope here.
	runtime.New(b, eng, q, store)

	server := transport.NewServer(transport.ServerConfig{PingInterval: 30 * time.Second}, logger)

	// queue consumer created for each (connection, topic) subscription
	var consumersMu sync.Mutex
	consumers := make(map[string]string)

	server.OnSubscribe(func(connectionID, topic, afterCursor string) (string, error) {
		consumer, err := q.CreateConsumer(topic)
		if err != nil {
			return "", err
		}
		consumersMu.Lock()
		consumers[connectionID+"\x00"+topic] = consumer.ConsumerID
		consumersMu.Unlock()
		entries, err := q.Read(topic, afterCursor, -1)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			server.DeliverEntry(topic, entry.Cursor, entry.Event)
		}
		return consumer.ConsumerID, nil
	})
	server.OnAck(func(connectionID, topic, cursor string) {
		consumersMu.Lock()
		consumerID, ok := consumers[connectionID+"\x00"+topic]
		consumersMu.Unlock()
		if !ok {
			logger.Warn("ack for unknown subscription", "connection", connectionID, "topic", topic)
			return
		}
		if err := q.Ack(consumerID, topic, cursor, event.Event{}); err != nil {
			logger.Warn("ack failed", "connection", connectionID, "topic", topic, "error", err)
		}
	})
	server.OnConnection(func(connectionID string) {
		logger.Debug("connection established", "connectionId", connectionID)
	})

	b.OnAny(func(e event.Event) {
		server.Broadcast(e)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	if cfg.Listen.Port == 0 {
		addr = "0.0.0.0:8080"
	}

	httpServer := &http.Server{Addr: addr, Handler: http.HandlerFunc(server.Listen)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		server.Shutdown(context.Background())
		_ = httpServer.Close()
	}()

	logger.Info("turnbus listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && ctx.Err() == nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("turnbus stopped")
}
