package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/basekick-labs/pprzlog/internal/api"
	"github.com/basekick-labs/pprzlog/internal/config"
	"github.com/basekick-labs/pprzlog/internal/ingest"
	"github.com/basekick-labs/pprzlog/internal/logger"
	"github.com/basekick-labs/pprzlog/internal/metrics"
	"github.com/basekick-labs/pprzlog/internal/series"
	"github.com/basekick-labs/pprzlog/internal/session"
	"github.com/basekick-labs/pprzlog/internal/shutdown"
	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

const usage = `Usage: pprzlog <command> [flags]

Commands:
  info      load a log and print the session summary as JSON
  messages  list or search registered messages
  series    extract numeric series of a message field (or every field)
  export    write the records of a message as a Parquet table
  serve     load a log and serve the query API over HTTP
  version   print the version

Run "pprzlog <command> -h" for the flags of a command.
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "info":
		err = runInfo(ctx, args[1:], stdout, stderr)
	case "messages":
		err = runMessages(ctx, args[1:], stdout, stderr)
	case "series":
		err = runSeries(ctx, args[1:], stdout, stderr)
	case "export":
		err = runExport(ctx, args[1:], stdout, stderr)
	case "serve":
		err = runServe(ctx, args[1:], stderr)
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.As(err, &ue):
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

// commonFlags are accepted by every command that loads a log.
type commonFlags struct {
	fs *flag.FlagSet

	configPath string
	logPath    string
	dataPath   string
	workDir    string
	output     string
	verbose    bool
	strict     bool
	arity      string
	logLevel   string
}

func newFlags(name string, stderr io.Writer) *commonFlags {
	f := &commonFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.SetOutput(stderr)
	f.fs.StringVar(&f.configPath, "config", "", "Path to pprzlog.toml")
	f.fs.StringVar(&f.logPath, "log", "", "Log header file (.log, optionally .gz or .zst)")
	f.fs.StringVar(&f.dataPath, "data", "", "Datafile (.data, optionally .gz or .zst)")
	f.fs.StringVar(&f.workDir, "workdir", "", "Directory for schema fragments and the trace file")
	f.fs.StringVar(&f.output, "output", "", "Local artifact directory (local storage backend)")
	f.fs.BoolVar(&f.verbose, "verbose", false, "Append every parsed record to the trace file")
	f.fs.BoolVar(&f.strict, "strict", false, "Reject malformed log headers instead of recovering")
	f.fs.StringVar(&f.arity, "arity", "", "Field count policy: lenient or strict")
	f.fs.StringVar(&f.logLevel, "log-level", "", "Log level override")
	return f
}

func (f *commonFlags) parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	if f.logPath == "" || f.dataPath == "" {
		return usageError("both -log and -data are required")
	}
	return nil
}

// isSet reports whether a flag was given on the command line.
func (f *commonFlags) isSet(name string) bool {
	set := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

// load reads configuration, applies flag overrides and loads the log.
func (f *commonFlags) load(ctx context.Context) (*config.Config, *session.Session, storage.Backend, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	if f.workDir != "" {
		cfg.Schema.WorkDir = f.workDir
	}
	if f.output != "" {
		cfg.Storage.LocalPath = f.output
	}
	if f.isSet("verbose") {
		cfg.Ingest.Verbose = f.verbose
	}
	if f.isSet("strict") {
		cfg.Schema.Strict = f.strict
	}
	if f.arity != "" {
		cfg.Ingest.Arity = f.arity
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	metrics.Init(logger.Get("metrics"))

	classes, err := config.ParseMessageClasses(cfg.Schema.Classes)
	if err != nil {
		return nil, nil, nil, err
	}
	arity, err := ingest.ParseArityPolicy(cfg.Ingest.Arity)
	if err != nil {
		return nil, nil, nil, err
	}

	workspace, err := storage.NewLocalBackend(cfg.Schema.WorkDir, logger.Get("workspace"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("workspace: %w", err)
	}
	artifacts, err := storage.New(cfg.StorageOptions(), logger.Get("storage"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: %w", err)
	}

	sess, err := session.New(session.Options{
		Classes:      classes,
		Strict:       cfg.Schema.Strict,
		Arity:        arity,
		MaxWarnings:  cfg.Ingest.MaxWarnings,
		Verbose:      cfg.Ingest.Verbose,
		TraceFile:    cfg.Ingest.TraceFile,
		SeriesPrefix: cfg.Series.Prefix,
		Compression:  cfg.Export.Compression,
		Concurrency:  cfg.Series.Concurrency,
	}, workspace, artifacts, logger.Get("session"))
	if err != nil {
		artifacts.Close()
		return nil, nil, nil, err
	}

	report, err := sess.LoadFiles(ctx, f.logPath, f.dataPath)
	if err != nil {
		artifacts.Close()
		return nil, nil, nil, err
	}
	for _, w := range report.Warnings {
		log.Warn().Str("source", report.Source).Msg(w)
	}
	log.Info().
		Str("session", sess.ID()).
		Int("records", report.Records).
		Int("skipped", report.Skipped()).
		Msg("Log loaded")

	return cfg, sess, artifacts, nil
}

func runInfo(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("info", stderr)
	if err := f.parse(args); err != nil {
		return err
	}
	_, sess, artifacts, err := f.load(ctx)
	if err != nil {
		return err
	}
	defer artifacts.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sess.Info())
}

func runMessages(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("messages", stderr)
	query := f.fs.String("q", "", "Case-insensitive substring to search for")
	if err := f.parse(args); err != nil {
		return err
	}
	_, sess, artifacts, err := f.load(ctx)
	if err != nil {
		return err
	}
	defer artifacts.Close()

	names, err := sess.SearchMessages(*query)
	if err != nil {
		return err
	}
	for _, n := range names {
		mt, err := sess.MessageType(n)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\n", mt.Name(), strings.Join(mt.Fields(), ","))
	}
	return nil
}

func runSeries(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("series", stderr)
	vehicle := f.fs.Int("vehicle", 0, "Vehicle id")
	message := f.fs.String("message", "", "Message name")
	field := f.fs.String("field", "", "Field name (all fields when empty)")
	if err := f.parse(args); err != nil {
		return err
	}
	if !f.isSet("vehicle") || *message == "" {
		return usageError("-vehicle and -message are required")
	}

	cfg, sess, artifacts, err := f.load(ctx)
	if err != nil {
		return err
	}
	defer artifacts.Close()

	if *field != "" {
		vals, err := sess.Series(ctx, *vehicle, *message, *field)
		if err != nil {
			return err
		}
		printSeries(stdout, artifacts, cfg.Series.Prefix, *message, *field, len(vals))
		return nil
	}

	all, err := sess.MessageSeries(ctx, *vehicle, *message)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		printSeries(stdout, artifacts, cfg.Series.Prefix, *message, n, len(all[n]))
	}
	return nil
}

func printSeries(w io.Writer, b storage.Backend, prefix, message, field string, n int) {
	fmt.Fprintf(w, "%s\t%d\t%s\n", field, n, storage.Location(b, series.ArtifactPath(prefix, message, field)))
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("export", stderr)
	vehicle := f.fs.Int("vehicle", 0, "Vehicle id")
	message := f.fs.String("message", "", "Message name")
	if err := f.parse(args); err != nil {
		return err
	}
	if !f.isSet("vehicle") || *message == "" {
		return usageError("-vehicle and -message are required")
	}

	_, sess, artifacts, err := f.load(ctx)
	if err != nil {
		return err
	}
	defer artifacts.Close()

	loc, err := sess.ExportTable(ctx, *vehicle, *message)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, loc)
	return nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	f := newFlags("serve", stderr)
	addr := f.fs.String("addr", "", "Listen address override (host:port)")
	if err := f.parse(args); err != nil {
		return err
	}

	cfg, sess, artifacts, err := f.load(ctx)
	if err != nil {
		return err
	}

	listen := cfg.Server.Addr()
	if *addr != "" {
		listen = *addr
	}

	server := api.NewServer(&api.ServerConfig{
		Addr:         listen,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  api.DefaultServerConfig().IdleTimeout,
	}, logger.Get("api"))
	server.RegisterRoutes()
	api.NewQueryHandler(sess, logger.Get("query-api")).RegisterRoutes(server.GetApp())

	coordinator := shutdown.New(cfg.Server.ShutdownTimeout, logger.Get("shutdown"))
	coordinator.RegisterHook("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
	coordinator.Register("session", sess, shutdown.PrioritySession)
	coordinator.Register("storage", artifacts, shutdown.PriorityStorage)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serveErr <- err
			coordinator.TriggerShutdown()
		}
	}()

	log.Info().
		Str("addr", listen).
		Str("version", Version).
		Str("session", sess.ID()).
		Msg("pprzlog is ready")

	sig := coordinator.WaitForSignal(ctx)
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := coordinator.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	log.Info().Msg("pprzlog shutdown complete")
	return nil
}
