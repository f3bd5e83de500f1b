// Command conduit is a small CLI over the Conduit runtime: one-shot
// queries, streaming, and prompt batches against any configured provider,
// with optional response caching and conversation persistence.
//
// Usage:
//
//	conduit -model gpt-4o-mini "explain UTF-8 in one paragraph"
//	conduit -stream -model sonar "latest Go release notes"
//	conduit -batch prompts.txt -concurrency 4
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	conduit "github.com/conduitdev/conduit"
	cachesqlite "github.com/conduitdev/conduit/cache/sqlite"
	"github.com/conduitdev/conduit/config"
	"github.com/conduitdev/conduit/observer"
	"github.com/conduitdev/conduit/provider/resolve"
	reposqlite "github.com/conduitdev/conduit/repository/sqlite"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[conduit] ")

	var (
		configPath  = flag.String("config", "", "path to conduit.toml")
		model       = flag.String("model", "", "model name or alias")
		project     = flag.String("project", "", "project name for cache and history partitioning")
		stream      = flag.Bool("stream", false, "stream the reply to stdout")
		batchPath   = flag.String("batch", "", "file with one prompt per line")
		concurrency = flag.Int("concurrency", 4, "max concurrent batch requests")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if err := config.LoadEnvFiles(); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg := config.Load(*configPath)
	if *model != "" {
		cfg.Model = *model
	}
	if *project != "" {
		cfg.Project = *project
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	clientOpts := []conduit.ClientOption{conduit.WithLogger(logger)}
	var odo *conduit.Odometer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for m, p := range cfg.Observer.Pricing {
			pricing[m] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		odo = conduit.NewOdometer(logger, observer.NewMetricSink(inst))
		clientOpts = append(clientOpts,
			conduit.WithTracer(observer.NewTracer()),
			conduit.WithOdometer(odo))
	}

	registry, err := conduit.NewModelRegistry()
	if err != nil {
		log.Fatalf("model registry: %v", err)
	}

	resolveOpts := []resolve.Option{resolve.WithLogger(logger)}
	for _, p := range cfg.Providers {
		resolveOpts = append(resolveOpts, resolve.WithBaseURL(p.Name, p.BaseURL))
	}
	factory := resolve.Factory(config.EnvSecrets{}, resolveOpts...)

	opts := conduit.Options{
		ProjectName: cfg.Project,
		Console:     conduit.NewWriterConsole(os.Stderr, conduit.VerbosityProgress),
	}
	if cfg.Cache.Backend == "sqlite" && cfg.Cache.Path != "" {
		cache, err := cachesqlite.Open(ctx, cfg.Cache.Path, cfg.Project)
		if err != nil {
			log.Fatalf("open cache: %v", err)
		}
		defer cache.Close()
		opts.Cache = cache
	}
	if cfg.Repository.Backend == "sqlite" && cfg.Repository.Path != "" {
		repo, err := reposqlite.Open(ctx, cfg.Repository.Path, cfg.Project)
		if err != nil {
			log.Fatalf("open repository: %v", err)
		}
		defer repo.Close()
		opts.Repository = repo
	}
	clientOpts = append(clientOpts, conduit.WithDefaults(opts))

	client := conduit.New(registry, factory, clientOpts...)
	if odo != nil {
		defer odo.Close()
	}

	params := conduit.Params{Model: cfg.Model}

	switch {
	case *batchPath != "":
		runBatch(ctx, client, *batchPath, params, *concurrency)
	case *stream:
		runStream(ctx, client, promptFromArgs(), params)
	default:
		runQuery(ctx, client, promptFromArgs(), params)
	}
}

func promptFromArgs() string {
	if flag.NArg() > 0 {
		return strings.Join(flag.Args(), " ")
	}
	data, err := bufio.NewReader(os.Stdin).ReadString(0)
	if err != nil && data == "" {
		log.Fatal("no prompt: pass it as arguments or on stdin")
	}
	return strings.TrimSpace(data)
}

func runQuery(ctx context.Context, client *conduit.Client, prompt string, params conduit.Params) {
	resp, err := client.Query(ctx, prompt, params, nil)
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	fmt.Println(conduit.TextOf(resp.Message))
}

func runStream(ctx context.Context, client *conduit.Client, prompt string, params conduit.Params) {
	handle, err := client.Stream(ctx, prompt, params, nil)
	if err != nil {
		log.Fatalf("stream: %v", err)
	}
	defer handle.Close()
	for chunk := range handle.Chunks() {
		fmt.Print(chunk.Text)
	}
	fmt.Println()
	if _, err := handle.Response(); err != nil {
		log.Fatalf("stream: %v", err)
	}
}

func runBatch(ctx context.Context, client *conduit.Client, path string, params conduit.Params, concurrency int) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read batch file: %v", err)
	}
	var prompts []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			prompts = append(prompts, line)
		}
	}
	if len(prompts) == 0 {
		log.Fatal("batch file has no prompts")
	}

	results := client.Batch(ctx, prompts, params, nil, concurrency)
	failed := 0
	for i, res := range results {
		fmt.Printf("--- [%d/%d] %s\n", i+1, len(prompts), prompts[i])
		if res.Err != nil {
			failed++
			fmt.Printf("error: %v\n", res.Err)
			continue
		}
		fmt.Println(conduit.TextOf(res.Response.Message))
	}
	if failed > 0 {
		log.Fatalf("%d of %d prompts failed", failed, len(prompts))
	}
}
