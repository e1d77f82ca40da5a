// Command crucible runs the competitive design pipeline: start a design
// from a prompt, resume one suspended at the approval gate, or serve the
// HTTP/SSE API.
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
	"syscall"

	"go.uber.org/zap"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
	"github.com/danshapiro/crucible/internal/pipeline"
	"github.com/danshapiro/crucible/internal/ports"
	"github.com/danshapiro/crucible/internal/server"
	"github.com/danshapiro/crucible/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "resume":
		err = cmdResume(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  crucible run    -config <file> -prompt <text> [-data <dir>]
  crucible resume -config <file> -design <id> [-approve|-reject] [-feedback <text>] [-data <dir>]
  crucible serve  -config <file> [-addr <host:port>] [-data <dir>]`)
}

type env struct {
	cfg    pipeline.Config
	client *llm.Client
	collab pipeline.Collaborators
	store  store.Store
	ckpt   graph.Checkpointer[pipeline.State]
	log    *zap.Logger
}

func buildEnv(configPath, dataDir string) (*env, error) {
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	st, err := store.NewFileStore(filepath.Join(dataDir, "designs"))
	if err != nil {
		return nil, err
	}
	ckpt := graph.NewFileCheckpointer[pipeline.State](filepath.Join(dataDir, "checkpoints"))

	adapter := llm.NewOpenAIAdapter(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"))
	client := llm.NewClient(adapter, cfg.LLMTimeout)

	collab := pipeline.Collaborators{
		Sandbox:  &ports.SimulatedSandbox{},
		Analyzer: &ports.SimulatedAnalyzer{},
		DFM:      &ports.SimulatedDFM{},
		FEA:      &ports.SimulatedFEA{},
		Renderer: &ports.GlobRenderer{},
		Vault:    &ports.MemoryVault{},
	}
	return &env{cfg: cfg, client: client, collab: collab, store: st, ckpt: ckpt, log: log}, nil
}

// stdoutEmitter prints each pipeline event as one line.
type stdoutEmitter struct{}

func (stdoutEmitter) Emit(ev graph.Event) {
	fmt.Printf("%s  %s  %v\n", ev.At.Format("15:04:05"), ev.Type, ev.Data)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "pipeline config file")
	prompt := fs.String("prompt", "", "design request")
	dataDir := fs.String("data", "data", "state directory")
	_ = fs.Parse(args)
	if *prompt == "" {
		return errors.New("-prompt is required")
	}

	e, err := buildEnv(*configPath, *dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	pipe, err := pipeline.New(e.cfg, e.client, e.collab, e.store, e.ckpt, pipeline.Options{
		Emitter: stdoutEmitter{},
		Logger:  e.log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := pipe.Run(ctx, *prompt)
	if errors.Is(err, graph.ErrInterrupted) {
		fmt.Printf("design %s is awaiting approval; resume with:\n", final.Record.ID)
		fmt.Printf("  crucible resume -design %s -approve\n", final.Record.ID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("design %s finished: %s\n", final.Record.ID, final.Record.Status)
	return nil
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "pipeline config file")
	design := fs.String("design", "", "design id")
	approve := fs.Bool("approve", false, "approve the winner")
	reject := fs.Bool("reject", false, "reject the winner")
	feedback := fs.String("feedback", "", "reviewer feedback")
	dataDir := fs.String("data", "data", "state directory")
	_ = fs.Parse(args)
	if *design == "" {
		return errors.New("-design is required")
	}
	if *approve == *reject {
		return errors.New("pass exactly one of -approve or -reject")
	}

	e, err := buildEnv(*configPath, *dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	pipe, err := pipeline.New(e.cfg, e.client, e.collab, e.store, e.ckpt, pipeline.Options{
		Emitter: stdoutEmitter{},
		Logger:  e.log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := pipe.Resume(ctx, *design, map[string]any{
		"approved": *approve,
		"feedback": *feedback,
	})
	if err != nil {
		return err
	}
	fmt.Printf("design %s finished: %s\n", final.Record.ID, final.Record.Status)
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "pipeline config file")
	addr := fs.String("addr", ":8080", "listen address")
	dataDir := fs.String("data", "data", "state directory")
	_ = fs.Parse(args)

	e, err := buildEnv(*configPath, *dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	srv := server.New(server.Deps{
		Config:       e.cfg,
		Client:       e.client,
		Collab:       e.collab,
		Store:        e.store,
		Checkpointer: e.ckpt,
	}, e.log)

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()

	e.log.Info("serving", zap.String("addr", *addr), zap.String("config", e.cfg.String()))
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
