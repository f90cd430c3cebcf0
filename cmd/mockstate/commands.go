package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	mockstate "github.com/goliatone/go-mockstate"
	"github.com/goliatone/go-mockstate/api"
	"github.com/goliatone/go-mockstate/config"
	"github.com/goliatone/go-mockstate/disposition"
	"github.com/goliatone/go-mockstate/logging"
	"github.com/goliatone/go-mockstate/scenario"
)

type validateCmd struct {
	Files []string `arg:"" type:"existingfile" help:"Bundle files (YAML or JSON)."`
}

func (c *validateCmd) Run(rc *runContext) error {
	failed := 0
	for _, path := range c.Files {
		report, err := checkBundle(path)
		if err != nil {
			failed++
			fmt.Fprintf(rc.stdout, "FAIL %s: %v\n", path, err)
			continue
		}
		for _, skipped := range report.Skipped {
			fmt.Fprintf(rc.stdout, "FAIL %s: %s: %s\n", path, skipped.ResourceType, skipped.Reason)
		}
		if len(report.Skipped) > 0 {
			failed++
			continue
		}
		fmt.Fprintf(rc.stdout, "ok   %s: %d state machines\n", path, len(report.Imported))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d bundles invalid", failed, len(c.Files))
	}
	return nil
}

func checkBundle(path string) (*scenario.ImportReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := scenario.ParseBundle(raw)
	if err != nil {
		return nil, err
	}
	return scenario.NewRegistry().Import(b)
}

type exportCmd struct {
	Config string `short:"c" required:"" type:"existingfile" help:"Engine config file."`
	Format string `short:"f" default:"yaml" enum:"yaml,json" help:"Output format (yaml, json)."`
}

func (c *exportCmd) Run(rc *runContext) error {
	ctx := context.Background()
	engine, err := openEngine(ctx, c.Config, rc.stderr)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	raw, err := scenario.MarshalBundle(engine.Export(), c.Format)
	if err != nil {
		return err
	}
	_, err = rc.stdout.Write(raw)
	return err
}

// scriptedRequest is one entry of a simulate requests file.
type scriptedRequest struct {
	Method  string            `json:"method" yaml:"method"`
	Target  string            `json:"target" yaml:"target"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    any               `json:"body,omitempty" yaml:"body,omitempty"`
	Tags    []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func (s scriptedRequest) toRequest() (*disposition.Request, error) {
	path, query, err := disposition.ParseTarget(s.Target)
	if err != nil {
		return nil, err
	}
	req := &disposition.Request{
		Method:  strings.ToUpper(s.Method),
		Path:    path,
		Query:   query,
		Headers: s.Headers,
		Tags:    s.Tags,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if s.Body != nil {
		raw, err := json.Marshal(s.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body of %s %s: %w", req.Method, s.Target, err)
		}
		req.Body = raw
	}
	return req, nil
}

type simulateCmd struct {
	Config   string `short:"c" required:"" type:"existingfile" help:"Engine config file."`
	Requests string `short:"r" required:"" type:"existingfile" help:"Requests file: a YAML or JSON list of {method, target, headers, body, tags}."`
}

func (c *simulateCmd) Run(rc *runContext) error {
	raw, err := os.ReadFile(c.Requests)
	if err != nil {
		return err
	}
	var script []scriptedRequest
	if err := yaml.Unmarshal(raw, &script); err != nil {
		return fmt.Errorf("parse requests %s: %w", c.Requests, err)
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, c.Config, rc.stderr)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	enc := json.NewEncoder(rc.stdout)
	for i, entry := range script {
		req, err := entry.toRequest()
		if err != nil {
			return fmt.Errorf("requests[%d]: %w", i, err)
		}
		if err := enc.Encode(engine.Handle(ctx, req)); err != nil {
			return err
		}
	}
	return nil
}

type serveCmd struct {
	Config          string        `short:"c" required:"" type:"existingfile" help:"Engine config file."`
	Addr            string        `help:"Listen address, overrides server.addr."`
	ShutdownTimeout time.Duration `default:"10s" help:"Grace period for in-flight requests."`
}

func (c *serveCmd) Run(rc *runContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, c.Config, rc.stderr)
	if err != nil {
		return err
	}
	addr := engine.Config().Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	srv := api.NewServer(addr, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Start(gctx)
	})
	g.Go(func() error {
		engine.Logger().Info("management api listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), engine.Close(shutdownCtx))
	})
	return g.Wait()
}

func openEngine(ctx context.Context, path string, logOut io.Writer) (*mockstate.Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Format, cfg.Logging.Level, logOut)
	if err != nil {
		return nil, err
	}
	return mockstate.New(ctx, cfg, mockstate.WithLogger(logger))
}
