package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	backend "github.com/redis/go-redis/v9"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/dispatch"
	"github.com/goliatone/go-statecontract/fsm"
	"github.com/goliatone/go-statecontract/host"
	"github.com/goliatone/go-statecontract/lease"
	"github.com/goliatone/go-statecontract/metrics"
	"github.com/goliatone/go-statecontract/store"
)

type RunCmd struct {
	Config string `type:"existingfile" env:"FSM_CONFIG" help:"Host configuration YAML file."`
}

// command is one JSON line read by `fsmctl run`.
type command struct {
	Op            string         `json:"op"`
	ID            string         `json:"id"`
	Trigger       string         `json:"trigger,omitempty"`
	ExpectedState string         `json:"expected_state,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// reply is the JSON line written for each command.
type reply struct {
	Op      string         `json:"op"`
	ID      string         `json:"id,omitempty"`
	OK      bool           `json:"ok"`
	State   string         `json:"state,omitempty"`
	Path    []string       `json:"path,omitempty"`
	Version int            `json:"version,omitempty"`
	Epoch   int64          `json:"epoch,omitempty"`
	Intents int            `json:"intents,omitempty"`
	Fired   int            `json:"fired,omitempty"`
	Blocked bool           `json:"blocked,omitempty"`
	Error   map[string]any `json:"error,omitempty"`
}

// daemon is the wired host with everything it needs to shut down.
type daemon struct {
	host       *host.Host
	dispatcher *dispatch.Dispatcher
	worker     *dispatch.OutboxWorker
	scheduler  *host.TimeoutScheduler
	server     *http.Server
	logger     sc.Logger
	closers    []func() error
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, err := loadHostConfig(c.Config)
	if err != nil {
		return err
	}
	rt, err := buildDaemon(g.Ctx, cfg, g.Logger)
	if err != nil {
		return err
	}
	serveErr := rt.serve(g.Ctx, g.Stdin, g.Stdout)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, rt.shutdown(stopCtx))
}

func buildDaemon(ctx context.Context, cfg HostConfig, logger sc.Logger) (*daemon, error) {
	rt := &daemon{logger: logger}

	def, err := loadDefinition(cfg.Contract)
	if err != nil {
		return nil, err
	}
	engine, err := fsm.NewEngine(def, fsm.WithCollapseInternalTriggers(cfg.Collapse))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewRecorder(reg)

	executors := dispatch.NewRegistry()
	logExec := dispatch.NewLogExecutor(logger)
	executors.SetFallback(logExec)
	if err := executors.Register(sc.TargetLog, logExec); err != nil {
		return nil, err
	}
	if err := executors.Register(sc.TargetMetrics, metrics.NewIntentExecutor(reg)); err != nil {
		return nil, err
	}
	rt.dispatcher = dispatch.New(executors, cfg.Workers,
		dispatch.WithLogger(logger),
		dispatch.WithRecorder(recorder),
	)
	rt.closers = append(rt.closers, func() error { rt.dispatcher.Close(); return nil })

	var client *backend.Client
	if cfg.RedisAddr != "" {
		client = backend.NewClient(&backend.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			rt.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		rt.closers = append(rt.closers, client.Close)
	}

	snapshots, err := rt.openStore(cfg, client)
	if err != nil {
		rt.close()
		return nil, err
	}

	var coordinator lease.Coordinator = lease.NewMemory()
	if client != nil {
		coordinator = lease.NewRedis(client)
	}

	opts := []host.Option{
		host.WithLogger(logger),
		host.WithRecorder(recorder),
		host.WithOwner(cfg.Owner),
		host.WithLeaseTTL(cfg.LeaseTTL),
		host.WithRetainTerminal(cfg.Retain),
	}
	outbox, hasOutbox := snapshots.(store.Outbox)
	if !hasOutbox {
		opts = append(opts, host.WithSink(rt.dispatcher))
	}
	rt.host, err = host.New(engine, snapshots, coordinator, opts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.dispatcher.SetTriggerSink(rt.host)

	if hasOutbox {
		rt.worker = dispatch.NewOutboxWorker(outbox, rt.dispatcher,
			dispatch.WithWorkerID(rt.host.Owner()),
			dispatch.WithWorkerLogger(logger),
			dispatch.WithPollInterval(250*time.Millisecond),
			dispatch.WithBackoff(dispatch.ExponentialBackoff{Base: 500 * time.Millisecond, Factor: 2, Max: 30 * time.Second}),
		)
		go func() {
			if err := rt.worker.Run(ctx); err != nil {
				logger.Error("outbox worker: %v", err)
			}
		}()
	}

	rt.scheduler = host.NewTimeoutScheduler(rt.host, cfg.SweepEvery)
	if err := rt.scheduler.Start(ctx); err != nil {
		rt.close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		rt.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	logger.Info("host ready machine=%s store=%s owner=%s", engine.Machine().ID(), cfg.Store.Driver, rt.host.Owner())
	return rt, nil
}

func (rt *daemon) openStore(cfg HostConfig, client *backend.Client) (store.SnapshotStore, error) {
	var opts []store.Option
	if cfg.Store.Table != "" {
		opts = append(opts, store.WithTable(cfg.Store.Table))
	}
	if cfg.Store.Prefix != "" {
		opts = append(opts, store.WithKeyPrefix(cfg.Store.Prefix))
	}

	switch cfg.Store.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		return store.NewSQLite(db, opts...), nil
	case "bolt":
		db, err := store.OpenBolt(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		return db, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("store driver redis requires redis_addr")
		}
		return store.NewRedis(client, opts...), nil
	default:
		return store.NewMemory(opts...), nil
	}
}

// serve handles JSON line commands until EOF or ctx is done.
func (rt *daemon) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := enc.Encode(rt.handle(ctx, []byte(line))); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	return scanner.Err()
}

func (rt *daemon) handle(ctx context.Context, line []byte) reply {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return reply{Op: "invalid", Error: errorFields(fmt.Errorf("decode command: %w", err))}
	}
	out := reply{Op: cmd.Op, ID: cmd.ID}
	fields, err := sc.Flatten(cmd.Fields)
	if err != nil {
		out.Error = errorFields(err)
		return out
	}

	var res *host.Result
	switch cmd.Op {
	case "begin":
		res, err = rt.host.Begin(ctx, cmd.ID, fields)
	case "submit":
		res, err = rt.host.Submit(ctx, host.SubmitRequest{
			EntityID:      cmd.ID,
			Trigger:       cmd.Trigger,
			Fields:        fields,
			ExpectedState: cmd.ExpectedState,
		})
	case "claim":
		var l lease.Lease
		if l, err = rt.host.Claim(ctx, cmd.ID); err == nil {
			out.Epoch = l.Epoch
		}
	case "release":
		err = rt.host.Release(ctx, cmd.ID)
	case "load":
		var inst *fsm.Instance
		if inst, err = rt.host.Load(ctx, cmd.ID); err == nil {
			out.State = inst.State
			out.Version = inst.Version
			out.Epoch = inst.Epoch
		}
	case "sweep":
		out.Fired, err = rt.host.SweepTimeouts(ctx)
	case "drain":
		if rt.worker != nil {
			var report dispatch.Report
			report, err = rt.worker.RunOnce(ctx)
			out.Intents = report.Completed
		}
	default:
		err = fmt.Errorf("unknown op %q", cmd.Op)
	}

	if res != nil {
		out.State = res.State
		out.Path = res.Path
		out.Version = res.Version
		out.Intents = len(res.Intents)
		out.Blocked = res.Blocked
	}
	out.OK = err == nil
	out.Error = errorFields(err)
	return out
}

// shutdown stops background work and flushes the outbox once more.
func (rt *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if rt.scheduler != nil {
		errs = append(errs, rt.scheduler.Stop(ctx))
	}
	if rt.worker != nil {
		errs = append(errs, rt.worker.Stop(ctx))
		for {
			report, err := rt.worker.RunOnce(ctx)
			if err != nil {
				errs = append(errs, err)
			}
			if err != nil || report.Claimed == 0 {
				break
			}
		}
	}
	if rt.server != nil {
		errs = append(errs, rt.server.Shutdown(ctx))
	}
	errs = append(errs, rt.close())
	rt.logger.Info("host stopped")
	return errors.Join(errs...)
}

func (rt *daemon) close() error {
	var errs []error
	for idx := len(rt.closers) - 1; idx >= 0; idx-- {
		errs = append(errs, rt.closers[idx]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
