// Package agentctx wires the agent's subsystems together: a single struct
// the CLI layer builds once and starts/stops as a unit, so every subsystem
// is explicit dependency-injected state rather than a package-level global.
package agentctx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"argusagent/internal/channel"
	"argusagent/internal/channel/sink"
	"argusagent/internal/config"
	"argusagent/internal/configwatch"
	"argusagent/internal/eventloop"
	ingressdomain "argusagent/internal/ingress/domain"
	ingresshttp "argusagent/internal/ingress/http"
	"argusagent/internal/modules"
	"argusagent/internal/registry"
	"argusagent/internal/resourcemon"
	modulesched "argusagent/internal/schedule/module"
	"argusagent/internal/schedule/probe"
	"argusagent/internal/schedule/scrape"
	"argusagent/internal/schedule/script"
	"argusagent/internal/sysmetrics"
	"argusagent/internal/tlv"
)

// Context owns every long-lived subsystem the agent runs. Run blocks until
// ctx is cancelled or a subsystem reports a fatal error, then tears
// everything down in reverse dependency order.
type Context struct {
	log *slog.Logger
	cfg config.AgentConfig

	registry *registry.Registry
	channel  *channel.Manager
	loop     *eventloop.Loop

	configWatcher *configwatch.Watcher
	moduleSched   *modulesched.Scheduler
	scriptSched   *script.Scheduler
	scrapeSched   *scrape.Scheduler
	probeSched    *probe.Scheduler
	resourceMon   *resourcemon.Monitor

	httpIngress   *ingresshttp.Server
	domainIngress *ingressdomain.Server

	promReg           *prometheus.Registry
	selfMetricsServer *http.Server
}

// New constructs every subsystem without starting their run loops:
// Listen/Register calls that can fail happen here so construction errors
// surface before Run is called. Registering a sink does start that sink's
// consumer goroutine.
func New(log *slog.Logger, cfg config.AgentConfig) (*Context, error) {
	if log == nil {
		log = slog.Default()
	}

	reg := registry.New()
	ch := channel.New(log)

	if err := registerSinks(ch, cfg.SinksPath, log); err != nil {
		return nil, fmt.Errorf("agentctx: register sinks: %w", err)
	}

	loop, err := eventloop.New(log, eventloop.DefaultPollTimeout)
	if err != nil {
		return nil, fmt.Errorf("agentctx: new event loop: %w", err)
	}

	watcher, err := configwatch.New(reg, log, cfg.ConfigWatchInterval, taskSources(cfg.TaskDir)...)
	if err != nil {
		return nil, fmt.Errorf("agentctx: new config watcher: %w", err)
	}

	collectors := modulesched.Registry{
		"cpu":    modules.NewCPU(),
		"memory": modules.NewMemory(),
		"load":   modules.NewLoad(),
		"disk":   modules.NewDisk(),
	}
	resourceMon := resourcemon.New(cfg.ResourceTopN)

	moduleSched := modulesched.New(log, reg, collectors, ch, resourceMon, cfg.ModuleWorkers)
	scriptSched := script.New(log, reg, ch, resourceMon, cfg.ScriptMaxProcs)
	scrapeSched := scrape.New(log, reg, ch, resourceMon)
	probeSched := probe.New(log, reg, ch, resourceMon, cfg.ProbeWorkers)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(resourceMon, sysmetrics.NewCollector())

	httpIngress := ingresshttp.New(log, loop, ch, outputsFor(cfg.HTTPIngressOutputs), cfg.HTTPIngressMaxConns)
	if err := httpIngress.Listen(cfg.HTTPIngressAddr); err != nil {
		return nil, fmt.Errorf("agentctx: listen http ingress: %w", err)
	}

	domainOutputs := outputsFor(cfg.DomainIngressOutputs)
	domainIngress := ingressdomain.New(log, loop, ch, map[tlv.Type]ingressdomain.ReceiveItem{
		tlv.TypeUTF8JSON: {Name: "domain-json", Outputs: domainOutputs},
		tlv.TypeBinary:   {Name: "domain-prom", Outputs: domainOutputs},
	})
	if err := domainIngress.Listen(cfg.DomainSocketPath, cfg.DomainSocketFallbackPort); err != nil {
		return nil, fmt.Errorf("agentctx: listen domain ingress: %w", err)
	}

	return &Context{
		log:               log.With("component", "agentctx"),
		cfg:               cfg,
		registry:          reg,
		channel:           ch,
		loop:              loop,
		configWatcher:     watcher,
		moduleSched:       moduleSched,
		scriptSched:       scriptSched,
		scrapeSched:       scrapeSched,
		probeSched:        probeSched,
		resourceMon:       resourceMon,
		httpIngress:       httpIngress,
		domainIngress:     domainIngress,
		promReg:           promReg,
		selfMetricsServer: newSelfMetricsServer(cfg.SelfMetricsAddr, promReg),
	}, nil
}

func newSelfMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}

func outputsFor(sinkNames []string) []channel.Output {
	if len(sinkNames) == 0 {
		return nil
	}
	outputs := make([]channel.Output, len(sinkNames))
	for i, name := range sinkNames {
		outputs[i] = channel.Output{SinkName: name}
	}
	return outputs
}

func taskSources(dir string) []configwatch.Source {
	return []configwatch.Source{
		{Family: registry.FamilyModule, Dir: dir, Pattern: "moduleTask*.json", Load: config.LoadModuleTasks},
		{Family: registry.FamilyScript, Dir: dir, Pattern: "scriptTask*.json", Load: config.LoadScriptTasks},
		{Family: registry.FamilyScrape, Dir: dir, Pattern: "exporterTask*.json", Load: config.LoadScrapeTasks},
		{Family: registry.FamilyProbe, Dir: dir, Pattern: "receiveTask*.json", Load: config.LoadProbeTasks},
	}
}

func registerSinks(ch *channel.Manager, path string, log *slog.Logger) error {
	defs, err := config.LoadSinkDefs(path)
	if err != nil {
		return err
	}
	for _, d := range defs {
		factory, ok := sink.Registry[d.Type]
		if !ok {
			return fmt.Errorf("agentctx: sink %q: unknown type %q", d.Name, d.Type)
		}
		s, err := factory(d.Name, d.Params, log)
		if err != nil {
			return fmt.Errorf("agentctx: build sink %q: %w", d.Name, err)
		}
		if err := ch.Register(context.Background(), d.Name, s); err != nil {
			return fmt.Errorf("agentctx: register sink %q: %w", d.Name, err)
		}
	}
	return nil
}

// Run starts every long-lived subsystem and blocks until ctx is cancelled
// or one of them returns a non-nil error, then shuts the rest down.
func (a *Context) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.loop.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.configWatcher.Run(gctx) })
	g.Go(func() error { return a.moduleSched.Run(gctx) })
	g.Go(func() error { return a.scriptSched.Run(gctx) })
	g.Go(func() error { return a.scrapeSched.Run(gctx) })
	g.Go(func() error { return a.probeSched.Run(gctx) })
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- a.selfMetricsServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.selfMetricsServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *Context) close() {
	_ = a.httpIngress.Close()
	_ = a.domainIngress.Close()
	a.loop.Shutdown()
	_ = a.probeSched.Close()
	_ = a.channel.Close()
}

// PrintTop exposes ResourceMonitor's leaderboard for diagnostic CLI output.
func (a *Context) PrintTop(n int) string { return a.resourceMon.PrintTop(n) }
