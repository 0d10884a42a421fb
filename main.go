package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sevlyar/go-daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"remediation-agent/adapter"
	"remediation-agent/catalog"
	"remediation-agent/config"
	"remediation-agent/controller"
	"remediation-agent/detector"
	"remediation-agent/monitoring"
	"remediation-agent/profile"
	"remediation-agent/recorder"
	"remediation-agent/validator"
)

type Agent struct {
	controller *controller.Controller
	detector   *detector.Detector
	recorder   *recorder.FileRecorder
	ctx        context.Context
	cancel     context.CancelFunc
	stopped    chan struct{}
}

var (
	daemonContext *daemon.Context
	agent         *Agent
)

func NewAgent(cfg config.Config, reg prometheus.Registerer) (*Agent, error) {
	log.Debug("agent init")
	gpu := &monitoring.GpuMemoryCollector{}
	det := detector.New(
		monitoring.NewCpuMemoryCollector(cfg.SampleWindow),
		gpu,
		&monitoring.QualityFileCollector{Path: cfg.QualityPath},
	)
	det.Start()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StepTimeout)
	machine := profile.Detect(ctx, profile.DefaultProbes(gpu), cfg.NetworkBandwidthMbps)
	cancel()

	cat, err := catalog.Load(cfg.KnowledgeBasePath, cfg.AcceptanceThreshold)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnf("knowledge base %s not found, every issue will require manual action", cfg.KnowledgeBasePath)
		cat = catalog.New(nil, cfg.AcceptanceThreshold)
	} else if err != nil {
		det.Stop()
		return nil, err
	}

	running, err := adapter.LoadRunningConfig(cfg.RunningConfigPath)
	if err != nil {
		det.Stop()
		return nil, err
	}
	// the seeded configuration is the first rollback target
	running.MarkKnownGood()

	rec, err := recorder.OpenFile(cfg.OutcomeLogPath)
	if err != nil {
		det.Stop()
		return nil, err
	}

	ctrl := controller.New(controller.Deps{
		Profile:   machine,
		Detector:  det,
		Catalog:   cat,
		Config:    running,
		Validator: validator.New(running, nil),
		Recorder:  rec,
		Metrics:   controller.NewMetrics(reg),
	}, controller.Options{
		PollInterval:           cfg.PollInterval,
		ErrorBackoff:           cfg.ErrorBackoff,
		MaxErrorBackoff:        cfg.MaxErrorBackoff,
		FailureThreshold:       cfg.FailureThreshold,
		StepTimeout:            cfg.StepTimeout,
		MeasureDelay:           cfg.MeasureDelay,
		RevertThresholdPercent: cfg.RevertThresholdPercent,
		HistorySize:            cfg.HistorySize,
		StatusPath:             cfg.StatusPath,
	})

	runCtx, stop := context.WithCancel(context.Background())
	return &Agent{
		controller: ctrl,
		detector:   det,
		recorder:   rec,
		ctx:        runCtx,
		cancel:     stop,
		stopped:    make(chan struct{}),
	}, nil
}

func (a *Agent) Worker() {
	log.Debug("agent start")
	defer close(a.stopped)
	if err := a.controller.Run(a.ctx); err != nil {
		log.Errorf("controller exited: %v", err)
	}
}

func (a *Agent) Stop() {
	log.Debug("agent stop")
	a.cancel()
	<-a.stopped
	a.detector.Stop()
	if err := a.recorder.Close(); err != nil {
		log.Warnf("closing outcome log: %v", err)
	}
	log.Debug("agent stopped")
}

func termHandler(sig os.Signal) error {
	log.Infof("signal by %v ...", sig)
	if agent != nil {
		agent.Stop()
	}
	if daemonContext != nil {
		daemonContext.Release()
		log.Info("daemon stopped")
	}
	return daemon.ErrStop
}

func flushHandler(sig os.Signal) error {
	log.Infof("manually flush by %v", sig)
	if agent != nil {
		agent.controller.Flush()
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Infof("serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("metrics server: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		debug        bool
		isForeground bool
		overrides    config.Config
	)

	cmd := &cobra.Command{
		Use:   "remediation-agent",
		Short: "Autonomous remediation controller for ML hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFormatter(&log.TextFormatter{})
			if debug {
				log.SetLevel(log.DebugLevel)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("poll-interval") {
				cfg.PollInterval = overrides.PollInterval
			}
			if flags.Changed("knowledge-base") {
				cfg.KnowledgeBasePath = overrides.KnowledgeBasePath
			}
			if flags.Changed("running-config") {
				cfg.RunningConfigPath = overrides.RunningConfigPath
			}
			if flags.Changed("outcome-log") {
				cfg.OutcomeLogPath = overrides.OutcomeLogPath
			}
			if flags.Changed("status-path") {
				cfg.StatusPath = overrides.StatusPath
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = overrides.MetricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			daemonContext = &daemon.Context{
				PidFileName: "remediation-agent.pid",
				PidFilePerm: 0644,
				LogFileName: "remediation-agent.log",
				LogFilePerm: 0640,
				WorkDir:     "./",
				Umask:       027,
				Args:        os.Args,
			}

			// Demonize the agent
			if !isForeground {
				d, err := daemonContext.Reborn()
				if err != nil {
					log.Fatal("Unable to run: ", err)
				}
				if d != nil {
					// Parent process
					return nil
				}
				defer daemonContext.Release()
				log.Info("daemon started")
			} else {
				daemonContext = nil
			}

			daemon.SetSigHandler(flushHandler, syscall.SIGHUP)
			daemon.SetSigHandler(termHandler, syscall.SIGTERM)
			daemon.SetSigHandler(termHandler, syscall.SIGQUIT)
			daemon.SetSigHandler(termHandler, syscall.SIGINT)

			log.Debugf("config: %+v", cfg)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			agent, err = NewAgent(cfg, reg)
			if err != nil {
				return err
			}
			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr, reg)
			}

			// Run the controller loop as worker thread
			go agent.Worker()

			return daemon.ServeSignals()
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path of the agent configuration file")
	f.BoolVar(&debug, "debug", false, "Enable debug mode")
	f.BoolVarP(&isForeground, "foreground", "D", false, "Run the agent in foreground")
	f.DurationVar(&overrides.PollInterval, "poll-interval", 10*time.Second, "Interval between control cycles")
	f.StringVar(&overrides.KnowledgeBasePath, "knowledge-base", "", "Path of the solutions knowledge base")
	f.StringVar(&overrides.RunningConfigPath, "running-config", "", "Path of the remediation configuration seed")
	f.StringVar(&overrides.OutcomeLogPath, "outcome-log", "", "Path of the append-only outcome log")
	f.StringVar(&overrides.StatusPath, "status-path", "", "Path of the status snapshot written on SIGHUP")
	f.StringVar(&overrides.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("Error: %s", err.Error())
		os.Exit(1)
	}
}
