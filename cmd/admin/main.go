// The admin binary is the scheduling control plane: it stores job and
// group definitions, fires cron triggers, dispatches them to executors,
// applies execution callbacks and watches for failed or lost runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobrig/internal/admin/alarm"
	"jobrig/internal/admin/complete"
	"jobrig/internal/admin/monitor"
	"jobrig/internal/admin/registry"
	"jobrig/internal/admin/schedule"
	"jobrig/internal/admin/server"
	"jobrig/internal/admin/trigger"
	"jobrig/internal/api"
	"jobrig/internal/config"
	"jobrig/internal/eventbus"
	"jobrig/internal/metrics"
	"jobrig/internal/route"
	"jobrig/internal/runtime/supervisor"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

const defaultBind = ":7070"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "admin:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	mgr := config.NewManager(*configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	if cfg.Admin == nil {
		return errors.New("config has no admin section")
	}
	ac := cfg.Admin

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()
	mgr.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busyTimeout, err := config.ParseDurationOrDefault("admin.store.busy_timeout", ac.Store.BusyTimeout, 0)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Driver:      ac.Store.Driver,
		Path:        ac.Store.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if ac.JobsPath != "" {
		if err := store.LoadSeed(ctx, ac.JobsPath, st); err != nil {
			return fmt.Errorf("load job definitions: %w", err)
		}
	}

	trigCfg, err := triggerConfig(ac.TriggerPool)
	if err != nil {
		return err
	}
	lostJobAfter, err := config.ParseDurationOrDefault("admin.lost_job_after", ac.LostJobAfter, 0)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	collector := metrics.NewCollector()
	clients := api.NewExecutorClientFactory(ac.AccessToken, trigCfg.RPCTimeout)
	routes := route.NewRegistry(clients)

	dispatcher := trigger.New(trigCfg, st, routes, clients, bus, log)
	completer := complete.New(st, dispatcher, bus, log)
	registrar := registry.New(st, log)

	channels, err := alarmChannels(ac.Alarm)
	if err != nil {
		return err
	}
	alarms := alarm.NewCoordinator(bus, log, channels...)
	mon := monitor.New(st, dispatcher, alarms, log, monitor.WithLostJobAfter(lostJobAfter))
	sched := schedule.New(st, dispatcher, log)

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sup.Go0("metrics.observe", collector.Attach(bus))
	sup.GoRestart("config.watch", mgr.Watch)
	sup.GoRestart("registry.sweep", registrar.Run)
	sup.GoRestart("monitor.failscan", mon.RunFailScan)
	sup.GoRestart("monitor.lostsweep", mon.RunLostSweep)
	sup.GoRestart("schedule.refresh", sched.Run)
	sup.Go0("config.apply", func(ctx context.Context) {
		applyReloads(ctx, mgr, logSvc, st, log)
	})

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	bind := ac.Bind
	if bind == "" {
		bind = defaultBind
	}
	rpc := server.New(completer, registrar, ac.AccessToken, log,
		server.WithMetrics(collector.Handler()))
	httpSrv := &http.Server{Addr: bind, Handler: rpc.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("admin started", logx.String("bind", bind))

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		stop()
		log.Error("http server failed", logx.Err(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	_ = dispatcher.Stop(shutdownCtx)
	_ = sup.Stop(shutdownCtx)
	log.Info("admin stopped")
	return nil
}

func triggerConfig(tp config.TriggerPoolConfig) (trigger.Config, error) {
	slowRPC, err := config.ParseDurationOrDefault("admin.trigger_pool.slow_rpc_threshold", tp.SlowRPCThreshold, 0)
	if err != nil {
		return trigger.Config{}, err
	}
	rpcTimeout, err := config.ParseDurationOrDefault("admin.trigger_pool.rpc_timeout", tp.RPCTimeout, 0)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		FastWorkers:        tp.FastWorkers,
		FastQueue:          tp.FastQueue,
		SlowWorkers:        tp.SlowWorkers,
		SlowQueue:          tp.SlowQueue,
		SlowRPCThreshold:   slowRPC,
		SlowCountThreshold: tp.SlowCountThreshold,
		RPCTimeout:         rpcTimeout,
	}, nil
}

func alarmChannels(ac config.AlarmConfig) ([]alarm.Channel, error) {
	var channels []alarm.Channel
	if ec := ac.Email; ec != nil && ec.Enabled {
		mailer := &alarm.SMTPMailer{
			Addr:     ec.SMTPAddr,
			Username: ec.Username,
			Password: ec.Password,
			From:     ec.From,
		}
		channels = append(channels, alarm.NewEmailChannel(mailer, ec.To))
	}
	if tc := ac.Telegram; tc != nil && tc.Enabled {
		ch, err := alarm.NewTelegramChannel(tc.Token, tc.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram alarm channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// applyReloads pushes config file changes into the services that support
// live reconfiguration: log level/sinks and the job seed file.
func applyReloads(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, st store.Store, log logx.Logger) {
	updates := mgr.Subscribe(4)
	defer mgr.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			if cfg.Admin != nil && cfg.Admin.JobsPath != "" {
				if err := store.LoadSeed(ctx, cfg.Admin.JobsPath, st); err != nil {
					log.Error("reload job definitions", logx.Err(err))
				}
			}
		}
	}
}
