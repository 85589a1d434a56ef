// The executor binary is the worker runtime: it registers itself with the
// admins, serves trigger RPCs, runs handlers on per-job threads and
// reports results back through the callback channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobrig/internal/api"
	"jobrig/internal/config"
	"jobrig/internal/executor"
	"jobrig/internal/executor/callback"
	"jobrig/internal/executor/glue"
	"jobrig/internal/executor/handler"
	"jobrig/internal/executor/joblog"
	"jobrig/internal/executor/server"
	"jobrig/internal/store"
	"jobrig/pkg/logx"
)

const (
	defaultBind        = ":9999"
	defaultLogPath     = "./data/joblog"
	defaultScriptPath  = "./data/glue"
	defaultBacklogPath = "./data/callback.db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "executor:", err)
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
	if cfg.Executor == nil {
		return errors.New("config has no executor section")
	}
	ec := cfg.Executor
	if ec.AppName == "" {
		return errors.New("executor.app_name is required")
	}
	if len(ec.AdminAddrs) == 0 {
		return errors.New("executor.admin_addrs is required")
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()
	mgr.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bind := ec.Bind
	if bind == "" {
		bind = defaultBind
	}
	advertise, err := advertiseAddr(bind, ec.Advertise)
	if err != nil {
		return err
	}

	logPath := ec.LogPath
	if logPath == "" {
		logPath = defaultLogPath
	}
	logs, err := joblog.New(logPath, log)
	if err != nil {
		return err
	}

	backlogPath := ec.Callback.BacklogPath
	if backlogPath == "" {
		backlogPath = defaultBacklogPath
	}
	backlog, err := store.OpenBacklog(backlogPath)
	if err != nil {
		return err
	}
	defer backlog.Close()

	retry, err := config.ParseDurationOrDefault("executor.callback.retry_interval", ec.Callback.RetryInterval, 0)
	if err != nil {
		return err
	}
	admins := make([]api.AdminClient, 0, len(ec.AdminAddrs))
	for _, addr := range ec.AdminAddrs {
		admins = append(admins, api.NewAdminClient(addr, ec.AccessToken, 10*time.Second))
	}
	callbacks := callback.New(admins, backlog, ec.Callback.QueueSize, retry, log)

	handlers := handler.NewRegistry()
	registerBuiltins(handlers)

	scriptDir := ec.ScriptPath
	if scriptDir == "" {
		scriptDir = defaultScriptPath
	}

	svc := executor.New(executor.Options{
		AppName:   ec.AppName,
		Advertise: advertise,
		Admins:    admins,

		Logs:      logs,
		ScriptDir: scriptDir,
		Handlers:  handlers,
		Glue:      glue.NewFactory(),
		Callbacks: callbacks,

		LogRetentionDays: ec.LogRetentionDays,
		Logger:           log,
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}

	rpc := server.New(svc, ec.AccessToken, log)
	httpSrv := &http.Server{Addr: bind, Handler: rpc.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("executor started",
		logx.String("app_name", ec.AppName),
		logx.String("bind", bind),
		logx.String("advertise", advertise))

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
	_ = svc.Stop(shutdownCtx)
	log.Info("executor stopped")
	return nil
}

// registerBuiltins installs the handlers shipped with the binary. Real
// deployments add their own before Start.
func registerBuiltins(r *handler.Registry) {
	r.RegisterFunc("echo", func(_ context.Context, jc handler.Context) handler.Result {
		jc.Log("echo: %s", jc.Param)
		return handler.OKMsg(jc.Param)
	})
}

// advertiseAddr resolves the address registered with the admins. An
// explicit advertise wins; a bind without a host falls back to the
// outbound interface address.
func advertiseAddr(bind, advertise string) (string, error) {
	if advertise != "" {
		return advertise, nil
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "", fmt.Errorf("parse bind address %q: %w", bind, err)
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return bind, nil
	}
	conn, err := net.Dial("udp", "192.0.2.1:1")
	if err != nil {
		return "", fmt.Errorf("resolve advertise address: %w", err)
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)
	return net.JoinHostPort(local.IP.String(), port), nil
}
