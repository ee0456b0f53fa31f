package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cdpblock/internal/config"
	"cdpblock/internal/logger"
	"cdpblock/internal/metrics"
	"cdpblock/internal/rules"
	"cdpblock/pkg/api"
	"cdpblock/pkg/model"
)

var AppVersion = "Development"

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "cdpblock",
		Short:        "Block known tracking requests in a Chromium browser",
		Long:         "cdpblock attaches to a Chromium DevTools endpoint, takes over every open and newly created page, and answers requests matching a fixed denylist with a synthetic JSON response.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, v)
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "Config file path")
	pf.StringP("devtools", "d", "", "DevTools HTTP endpoint")
	pf.String("scope", "", "Only control pages whose URL starts with this prefix")
	pf.StringP("log-level", "l", "", "Log level")

	root.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address")
	root.Flags().Int("concurrency", 0, "Paused request workers")
	root.Flags().Bool("list-patterns", false, "Print the denylist and exit")
	root.Flags().BoolP("version", "v", false, "Show version")

	_ = v.BindPFlag("devtools.url", pf.Lookup("devtools"))
	_ = v.BindPFlag("devtools.scope", pf.Lookup("scope"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("metrics.addr", root.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag("devtools.concurrency", root.Flags().Lookup("concurrency"))

	root.AddCommand(newCheckCmd(), newTargetsCmd(v))
	return root
}

// loadConfig 读取配置并创建日志
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, logger.Logger, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
	return cfg, l, nil
}

func sessionConfig(cfg *config.Config) model.SessionConfig {
	return model.SessionConfig{
		DevToolsURL:      cfg.Devtools.URL,
		Scope:            cfg.Devtools.Scope,
		Concurrency:      cfg.Devtools.Concurrency,
		PendingCapacity:  cfg.Devtools.PendingCapacity,
		ProcessTimeoutMS: cfg.Devtools.ProcessTimeoutMS,
	}
}

func runRoot(cmd *cobra.Command, v *viper.Viper) error {
	if showVer, _ := cmd.Flags().GetBool("version"); showVer {
		fmt.Fprintf(cmd.OutOrStdout(), "cdpblock version %s\n", AppVersion)
		return nil
	}
	if list, _ := cmd.Flags().GetBool("list-patterns"); list {
		for _, p := range rules.DefaultPatterns {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	}

	cfg, log, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}
	log.Info("cdpblock 启动", "version", AppVersion, "devtools", cfg.Devtools.URL, "scope", cfg.Devtools.Scope, "patterns", len(rules.DefaultPatterns))

	var sd shutdownChain
	ctx, cancel := context.WithCancel(context.Background())
	sd.add("context.Cancel", func() error { cancel(); return nil }, log)

	rec := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := rec.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.Err(err, "指标服务异常退出")
			}
		}()
	}

	svc := api.NewService(log, rec)
	sd.add("service.Close", svc.Close, log)

	id, err := svc.StartSession(sessionConfig(cfg))
	if err != nil {
		log.Err(err, "连接 DevTools 失败")
		sd.run(log)
		return err
	}
	if err := svc.EnableInterception(id); err != nil {
		log.Err(err, "启用拦截失败")
		sd.run(log)
		return err
	}

	events, err := svc.SubscribeEvents(id)
	if err != nil {
		sd.run(log)
		return err
	}
	go logEvents(ctx, log, events)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("收到退出信号", "signal", s.String())

	if stats, err := svc.GetStats(id); err == nil {
		log.Info("拦截统计", "total", stats.Total, "blocked", stats.Blocked, "passed", stats.Passed)
	}
	sd.run(log)
	return nil
}

// logEvents 把会话事件写入日志
func logEvents(ctx context.Context, log logger.Logger, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case model.EventFailed:
				log.Warn("事件", "type", string(evt.Type), "target", string(evt.Target), "url", evt.URL, "error", evt.Error)
			case model.EventPassed:
				log.Debug("事件", "type", string(evt.Type), "target", string(evt.Target), "url", evt.URL)
			default:
				log.Info("事件", "type", string(evt.Type), "target", string(evt.Target), "url", evt.URL, "pattern", evt.Pattern)
			}
		}
	}
}

// shutdownChain 逆序执行的关闭函数
type shutdownChain []func()

func (c *shutdownChain) add(name string, fn func() error, log logger.Logger) {
	*c = append(*c, func() {
		if err := fn(); err != nil {
			log.Err(err, "关闭失败", "step", name)
		}
	})
}

func (c shutdownChain) run(log logger.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
	log.Info("cdpblock 退出")
}
