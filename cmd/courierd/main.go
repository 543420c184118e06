package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/notify"
	logx "courier/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./courier.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Println("fatal: load config:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	dcfg, err := mapDispatch(cfg)
	if err != nil {
		log.Error("invalid config", logx.Err(err))
		os.Exit(1)
	}
	channels, err := buildChannels(cfg)
	if err != nil {
		log.Error("invalid channel config", logx.Err(err))
		os.Exit(1)
	}
	if len(channels) == 0 {
		log.Warn("no channels configured; every submission will be rejected")
	}

	// Reject config reloads that fail to map, so a bad edit cannot take the
	// running dispatcher down.
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapDispatch(c); err != nil {
			return err
		}
		_, err := buildChannels(c)
		return err
	})

	bus := eventbus.New()
	svc := dispatch.New(dcfg, channels, log.With(logx.String("comp", "dispatch")), bus)
	svc.Start(ctx)

	go logEvents(ctx, bus, log.With(logx.String("comp", "events")))
	go watchConfig(ctx, mgr, logSvc, svc, log)
	if cfg.Demo != nil && cfg.Demo.Enabled {
		go runDemo(ctx, cfg.Demo, svc, log.With(logx.String("comp", "demo")))
	}

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)
}

// logEvents mirrors delivery lifecycle events into the log.
func logEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			de, _ := ev.Data.(dispatch.Event)
			log.Debug(ev.Type,
				logx.String("id", de.RequestID),
				logx.String("channel", de.Channel),
				logx.String("class", string(de.Class)),
				logx.String("reason", de.Reason),
			)
		}
	}
}

// watchConfig hot-reloads logging and dispatcher tuning on file changes.
func watchConfig(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, svc *dispatch.Service, log logx.Logger) {
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch exited", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			logSvc.Apply(mapLogging(cfg.Logging))
			dcfg, err := mapDispatch(cfg)
			if err != nil {
				// Validator should have rejected this already.
				log.Warn("reload mapping failed", logx.Err(err))
				continue
			}
			svc.Apply(ctx, dcfg)
			log.Info("config applied")
		}
	}
}

// runDemo drives sample traffic through the pipeline so a standalone courierd
// has something to deliver. Gated by demo.enabled.
func runDemo(ctx context.Context, dc *config.DemoConfig, svc *dispatch.Service, log logx.Logger) {
	interval, err := config.ParseDurationOrDefault("demo.interval", dc.Interval, 2*time.Second)
	if err != nil {
		log.Warn("bad demo interval", logx.Err(err))
		return
	}
	recipients := dc.Recipients
	if len(recipients) == 0 {
		recipients = []string{"demo-user"}
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n++
			id, err := svc.Submit(notify.Request{
				Recipient: recipients[n%len(recipients)],
				Payload: notify.Payload{
					Subject: fmt.Sprintf("demo #%d", n),
					Body:    "hello from courierd",
				},
				Priority: notify.PriorityNormal,
				Mode:     notify.SendBroadcast,
			})
			if err != nil {
				log.Warn("demo submit rejected", logx.Err(err))
				continue
			}
			log.Debug("demo submitted", logx.String("id", id))
			if n%10 == 0 {
				m := svc.Metrics()
				log.Info("delivery metrics",
					logx.Int("sent", m.TotalSent),
					logx.Int("delivered", m.TotalDelivered),
					logx.Int("failed", m.TotalFailed),
					logx.Float64("rate", m.DeliveryRate),
				)
			}
		}
	}
}
