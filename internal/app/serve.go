package app

import (
	"context"
	"errors"
	"reflect"
	"time"

	"chaser/internal/config"
	"chaser/internal/engine"
	"chaser/internal/httpapi"
	"chaser/internal/runtime/supervisor"
	"chaser/internal/scheduler"
	logx "chaser/pkg/logx"
)

// ErrNothingToServe is returned by Serve when neither the scheduler nor the
// ops API is enabled.
var ErrNothingToServe = errors.New("serve: scheduler and http are both disabled")

// Serve hosts the scheduler, the ops API and the config watcher until ctx is
// done or one of them fails for good.
func (a *App) Serve(ctx context.Context) error {
	s := a.settings
	if !s.Scheduler.Enabled && !s.HTTP.Enabled {
		return ErrNothingToServe
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart("config.apply", a.followConfig)

	if s.Scheduler.Enabled {
		sched, err := scheduler.New(s.Scheduler.Schedule, s.Scheduler.Location, a.scheduledRun, a.log)
		if err != nil {
			sup.Cancel()
			return err
		}
		sup.Go("scheduler", sched.Run)
	}
	if s.HTTP.Enabled {
		srv := httpapi.New(s.HTTP.Addr, a.runner, a.ledger, a.log)
		sup.Go("httpapi", srv.Run)
	}

	<-sup.Context().Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sup.Stop(stopCtx)
}

// scheduledRun treats a run already started through the ops API as a skip.
func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.runner.RunOnce(ctx)
	if errors.Is(err, engine.ErrRunInProgress) {
		a.log.Warn("scheduled run skipped; a run is already in progress")
		return nil
	}
	return err
}

// followConfig applies logging changes live. Other sections are read once
// at startup.
func (a *App) followConfig(ctx context.Context) error {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	prev := a.cfgm.Get()
	logging := a.settings.Logging
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			next, err := config.Resolve(cfg)
			if err != nil {
				continue
			}
			if !reflect.DeepEqual(next.Logging, logging) {
				a.logs.Apply(next.Logging)
				logging = next.Logging
				a.log.Info("logging reconfigured", logx.String("level", next.Logging.Level))
			}
			changed, _ := config.SummarizeConfigChange(prev, cfg)
			prev = cfg
			if restart := without(changed, "logging"); len(restart) > 0 {
				a.log.Warn("config change needs a restart to take effect", logx.Strings("sections", restart))
			}
		}
	}
}

func without(in []string, drop string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
