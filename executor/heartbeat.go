package executor

import (
	"context"
	"time"

	"github.com/goliatone/go-rollout/cron"
)

// heartbeat publishes progress snapshots on a cron interval.
type heartbeat struct {
	scheduler *cron.Scheduler
	owned     bool
	handle    cron.Handle
}

func (e *Executor) startHeartbeat(ctx context.Context) *heartbeat {
	if e.heartbeatInterval <= 0 {
		return nil
	}

	hb := &heartbeat{scheduler: e.scheduler}
	if hb.scheduler == nil {
		hb.scheduler = cron.NewScheduler(cron.WithLogger(e.log()))
		hb.owned = true
	}

	handle, err := hb.scheduler.Every(e.heartbeatInterval, cron.JobConfig{Name: "heartbeat"}, func(context.Context) error {
		e.beat(ctx)
		return nil
	})
	if err != nil {
		e.log().Warn("heartbeat not scheduled", "error", err)
		return nil
	}
	hb.handle = handle
	if err := hb.scheduler.Start(ctx); err != nil {
		e.log().Warn("heartbeat scheduler not started", "error", err)
	}
	return hb
}

func (hb *heartbeat) stop() {
	if hb == nil {
		return
	}
	if hb.handle != nil {
		hb.handle.Cancel()
	}
	if hb.owned {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hb.scheduler.Stop(ctx)
	}
}

// beat publishes one progress snapshot. It is safe to call concurrently
// with the stage loop.
func (e *Executor) beat(ctx context.Context) {
	evt := e.task.ProgressEvent(e.CurrentStageName())
	e.metrics.IncrementCounter(MetricHeartbeat, nil)
	e.publish(ctx, evt)
}
