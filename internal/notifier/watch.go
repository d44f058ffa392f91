package notifier

import (
	"context"
	"fmt"
	"slices"

	"jobpipe/internal/eventbus"
	logx "jobpipe/pkg/logx"
)

// Watch turns Job status events into notifications for every target until
// ctx is done. A Job is announced only when its status changes into one of
// the configured statuses.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()

	last := map[int64]string{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch d := ev.Data.(type) {
			case eventbus.JobStatus:
				if last[d.JobID] == d.Status {
					continue
				}
				last[d.JobID] = d.Status
				if len(last) > 10000 {
					clear(last)
				}
				cfg := s.config()
				if !slices.Contains(cfg.Statuses, d.Status) {
					continue
				}
				s.broadcast(ctx, cfg, priorityFor(d.Status), FormatJob(d))
			case eventbus.JobsHalted:
				cfg := s.config()
				s.broadcast(ctx, cfg, 7, FormatHalted(d))
			}
		}
	}
}

func (s *Service) broadcast(ctx context.Context, cfg Config, prio int, text string) {
	for _, to := range cfg.Targets {
		if err := s.Notify(ctx, Notification{Target: to, Priority: prio, Text: text}); err != nil {
			s.log.Debug("notify.skipped", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		}
	}
}

func priorityFor(status string) int {
	switch status {
	case "failed":
		return 7
	case "cancelled":
		return 5
	default:
		return 0
	}
}

func FormatJob(d eventbus.JobStatus) string {
	name := d.Name
	if name == "" {
		name = "(unnamed)"
	}
	s := fmt.Sprintf("Job #%d %s: %s (%d%%)", d.JobID, name, d.Status, d.Progress)
	if d.Owner != "" {
		s += "\nowner: " + d.Owner
	}
	return s
}

func FormatHalted(d eventbus.JobsHalted) string {
	who := d.Owner
	if who == "" {
		who = "all owners"
	}
	return fmt.Sprintf("Cancelled %d active job(s) for %s", d.Count, who)
}
