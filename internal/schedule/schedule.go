// Package schedule runs a job on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Start blocks and invokes job at each tick of the 5-field cron expression
// (minute hour day-of-month month day-of-week). Examples: "0 6 * * *" (daily
// 6am), "0 6 * * 1-5" (weekdays 6am). Job errors are logged and the schedule
// keeps going. Start returns when the context is cancelled, or immediately
// when the expression does not parse.
func Start(ctx context.Context, spec string, job func(context.Context) error) error {
	spec = strings.TrimSpace(spec)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule '%s': %w", spec, err)
	}
	log.Printf("Watch scheduled (cron: %s)", spec)

	for {
		now := time.Now()
		next := sched.Next(now)
		log.Printf("Next scheduled run at %s (in %s)", next.Format("Mon Jan 2 15:04"), next.Sub(now).Round(time.Minute))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := job(ctx); err != nil {
			log.Printf("Scheduled run error: %v", err)
		}
	}
}
