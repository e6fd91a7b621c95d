package gateway

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/cron"
	"github.com/stellarlinkco/yuno/internal/memory"
	"github.com/stellarlinkco/yuno/internal/personality"
)

const (
	stateFlushName = "__internal_state_flush"
	stateFlushMsg  = "__internal:state:flush"
	stateFlushExpr = "0 * * * * *"

	moodRefreshName = "__internal_mood_refresh"
	moodRefreshMsg  = "__internal:mood:refresh"
	moodRefreshExpr = "0 0 * * * *"
)

// ensureInternalJobs registers the state flush and mood refresh jobs
// unless they are already stored.
func (g *Gateway) ensureInternalJobs() error {
	jobs := []struct{ name, msg, expr string }{
		{stateFlushName, stateFlushMsg, stateFlushExpr},
		{moodRefreshName, moodRefreshMsg, moodRefreshExpr},
	}
	for _, j := range jobs {
		err := g.cron.EnsureJob(j.name, cron.Schedule{Kind: cron.KindCron, Expr: j.expr}, cron.Payload{Message: j.msg})
		if err != nil {
			return goerr.Wrap(err, "ensure internal job", goerr.V("job", j.name))
		}
	}
	return nil
}

// onJob runs a fired cron job. Internal jobs act on the state directly;
// any other payload is sent to the model as a prompt in Yuno's voice and
// the answer is delivered when the job asks for it.
func (g *Gateway) onJob(ctx context.Context, job cron.CronJob) (string, error) {
	switch job.Payload.Message {
	case stateFlushMsg:
		if err := g.keeper.Save(); err != nil {
			return "", goerr.Wrap(err, "flush personality state")
		}
		return "ok", nil
	case moodRefreshMsg:
		if !g.config().Settings.MoodSystemEnabled {
			return "mood system disabled", nil
		}
		return g.keeper.RefreshMood(g.pick), nil
	}

	cfg := g.config()
	prompt := personality.BuildSystemPrompt(cfg, g.keeper.Snapshot(), personality.PromptInput{})
	result, err := g.gen.Generate(ctx, []memory.Entry{
		{Role: memory.RoleSystem, Content: prompt},
		{Role: memory.RoleUser, Content: job.Payload.Message},
	}, settingsFrom(cfg))
	if err != nil {
		return "", goerr.Wrap(err, "run scheduled prompt", goerr.V("job", job.Name))
	}

	if job.Payload.Deliver && job.Payload.Channel != "" && strings.TrimSpace(result) != "" {
		err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: result,
		})
		if err != nil {
			return "", goerr.Wrap(err, "deliver scheduled reply", goerr.V("job", job.Name))
		}
	}
	return result, nil
}

// RunJob reads the stored jobs and fires id once, outside its schedule.
// It returns the job as stored afterwards; ok is false when the job was
// deleted after running.
func (g *Gateway) RunJob(id string) (job cron.CronJob, ok bool, err error) {
	if err := g.cron.Load(); err != nil {
		return cron.CronJob{}, false, goerr.Wrap(err, "load jobs")
	}
	if err := g.cron.RunJob(id); err != nil {
		return cron.CronJob{}, false, err
	}
	for _, j := range g.cron.ListJobs() {
		if j.ID == id {
			return j, true, nil
		}
	}
	return cron.CronJob{}, false, nil
}
