package orchestrator

import (
	"context"
	"strings"

	"ralphlite/internal/engine"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/prompt"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
	"ralphlite/internal/workflow"
)

// render builds the component tree for one frame:
//
//	sequence
//	  interpret-config           (static, once)
//	  main-loop                  (until every ticket landed)
//	    ticket-scheduler         (agent, per iteration)
//	    jobs                     (parallel, one task per active job)
//	    merge-queue > merge-pass (compute, per iteration)
//
// The sequence inside the loop phases each iteration: schedule, work, land.
func (o *Orchestrator) render(_ *engine.Ctx, iterations map[string]int) (*workflow.Node, error) {
	iter := iterations[mainLoopID]

	tickets, err := o.tickets()
	if err != nil {
		return nil, err
	}
	active, err := o.queue.Active()
	if err != nil {
		return nil, err
	}
	landed, allLanded, err := o.landedProgress(tickets)
	if err != nil {
		return nil, err
	}

	jobNodes, err := o.jobNodes(iter, tickets, active, landed)
	if err != nil {
		return nil, err
	}

	// The scheduler agent runs only when a worker slot is free; with the
	// pool saturated there is nothing for it to assign.
	free := o.cfg.MaxConcurrency - len(active)
	children := make([]*workflow.Node, 0, 3)
	if free > 0 {
		schedTask, err := o.schedulerTask(iter, tickets, active, free)
		if err != nil {
			return nil, err
		}
		children = append(children, schedTask)
	}
	children = append(children,
		workflow.Parallel("jobs", 0, jobNodes...),
		workflow.MergeQueue("merge-queue", o.mergeTask(iter, tickets)),
	)

	loop := workflow.Ralph(mainLoopID, iter, maxLoopIterations, workflow.MaxReturnLast, children...)
	loop.Done = len(tickets) > 0 && allLanded &&
		len(active) == 0 && len(o.merge.Pending()) == 0

	return workflow.Sequence(o.seedTask(), loop), nil
}

// seedTask persists the interpreted startup configuration once per run.
func (o *Orchestrator) seedTask() *workflow.Node {
	return workflow.Task(workflow.TaskSpec{
		ID:        "interpret-config",
		SchemaKey: schema.KeyInterpretConfig,
		Static: map[string]any{
			"projectName":    o.cfg.ProjectName,
			"mainBranch":     o.cfg.MainBranch,
			"maxConcurrency": o.cfg.MaxConcurrency,
			"notes":          nil,
		},
	})
}

// schedulerTask renders the per-iteration scheduling agent with the full
// run state in its prompt.
func (o *Orchestrator) schedulerTask(iter int, tickets []pipeline.Ticket, active []store.Job, free int) (*workflow.Node, error) {
	next := make(map[string]pipeline.Stage, len(tickets))
	for _, t := range tickets {
		stage, tierDone, err := pipeline.NextStage(o.outputs, t)
		if err != nil {
			return nil, err
		}
		if !tierDone {
			next[t.ID] = stage
		}
	}
	return workflow.Task(workflow.TaskSpec{
		ID:        schedulerNodeID,
		SchemaKey: schema.KeyTicketSchedule,
		Agents:    o.agentChain(o.schedulerID),
		Prompt: o.prompts.Scheduler(prompt.SchedulerProps{
			Tickets:    tickets,
			NextStages: next,
			ActiveJobs: active,
			Resumable:  o.resumable,
			RateLimits: o.rateNotes(),
			FreeSlots:  free,
			Iteration:  iter,
		}),
		Retries: jobRetries,
	}), nil
}

// jobNodes renders one task per active job. Ticket jobs run inside the
// ticket's worktree; global jobs get a worktree of their own.
func (o *Orchestrator) jobNodes(iter int, tickets []pipeline.Ticket, active []store.Job, landed int) ([]*workflow.Node, error) {
	byID := make(map[string]pipeline.Ticket, len(tickets))
	for _, t := range tickets {
		byID[t.ID] = t
	}

	var nodes []*workflow.Node
	for _, job := range active {
		key, ok := pipeline.JobSchemaKey(job.JobType)
		if !ok {
			continue
		}
		spec := workflow.TaskSpec{
			ID:             job.JobID,
			SchemaKey:      key,
			Agents:         o.agentChain(job.AgentID),
			Retries:        jobRetries,
			ContinueOnFail: true,
		}

		if stageName, isTicket := strings.CutPrefix(job.JobType, "ticket:"); isTicket {
			t, known := byID[job.TicketID]
			if !known {
				continue
			}
			p, err := o.stagePrompt(pipeline.Stage(stageName), t, iter)
			if err != nil {
				return nil, err
			}
			spec.Prompt = p
			nodes = append(nodes, workflow.Worktree(job.TicketID, workflow.Task(spec)))
			continue
		}

		switch job.JobType {
		case pipeline.JobDiscovery:
			spec.Prompt = o.prompts.Discovery(o.objective, tickets)
		case pipeline.JobProgressUpdate:
			spec.Prompt = o.prompts.ProgressUpdate(tickets, landed)
		case pipeline.JobCodebaseReview:
			spec.Prompt = o.prompts.CodebaseReview(job.FocusID)
		case pipeline.JobIntegrationTest:
			spec.Prompt = o.prompts.IntegrationTest()
		default:
			continue
		}
		nodes = append(nodes, workflow.Worktree(job.JobID, workflow.Task(spec)))
	}
	return nodes, nil
}

// stagePrompt renders a ticket stage prompt with upstream stage outputs and
// any eviction diagnostics from the ticket's last failed landing.
func (o *Orchestrator) stagePrompt(stage pipeline.Stage, t pipeline.Ticket, iter int) (string, error) {
	floor, err := pipeline.EvictionFloor(o.outputs, t.ID)
	if err != nil {
		return "", err
	}
	deps := make(map[pipeline.Stage]map[string]any)
	for _, dep := range prompt.DepsForStage(stage) {
		row, found, err := o.outputs.GetLatest(pipeline.StageSchema(dep), pipeline.NodeID(t.ID, dep))
		if err != nil {
			return "", err
		}
		if found && row.Iteration > floor {
			deps[dep] = row.Payload
		}
	}
	ec, _, err := pipeline.LatestEviction(o.outputs, t.ID)
	if err != nil {
		return "", err
	}
	return o.prompts.ForStage(stage, prompt.StageProps{
		Ticket:    t,
		Iteration: iter,
		Deps:      deps,
		Eviction:  ec,
	}), nil
}

// mergeTask renders the per-iteration merge pass: submit every tier-complete
// unlanded ticket, run one speculative round, and record the cumulative
// resolution log.
func (o *Orchestrator) mergeTask(iter int, tickets []pipeline.Ticket) *workflow.Node {
	return workflow.Task(workflow.TaskSpec{
		ID:             mergeNodeID,
		SchemaKey:      schema.KeyMergeQueueResult,
		ContinueOnFail: true,
		Compute: func(ctx context.Context) (map[string]any, error) {
			for _, t := range tickets {
				complete, err := pipeline.IsTierComplete(o.outputs, t)
				if err != nil {
					return nil, err
				}
				if !complete {
					continue
				}
				isLanded, err := pipeline.IsLanded(o.outputs, t.ID)
				if err != nil {
					return nil, err
				}
				if !isLanded {
					o.merge.Submit(t, o.reportIteration(t))
				}
			}
			if _, _, err := o.merge.ProcessOnce(ctx, iter); err != nil {
				return nil, err
			}
			results := o.merge.Results()
			entries := make([]any, len(results))
			for i, r := range results {
				entries[i] = any(r)
			}
			return map[string]any{"entries": entries}, nil
		},
	})
}

// reportIteration is when the ticket's terminal stage last completed; it
// drives merge-queue reopen semantics after an eviction.
func (o *Orchestrator) reportIteration(t pipeline.Ticket) int {
	final := pipeline.FinalStage(t.Tier)
	row, found, err := o.outputs.GetLatest(pipeline.StageSchema(final), pipeline.NodeID(t.ID, final))
	if err != nil || !found {
		return 0
	}
	return row.Iteration
}

// landedProgress counts landed tickets and reports whether all are done.
func (o *Orchestrator) landedProgress(tickets []pipeline.Ticket) (int, bool, error) {
	landed := 0
	for _, t := range tickets {
		ok, err := pipeline.IsLanded(o.outputs, t.ID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			landed++
		}
	}
	return landed, landed == len(tickets), nil
}
