// Package fleet owns project discovery and worker lifecycle: at
// startup and on a slow recurring tick, list the projects the bot
// user belongs to, start a Project Worker per (project, target
// branch) that actually holds assigned MRs, and retire workers whose
// project access has disappeared.
//
// Grounded on soft-serve's backend for "list what the bot can see,
// reconcile against what's running" texture, generalised from a
// single-process repo list into a discovery-and-reconcile loop, using
// robfig/cron/v3 as the discovery scheduler rather than a hand-rolled
// ticker goroutine.
package fleet

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log/v2"
	"github.com/robfig/cron/v3"

	"github.com/smarkets/marge/pkg/batch"
	"github.com/smarkets/marge/pkg/clock"
	"github.com/smarkets/marge/pkg/embargo"
	"github.com/smarkets/marge/pkg/forge"
	"github.com/smarkets/marge/pkg/gitwt"
	"github.com/smarkets/marge/pkg/metrics"
	"github.com/smarkets/marge/pkg/worker"
)

// WorktreeFactory builds a worktree rooted for a given project,
// cloning or reusing a local checkout as needed. Kept as a function
// value so the coordinator never hardcodes a filesystem layout.
type WorktreeFactory func(project forge.Project) (*gitwt.Worktree, error)

// Coordinator is the top-level fleet coordinator: one per process.
type Coordinator struct {
	Forge       *forge.Client
	Bot         forge.User
	BotIsAdmin  bool
	NewWorktree WorktreeFactory
	WorkerOpts  worker.Options
	Planner     batch.Planner
	Embargo     *embargo.Calendar
	Clock       clock.Clock
	Logger      *log.Logger
	Metrics     *metrics.Registry
	Remote      string

	ProjectRegexp *regexp.Regexp
	DiscoverEvery time.Duration // discovery interval; defaults to every 3 minutes

	mu      sync.Mutex
	running map[string]*runningWorker
	cron    *cron.Cron
}

type runningWorker struct {
	w        *worker.Worker
	shutdown chan struct{}
	done     chan struct{}
}

func workerKey(projectID int64, target string) string {
	return fmt.Sprintf("%d/%s", projectID, target)
}

// Run blocks until ctx is canceled, discovering projects immediately
// and then on the configured cron schedule. On return, every worker
// has been signaled to retire; Run waits for in-flight FINALISEs to
// drain before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.running = make(map[string]*runningWorker)

	spec := "@every 3m"
	if c.DiscoverEvery > 0 {
		spec = fmt.Sprintf("@every %s", c.DiscoverEvery)
	}

	c.cron = cron.New()
	_, err := c.cron.AddFunc(spec, func() { c.discover(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling discovery tick: %w", err)
	}
	c.cron.Start()
	defer c.cron.Stop()

	c.discover(ctx)

	<-ctx.Done()
	c.Logger.Info("fleet shutting down, retiring workers")
	c.retireAll()
	return nil
}

// discover lists the bot's projects and reconciles the running worker
// set against them: new (project, target-branch) pairs with assigned
// MRs get a worker, workers for projects the bot can no longer see
// are retired.
func (c *Coordinator) discover(ctx context.Context) {
	projects, err := c.Forge.ListProjectsForMember(ctx, c.Bot.ID)
	if err != nil {
		c.Logger.Error("discovery: failed to list projects", "err", err)
		return
	}

	mrs, err := c.Forge.ListAssignedMRs(ctx, c.Bot.ID)
	if err != nil {
		c.Logger.Error("discovery: failed to list assigned mrs", "err", err)
		return
	}

	byProject := make(map[int64]forge.Project, len(projects))
	if c.ProjectRegexp != nil {
		var matched, filteredOut []string
		for _, p := range projects {
			if c.ProjectRegexp.MatchString(p.Path) {
				matched = append(matched, p.Path)
			} else {
				filteredOut = append(filteredOut, p.Path)
			}
		}
		if len(filteredOut) > 0 {
			c.Logger.Debug("discovery: projects that match project-regexp", "projects", matched)
			c.Logger.Debug("discovery: projects that do not match project-regexp", "projects", filteredOut)
		}
	}

	for _, p := range projects {
		if c.ProjectRegexp != nil && !c.ProjectRegexp.MatchString(p.Path) {
			continue
		}
		if p.AccessLevel < forge.AccessLevelReporter {
			c.Logger.Warn("discovery: don't have enough permissions to browse merge requests", "project", p.Path)
			continue
		}
		byProject[p.ID] = p
	}

	wanted := make(map[string]struct{})
	for _, mr := range mrs {
		project, ok := byProject[mr.ProjectID]
		if !ok {
			continue
		}
		key := workerKey(project.ID, mr.TargetBranch)
		wanted[key] = struct{}{}
		c.ensureWorker(ctx, project, mr.TargetBranch)
	}

	c.retireMissing(wanted)
}

func (c *Coordinator) ensureWorker(ctx context.Context, project forge.Project, target string) {
	key := workerKey(project.ID, target)

	c.mu.Lock()
	_, exists := c.running[key]
	c.mu.Unlock()
	if exists {
		return
	}

	wt, err := c.NewWorktree(project)
	if err != nil {
		c.Logger.Error("discovery: failed to prepare worktree", "project", project.Path, "err", err)
		return
	}

	opts := c.WorkerOpts
	if !c.BotIsAdmin {
		// Reviewed-by trailers and re-approval impersonation both need
		// the bot to read other users' emails and act on their behalf,
		// which only an admin-scoped token grants. Config validation
		// already refuses this combination at startup; guard it again
		// here so a coordinator built without going through that path
		// can't silently enable them.
		opts.AddReviewers = false
		opts.ImpersonateApprovers = false
	}

	w := &worker.Worker{
		Forge:   c.Forge,
		Worktree: wt,
		Project: project,
		Target:  target,
		Bot:     c.Bot,
		Remote:  c.Remote,
		Planner: c.Planner,
		Embargo: c.Embargo,
		Clock:   c.Clock,
		Logger:  c.Logger.With("project", project.Path, "target", target),
		Metrics: c.Metrics,
		Options: opts,
	}

	rw := &runningWorker{w: w, shutdown: make(chan struct{}), done: make(chan struct{})}

	c.mu.Lock()
	c.running[key] = rw
	c.mu.Unlock()

	c.Logger.Info("starting worker", "project", project.Path, "target", target)
	go func() {
		defer close(rw.done)
		w.RunForever(ctx, rw.shutdown)
	}()
}

// retireMissing signals shutdown to every running worker whose key is
// not in wanted and removes them from the running set right away; it
// does not wait for them to drain.
func (c *Coordinator) retireMissing(wanted map[string]struct{}) {
	c.mu.Lock()
	var toRetire []string
	for key := range c.running {
		if _, ok := wanted[key]; !ok {
			toRetire = append(toRetire, key)
		}
	}
	c.mu.Unlock()

	for _, key := range toRetire {
		c.retire(key)
	}
}

func (c *Coordinator) retire(key string) {
	c.mu.Lock()
	rw, ok := c.running[key]
	if ok {
		delete(c.running, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.Logger.Info("retiring worker", "key", key)
	close(rw.shutdown)
}

func (c *Coordinator) retireAll() {
	c.mu.Lock()
	all := make([]*runningWorker, 0, len(c.running))
	for _, rw := range c.running {
		all = append(all, rw)
	}
	c.running = make(map[string]*runningWorker)
	c.mu.Unlock()

	for _, rw := range all {
		close(rw.shutdown)
	}
	for _, rw := range all {
		<-rw.done
	}
}
