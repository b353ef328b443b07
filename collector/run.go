package collector

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/estesp/enclavebench/driver"
	"github.com/estesp/enclavebench/probe"
	"github.com/estesp/enclavebench/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WatchInterval is how often the watcher checks the child and the stop flag
const WatchInterval = time.Second

// run executes the task once with every probe attached. It returns nil
// metrics without error when the run was skipped.
func (c *Collector) run(ctx context.Context, task Task, deepTrace bool) (*stats.Metrics, error) {
	enclave := task.Driver.Enclave()
	if enclave && driver.SkipEnclave() {
		log.Debugf("%s set; skipping enclave run of %s", driver.SkipEnclaveEnv, task.Program)
		return nil, nil
	}

	child, err := StartChild(task.Driver.Command(task.Program, task.Args, task.Env))
	if err != nil {
		log.WithError(err).Error("cannot spawn child process; skipping run")
		return nil, nil
	}
	pid := child.PID()
	log.Debugf("started %s (%s) with pid %d", task.Program, driver.TypeToString(task.Driver.Type()), pid)

	// runCtx ends when the watcher is done with the child, which happens on
	// child exit, a stop request or cancellation of ctx
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	var (
		wg        sync.WaitGroup
		abort     = make(chan struct{})
		abortOnce sync.Once

		trace    stats.TraceResult
		traceErr error
		perf     []byte
		energy   map[string][]stats.EnergySample
		watched  watchResult
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		tp := probe.NewTraceProbe(c.newTracer, deepTrace, enclave)
		trace, traceErr = tp.Run(runCtx, pid)
		if traceErr != nil {
			abortOnce.Do(func() { close(abort) })
		}
	}()
	go func() {
		defer wg.Done()
		perf = c.counters.Run(ctx, pid)
	}()
	go func() {
		defer wg.Done()
		energy = probe.NewEnergyProbe(c.domains, c.cfg.EnergySampleInterval).Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		watched = c.watch(ctx, child, abort)
		stopRun()
	}()
	wg.Wait()

	if traceErr != nil {
		return nil, errors.Wrapf(traceErr, "tracing %s", task.Program)
	}

	return stats.Aggregate(c.partitions, stats.RunOutputs{
		Trace:   trace,
		Stdout:  watched.stdout,
		Stderr:  watched.stderr,
		Perf:    perf,
		Energy:  energy,
		Process: watched.samples,
	}), nil
}

type watchResult struct {
	stdout  []byte
	stderr  []byte
	samples []stats.ProcSample
}

// watch samples the child until it exits, a stop is requested, ctx is
// cancelled or abort is closed. The child is always killed and reaped before
// watch returns.
func (c *Collector) watch(ctx context.Context, child *Child, abort <-chan struct{}) watchResult {
	var (
		res     watchResult
		sampler stats.Sampler
		// exitedOnItsOwn is false when the watcher ends the child
		exitedOnItsOwn bool
	)
	logger := log.WithField("pid", child.PID())

	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-child.Exited():
			exitedOnItsOwn = true
			break loop
		case <-abort:
			logger.Debug("run aborted; terminating child")
			break loop
		case <-ctx.Done():
			logger.Debug("context cancelled; terminating child")
			break loop
		case <-ticker.C:
			if c.Stopped() {
				logger.Debug("stop requested; terminating child")
				break loop
			}
			if sampler == nil {
				s, err := c.newSampler(child.PID())
				if err != nil {
					logger.WithError(err).Debug("process sampler unavailable")
					continue
				}
				sampler = s
			}
			sample, err := sampler.Query()
			if err != nil {
				logger.WithError(err).Debug("cannot sample child process")
				continue
			}
			res.samples = append(res.samples, *sample)
		}
	}

	// descendants left behind by a child that exited are killed as well
	if err := child.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			logger.Debug("child process group already exited")
		} else {
			logger.WithError(err).Warn("cannot kill child process")
		}
	}

	res.stdout, res.stderr = child.Output()
	if code := child.ExitCode(); code != 0 {
		if exitedOnItsOwn {
			logger.Warnf("child process exited with status %d", code)
		} else {
			logger.Debugf("child process terminated with status %d", code)
		}
	}
	return res
}
