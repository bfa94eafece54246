package dispatch

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/attributes"
	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/filesystem/locking"
	"github.com/convergefs/fspromise/pkg/logging"
	"github.com/convergefs/fspromise/pkg/must"
	"github.com/convergefs/fspromise/pkg/naming"
	"github.com/convergefs/fspromise/pkg/promise"
)

// Dispatcher orchestrates the ordered per-promise evaluation steps.
type Dispatcher struct {
	Logger       *logging.Logger
	State        *AgentState
	EvalContext  promise.EvalContext
	LockDir      string
	Reconciler   *attributes.Reconciler
}

// Dispatch evaluates one promise against a single already-open parent
// directory and leaf name: scope this.promiser, run the transformer if
// configured (skipping every other
// action), else run name reconciliation then attribute reconciliation
// (honoring the include_basedir base-directory skip), then tear down the
// scoped variable.
func (d *Dispatcher) Dispatch(p promise.Promise, parent *filesystem.Directory, name string, isBaseDirectory bool) promise.Result {
	identity := p.Namespace + "/" + p.Bundle + "/" + p.Promiser
	d.Logger.Debugln("dispatching", identity)
	locker, err := locking.AcquirePromiseLock(d.LockDir, identity, p.Attributes.Transaction.ExpireAfter, false)
	if err != nil {
		return promise.NewResult(p.Promiser, promise.Denied, err.Error(), p.Comment)
	}
	if locker != nil {
		defer must.Unlock(locker, d.Logger)
	}

	if d.EvalContext != nil {
		d.EvalContext.SetVariable("this.promiser", p.Promiser)
		defer d.EvalContext.UnsetVariable("this.promiser")
	}

	if p.Attributes.Transformer != "" {
		return d.runTransformer(p)
	}

	if isBaseDirectory && !p.Attributes.Recursion.IncludeBaseDir {
		return promise.NewResult(p.Promiser, promise.Noop, "base directory excluded by include_basedir=false", "")
	}

	dryRun := d.State != nil && d.State.DryRun
	outcome, message, err := naming.Reconcile(parent, name, p.Attributes, dryRun)
	if err != nil {
		return promise.NewResult(p.Promiser, promise.Fail, err.Error(), p.Comment)
	}
	if outcome == promise.Fail || outcome == promise.Denied {
		return d.finalize(p, outcome, message)
	}

	if p.Attributes.HasPerms() {
		metadata, statErr := parent.ReadContentMetadata(name)
		if statErr != nil {
			return promise.NewResult(p.Promiser, promise.Fail, statErr.Error(), p.Comment)
		}
		attrOutcome, attrMessage, attrErr := d.Reconciler.Reconcile(parent, name, metadata, p.Attributes)
		if attrErr != nil {
			return promise.NewResult(p.Promiser, promise.Fail, attrErr.Error(), p.Comment)
		}
		outcome = mergeOutcome(outcome, attrOutcome)
		if attrMessage != "" {
			if message != "" {
				message += "; "
			}
			message += attrMessage
		}
	}

	return d.finalize(p, outcome, message)
}

func (d *Dispatcher) finalize(p promise.Promise, outcome promise.Outcome, message string) promise.Result {
	if d.State != nil && d.State.DryRun && outcome == promise.Change {
		if !strings.HasPrefix(message, "(dry run)") {
			message = "(dry run) would change: " + message
		}
		return promise.NewResult(p.Promiser, promise.Noop, message, "")
	}
	return promise.NewResult(p.Promiser, outcome, message, p.Comment)
}

func mergeOutcome(a, b promise.Outcome) promise.Outcome {
	rank := func(o promise.Outcome) int {
		switch o {
		case promise.Noop:
			return 0
		case promise.Change:
			return 1
		case promise.Warn:
			return 2
		default:
			return 3
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// runTransformer runs the configured command in lieu of copy/modify,
// streaming its combined output to the log and interpreting its exit code.
func (d *Dispatcher) runTransformer(p promise.Promise) promise.Result {
	timeout := p.Attributes.Transaction.ExpireAfter
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	command := exec.CommandContext(ctx, "/bin/sh", "-c", p.Attributes.Transformer)
	var output bytes.Buffer
	command.Stdout = &output
	command.Stderr = &output

	err := command.Run()
	must.IOCopy(d.Logger.Writer(), bytes.NewReader(output.Bytes()), d.Logger)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return promise.NewResult(p.Promiser, promise.Interrupted, "transformer exceeded expireafter", p.Comment)
		}
		return promise.NewResult(p.Promiser, promise.Fail, errors.Wrap(err, "transformer command failed").Error(), p.Comment)
	}
	return promise.NewResult(p.Promiser, promise.Change, "transformer command succeeded", "")
}
