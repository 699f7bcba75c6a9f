// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package updater hot-swaps installed plugin versions. Updates run
// through a single-worker FIFO queue so at most one swap touches the
// filesystem at a time; each update backs up the current version and
// rolls back to it when any later phase fails.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/lumina-assist/lumina/internal/fsutil"
	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/compat"
)

// Error codes for programmatic checks via oops.
const (
	CodeQueueFull      = "UPDATE_QUEUE_FULL"
	CodeUpdaterClosed  = "UPDATER_CLOSED"
	CodeNotAnUpgrade   = "UPDATE_NOT_AN_UPGRADE"
	CodeWrongPlugin    = "UPDATE_WRONG_PLUGIN"
	CodeBreakingChange = "UPDATE_BREAKING_CHANGE"
	CodeIncompatible   = "UPDATE_INCOMPATIBLE"
	CodeTaskNotFound   = "UPDATE_TASK_NOT_FOUND"
	CodeRollbackFailed = "ROLLBACK_FAILED"
)

// TaskStatus is the lifecycle state of one queued update.
type TaskStatus string

// Task statuses. A failed task may additionally have RolledBack set
// when the previous version was restored.
const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Phase names the step an update is in, recorded on the task and in
// failure events so operators can see how far a swap got.
type Phase string

// Update phases, in order.
const (
	PhasePrepare Phase = "prepare"
	PhaseBackup  Phase = "backup"
	PhaseSwap    Phase = "swap"
	PhaseVerify  Phase = "verify"
	PhaseCleanup Phase = "cleanup"
)

// Task is one queued or finished update.
type Task struct {
	ID          ulid.ULID
	PluginID    string
	PackageDir  string
	FromVersion string
	ToVersion   string
	Force       bool

	Status     TaskStatus
	Phase      Phase
	RolledBack bool
	Error      string
	// RollbackError is set when a rollback itself could not restore the
	// previous version; RolledBack is false in that case.
	RollbackError string
	QueuedAt      time.Time
	StartedAt     time.Time
	FinishedAt    time.Time

	wasEnabled bool
	installDir string
	backupPath string
}

// clone returns a copy safe to hand to callers.
func (t *Task) clone() *Task {
	c := *t
	return &c
}

// HostControl is the updater's view of the composition layer. Keeping
// it an interface breaks the import cycle with the manager and lets
// tests drive the updater without a full host.
type HostControl interface {
	// Installed returns the plugin's current metadata, install
	// directory, and enabled state.
	Installed(pluginID string) (meta *plugin.Metadata, dir string, enabled bool, err error)
	// CheckUpdate runs the compatibility verdict for current -> next.
	CheckUpdate(current, next *plugin.Metadata) compat.UpdateResult
	// Disable stops the plugin so its files can be replaced.
	Disable(ctx context.Context, pluginID string) error
	// Enable starts the plugin from its (possibly replaced) files.
	Enable(ctx context.Context, pluginID string) error
	// Refresh records the new metadata in the registry after a swap.
	Refresh(ctx context.Context, pluginID string, meta *plugin.Metadata) error
	// Dependents returns the ids of installed plugins that declare a
	// dependency on pluginID.
	Dependents(pluginID string) []string
}

// Defaults for queue depth and finished-task retention.
const (
	DefaultQueueDepth  = 16
	DefaultTaskHistory = 32
)

// Updater owns the update queue and worker.
type Updater struct {
	ctl         HostControl
	events      *plugin.Broadcaster
	backupRoot  string
	keepBackups int
	taskHistory int

	queue  chan ulid.ULID
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[ulid.ULID]*Task
	closed bool
}

// Option configures the Updater.
type Option func(*Updater)

// WithQueueDepth overrides the queue capacity.
func WithQueueDepth(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.queue = make(chan ulid.ULID, n)
		}
	}
}

// WithKeepBackups turns on backup pruning, keeping the n freshest
// backups per plugin. Without it every backup is retained for manual
// pruning.
func WithKeepBackups(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.keepBackups = n
		}
	}
}

// WithTaskHistory overrides how many finished tasks stay queryable.
func WithTaskHistory(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.taskHistory = n
		}
	}
}

// New creates an updater storing backups under backupRoot and starts
// its worker. Panics if ctl or events is nil.
func New(ctl HostControl, events *plugin.Broadcaster, backupRoot string, opts ...Option) *Updater {
	if ctl == nil {
		panic("updater.New: host control cannot be nil")
	}
	if events == nil {
		panic("updater.New: events cannot be nil")
	}
	u := &Updater{
		ctl:         ctl,
		events:      events,
		backupRoot:  backupRoot,
		taskHistory: DefaultTaskHistory,
		queue:       make(chan ulid.ULID, DefaultQueueDepth),
		tasks:       make(map[ulid.ULID]*Task),
	}
	for _, opt := range opts {
		opt(u)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.wg.Add(1)
	go u.work(ctx)
	return u
}

// Enqueue validates the candidate package and queues the update.
// A candidate must target the same plugin id, carry a strictly newer
// version, and pass the compatibility verdict unless force is set.
// The worker re-runs the verdict in prepare so queue order still
// decides against a moving registry state.
func (u *Updater) Enqueue(pluginID, packageDir string, force bool) (*Task, error) {
	current, installDir, enabled, err := u.ctl.Installed(pluginID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(packageDir, plugin.ManifestFileName)) //nolint:gosec // operator-supplied package path
	if err != nil {
		return nil, oops.In("updater").With("plugin", pluginID).
			Hint("update package has no readable manifest").Wrap(err)
	}
	next, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, oops.In("updater").With("plugin", pluginID).Wrap(err)
	}

	if next.ID != pluginID {
		return nil, oops.In("updater").Code(CodeWrongPlugin).
			With("plugin", pluginID).With("package_plugin", next.ID).
			New("update package targets a different plugin")
	}
	if !force {
		from := semver.MustParse(current.Version)
		to := semver.MustParse(next.Version)
		if !to.GreaterThan(from) {
			return nil, oops.In("updater").Code(CodeNotAnUpgrade).
				With("plugin", pluginID).
				With("from", current.Version).With("to", next.Version).
				New("update package does not carry a newer version")
		}
		if err := u.checkVerdict(pluginID, current, next); err != nil {
			return nil, err
		}
	}

	task := &Task{
		ID:          ulid.Make(),
		PluginID:    pluginID,
		PackageDir:  packageDir,
		FromVersion: current.Version,
		ToVersion:   next.Version,
		Force:       force,
		Status:      StatusQueued,
		QueuedAt:    time.Now(),
		wasEnabled:  enabled,
		installDir:  installDir,
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, oops.In("updater").Code(CodeUpdaterClosed).New("updater is closed")
	}
	u.tasks[task.ID] = task
	u.mu.Unlock()

	select {
	case u.queue <- task.ID:
	default:
		u.mu.Lock()
		delete(u.tasks, task.ID)
		u.mu.Unlock()
		return nil, oops.In("updater").Code(CodeQueueFull).
			With("plugin", pluginID).
			New("update queue is full")
	}

	u.events.Emit(plugin.NewEvent(plugin.EventUpdateQueued, pluginID, map[string]string{
		"task_id": task.ID.String(),
		"from":    task.FromVersion,
		"to":      task.ToVersion,
	}))
	slog.Info("update queued",
		"plugin", pluginID, "task", task.ID.String(),
		"from", task.FromVersion, "to", task.ToVersion)
	return task.clone(), nil
}

// Task returns a snapshot of a queued or finished task.
func (u *Updater) Task(id ulid.ULID) (*Task, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	task, ok := u.tasks[id]
	if !ok {
		return nil, oops.In("updater").Code(CodeTaskNotFound).
			With("task", id.String()).New("unknown update task")
	}
	return task.clone(), nil
}

// Tasks returns snapshots of all known tasks, newest first.
func (u *Updater) Tasks() []*Task {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Task, 0, len(u.tasks))
	for _, task := range u.tasks {
		out = append(out, task.clone())
	}
	// ULIDs sort by creation time.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ID.Compare(out[i].ID) > 0 {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// work is the single update worker.
func (u *Updater) work(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-u.queue:
			u.process(ctx, id)
		}
	}
}

// process runs one update through its phases.
func (u *Updater) process(ctx context.Context, id ulid.ULID) {
	u.mu.Lock()
	task := u.tasks[id]
	if task == nil {
		u.mu.Unlock()
		return
	}
	task.Status = StatusProcessing
	task.StartedAt = time.Now()
	u.mu.Unlock()

	u.events.Emit(plugin.NewEvent(plugin.EventUpdateStarted, task.PluginID, map[string]string{
		"task_id": task.ID.String(),
		"from":    task.FromVersion,
		"to":      task.ToVersion,
	}))

	if err := u.run(ctx, task); err != nil {
		u.fail(task, err)
		return
	}

	u.mu.Lock()
	task.Status = StatusCompleted
	task.FinishedAt = time.Now()
	u.evictFinishedLocked()
	u.mu.Unlock()

	u.events.Emit(plugin.NewEvent(plugin.EventUpdateCompleted, task.PluginID, map[string]string{
		"task_id": task.ID.String(),
		"from":    task.FromVersion,
		"to":      task.ToVersion,
	}))
	slog.Info("update completed",
		"plugin", task.PluginID, "task", task.ID.String(),
		"from", task.FromVersion, "to", task.ToVersion)
}

// run executes the phases in order. Phases after backup roll back on
// failure; prepare and backup failures leave the install untouched.
func (u *Updater) run(ctx context.Context, task *Task) error {
	u.setPhase(task, PhasePrepare)
	next, err := u.prepare(task)
	if err != nil {
		return err
	}

	u.setPhase(task, PhaseBackup)
	if err := u.backup(task); err != nil {
		return err
	}

	u.setPhase(task, PhaseSwap)
	if err := u.swap(ctx, task, next); err != nil {
		u.rollback(ctx, task)
		return err
	}

	u.setPhase(task, PhaseVerify)
	if err := u.verify(ctx, task); err != nil {
		u.rollback(ctx, task)
		return err
	}

	u.setPhase(task, PhaseCleanup)
	u.cleanup(task)
	return nil
}

// prepare re-validates the candidate against the live state and
// re-runs the compatibility verdict. Earlier queue entries may have
// changed the installed set or the plugin's enabled state since
// enqueue, so both are captured fresh here.
func (u *Updater) prepare(task *Task) (*plugin.Metadata, error) {
	current, _, enabled, err := u.ctl.Installed(task.PluginID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	task.wasEnabled = enabled
	u.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(task.PackageDir, plugin.ManifestFileName)) //nolint:gosec // validated at enqueue
	if err != nil {
		return nil, oops.In("updater").With("plugin", task.PluginID).
			Hint("update package vanished since enqueue").Wrap(err)
	}
	next, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, oops.In("updater").With("plugin", task.PluginID).Wrap(err)
	}

	if !task.Force {
		if err := u.checkVerdict(task.PluginID, current, next); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// checkVerdict runs the compatibility verdict for current -> next and
// turns a negative outcome into a coded error.
func (u *Updater) checkVerdict(pluginID string, current, next *plugin.Metadata) error {
	verdict := u.ctl.CheckUpdate(current, next)
	if verdict.BreakingChanges {
		return oops.In("updater").Code(CodeBreakingChange).
			With("plugin", pluginID).
			With("issues", issueMessages(verdict.Issues)).
			New("update introduces breaking changes; re-run with force to accept them")
	}
	if !verdict.Compatible {
		return oops.In("updater").Code(CodeIncompatible).
			With("plugin", pluginID).
			With("issues", issueMessages(verdict.Issues)).
			New("updated plugin would be incompatible with the installed set")
	}
	return nil
}

// backup copies the current install aside with an integrity manifest.
func (u *Updater) backup(task *Task) error {
	dir := filepath.Join(u.backupRoot, task.PluginID,
		fmt.Sprintf("%s-%s", task.FromVersion, task.ID.String()))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return oops.In("updater").With("plugin", task.PluginID).Wrap(err)
	}
	if err := fsutil.CopyTree(task.installDir, dir); err != nil {
		return oops.In("updater").With("plugin", task.PluginID).
			Hint("backup copy failed").Wrap(err)
	}
	sums, err := hashTree(dir)
	if err != nil {
		return oops.In("updater").With("plugin", task.PluginID).Wrap(err)
	}
	if err := writeChecksums(dir, sums); err != nil {
		return oops.In("updater").With("plugin", task.PluginID).Wrap(err)
	}

	u.mu.Lock()
	task.backupPath = dir
	u.mu.Unlock()
	return nil
}

// swap disables the plugin and replaces its files.
func (u *Updater) swap(ctx context.Context, task *Task, next *plugin.Metadata) error {
	if task.wasEnabled {
		if err := u.ctl.Disable(ctx, task.PluginID); err != nil {
			return oops.In("updater").With("plugin", task.PluginID).
				Hint("failed to stop plugin before swap").Wrap(err)
		}
	}
	if err := fsutil.ReplaceTree(task.PackageDir, task.installDir); err != nil {
		return oops.In("updater").With("plugin", task.PluginID).
			Hint("file swap failed").Wrap(err)
	}
	if err := u.ctl.Refresh(ctx, task.PluginID, next); err != nil {
		return oops.In("updater").With("plugin", task.PluginID).
			Hint("registry refresh failed").Wrap(err)
	}
	return nil
}

// verify checks the swapped files and, when the plugin was enabled,
// brings it back up. Enable is retried with backoff: transient load
// failures (a slow filesystem, a lingering subprocess port) should not
// trigger a full rollback.
func (u *Updater) verify(ctx context.Context, task *Task) error {
	data, err := os.ReadFile(filepath.Join(task.installDir, plugin.ManifestFileName)) //nolint:gosec // our own install dir
	if err != nil {
		return oops.In("updater").With("plugin", task.PluginID).
			Hint("swapped install has no manifest").Wrap(err)
	}
	meta, err := plugin.ParseManifest(data)
	if err != nil {
		return oops.In("updater").With("plugin", task.PluginID).Wrap(err)
	}
	if meta.ID != task.PluginID || meta.Version != task.ToVersion {
		return oops.In("updater").With("plugin", task.PluginID).
			With("want", task.ToVersion).
			With("got", meta.ID+"@"+meta.Version).
			New("swapped install does not carry the expected plugin version")
	}
	if _, err := os.Stat(filepath.Join(task.installDir, meta.Entry)); err != nil {
		return oops.In("updater").With("plugin", task.PluginID).
			Hint("swapped install is missing its entry module").Wrap(err)
	}

	if !task.wasEnabled {
		return nil
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := u.ctl.Enable(ctx, task.PluginID); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// rollback restores the backup and brings the previous version back.
// A restore that cannot complete is recorded on the task as a
// ROLLBACK_FAILED error so the failure event distinguishes "previous
// version restored" from "install left in the new, broken state".
func (u *Updater) rollback(ctx context.Context, task *Task) {
	u.mu.Lock()
	backupPath := task.backupPath
	task.RolledBack = backupPath != ""
	u.mu.Unlock()
	if backupPath == "" {
		return
	}

	slog.Warn("rolling back failed update",
		"plugin", task.PluginID, "task", task.ID.String(),
		"to", task.FromVersion)

	if err := verifyChecksums(backupPath); err != nil {
		u.rollbackFailed(task, oops.In("updater").Code(CodeRollbackFailed).
			With("plugin", task.PluginID).With("backup", backupPath).
			Hint("backup failed integrity check; not restoring").Wrap(err))
		return
	}

	if err := fsutil.ReplaceTree(backupPath, task.installDir); err != nil {
		u.rollbackFailed(task, oops.In("updater").Code(CodeRollbackFailed).
			With("plugin", task.PluginID).With("backup", backupPath).
			Hint("restore from backup failed").Wrap(err))
		return
	}
	// The checksum manifest is backup metadata, not plugin content.
	_ = os.Remove(filepath.Join(task.installDir, checksumFileName)) //nolint:errcheck // best effort

	if data, err := os.ReadFile(filepath.Join(task.installDir, plugin.ManifestFileName)); err == nil { //nolint:gosec // our own install dir
		if meta, err := plugin.ParseManifest(data); err == nil {
			if err := u.ctl.Refresh(ctx, task.PluginID, meta); err != nil {
				slog.Error("registry refresh after rollback failed",
					"plugin", task.PluginID, "error", err)
			}
		}
	}

	if task.wasEnabled {
		if err := u.ctl.Enable(ctx, task.PluginID); err != nil {
			slog.Error("re-enable after rollback failed",
				"plugin", task.PluginID, "error", err)
		}
	}

	u.events.Emit(plugin.NewEvent(plugin.EventUpdateRolledBack, task.PluginID, map[string]string{
		"task_id": task.ID.String(),
		"to":      task.FromVersion,
	}))
}

// rollbackFailed records that the previous version could not be
// restored. The failure event for the task carries the rollback error
// alongside the original one.
func (u *Updater) rollbackFailed(task *Task, err error) {
	slog.Error("rollback failed",
		"plugin", task.PluginID, "task", task.ID.String(), "error", err)
	u.mu.Lock()
	task.RolledBack = false
	task.RollbackError = err.Error()
	u.mu.Unlock()
}

// cleanup notifies plugins depending on the updated one and, only
// when a retention count was configured, prunes backups beyond it.
// Backups are otherwise kept for manual pruning.
func (u *Updater) cleanup(task *Task) {
	for _, dep := range u.ctl.Dependents(task.PluginID) {
		u.events.Emit(plugin.NewEvent(plugin.EventDependencyUpdated, dep, map[string]string{
			"dependency": task.PluginID,
			"to":         task.ToVersion,
		}))
	}
	if u.keepBackups <= 0 {
		return
	}
	u.pruneBackups(task.PluginID)
}

// pruneBackups removes the oldest backups beyond the retention count.
// The freshest backups stay so an operator can still roll back by hand.
func (u *Updater) pruneBackups(pluginID string) {
	dir := filepath.Join(u.backupRoot, pluginID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	// Backup names end in a ULID, so lexical order is creation order.
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= u.keepBackups {
		return
	}
	for i := 0; i < len(names)-u.keepBackups; i++ {
		if err := os.RemoveAll(filepath.Join(dir, names[i])); err != nil {
			slog.Warn("failed to prune old backup",
				"plugin", pluginID, "backup", names[i], "error", err)
		}
	}
}

// fail marks the task failed and emits updateFailed.
func (u *Updater) fail(task *Task, err error) {
	u.mu.Lock()
	task.Status = StatusFailed
	task.Error = err.Error()
	task.FinishedAt = time.Now()
	phase := task.Phase
	rolledBack := task.RolledBack
	rollbackErr := task.RollbackError
	u.evictFinishedLocked()
	u.mu.Unlock()

	detail := map[string]string{
		"task_id":     task.ID.String(),
		"phase":       string(phase),
		"rolled_back": fmt.Sprintf("%t", rolledBack),
		"error":       err.Error(),
	}
	if rollbackErr != "" {
		detail["rollback_error"] = rollbackErr
	}
	u.events.Emit(plugin.NewEvent(plugin.EventUpdateFailed, task.PluginID, detail))
	slog.Error("update failed",
		"plugin", task.PluginID, "task", task.ID.String(),
		"phase", string(phase), "rolled_back", rolledBack, "error", err)
}

// evictFinishedLocked drops the oldest finished tasks beyond the
// history cap so the task map cannot grow without bound. Queued and
// processing tasks are never evicted. Callers hold u.mu. The cap
// leaves a grace window for pollers watching a just-finished task.
func (u *Updater) evictFinishedLocked() {
	var finished []ulid.ULID
	for id, task := range u.tasks {
		if task.Status == StatusCompleted || task.Status == StatusFailed {
			finished = append(finished, id)
		}
	}
	if len(finished) <= u.taskHistory {
		return
	}
	// ULIDs sort by creation time, oldest first.
	for i := 0; i < len(finished); i++ {
		for j := i + 1; j < len(finished); j++ {
			if finished[j].Compare(finished[i]) < 0 {
				finished[i], finished[j] = finished[j], finished[i]
			}
		}
	}
	for _, id := range finished[:len(finished)-u.taskHistory] {
		delete(u.tasks, id)
	}
}

func (u *Updater) setPhase(task *Task, phase Phase) {
	u.mu.Lock()
	task.Phase = phase
	u.mu.Unlock()
}

func issueMessages(issues []compat.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Message
	}
	return out
}

// Close stops the worker. Queued tasks that have not started stay
// queued in memory but will never run.
func (u *Updater) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()

	u.cancel()
	u.wg.Wait()
}
