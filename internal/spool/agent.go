package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/model"
)

// changeFile is the on-disk shape the POS application writes into the
// spool. The content hash is computed here, not by the writer.
type changeFile struct {
	RecordID    string          `json:"record_id"`
	BaseVersion int64           `json:"base_version"`
	Op          model.Operation `json:"op"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ChangedAt   time.Time       `json:"changed_at"`
	Priority    int             `json:"priority,omitempty"`
}

// Config holds agent configuration.
type Config struct {
	// SpoolDir is the root spool directory; each immediate
	// subdirectory is watched as one table.
	SpoolDir string

	// PushInterval is how often queued changes are flushed to the
	// server (default: 5s).
	PushInterval time.Duration

	// PullInterval is how often the agent pulls deliveries
	// (default: 30s).
	PullInterval time.Duration

	// DebounceInterval batches rapid writes to the same file together
	// (default: 200ms).
	DebounceInterval time.Duration

	// Logger for agent activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushInterval:     5 * time.Second,
		PullInterval:     30 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[agent] ", log.LstdFlags),
	}
}

// Applier consumes confirmed deliveries pulled from the server. The
// POS application supplies one to fold remote versions into its own
// database; the agent writes pulled payloads to inbox/ when none is
// set.
type Applier func(item *model.QueueItem) error

// Agent watches the spool directory and runs push/pull cycles against
// the sync server.
type Agent struct {
	api     *Client
	config  *Config
	cursor  int64
	applier Applier

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent over an API client and a spool directory.
func New(api *Client, config *Config) (*Agent, error) {
	if api == nil {
		return nil, fmt.Errorf("api client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config.PushInterval <= 0 {
		config.PushInterval = 5 * time.Second
	}
	if config.PullInterval <= 0 {
		config.PullInterval = 30 * time.Second
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Agent{
		api:         api,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// SetApplier installs the delivery consumer. Must be called before
// Start.
func (a *Agent) SetApplier(fn Applier) { a.applier = fn }

// SetCursor seeds the pull progress marker, normally from the last
// persisted sync state. The server owes deliveries by queue status; the
// marker is only echoed back as next_cursor.
func (a *Agent) SetCursor(version int64) { a.cursor = version }

// Start runs the agent until ctx is cancelled. It sweeps the spool
// once on startup so changes written while the agent was down are not
// lost, then watches for new files.
func (a *Agent) Start(ctx context.Context) error {
	a.config.Logger.Printf("Starting agent over %s", a.config.SpoolDir)

	tables, err := a.watchSpool()
	if err != nil {
		return err
	}
	a.config.Logger.Printf("Watching %d table directories", len(tables))

	// Catch up on anything spooled while we were down.
	for _, table := range tables {
		a.sweepTable(table)
	}

	a.wg.Add(3)
	go a.watchFileEvents()
	go a.pushLoop()
	go a.pullLoop()

	select {
	case <-ctx.Done():
		a.config.Logger.Println("Shutdown signal received")
		return a.Stop()
	case <-a.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the agent.
func (a *Agent) Stop() error {
	a.config.Logger.Println("Stopping agent")

	a.cancel()

	if err := a.watcher.Close(); err != nil {
		a.config.Logger.Printf("Error closing watcher: %v", err)
	}

	a.wg.Wait()

	a.config.Logger.Println("Agent stopped")
	return nil
}

// watchSpool adds every table subdirectory to the watcher and returns
// the table names found.
func (a *Agent) watchSpool() ([]string, error) {
	entries, err := os.ReadDir(a.config.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var tables []string
	for _, entry := range entries {
		if !entry.IsDir() || reservedDir(entry.Name()) {
			continue
		}
		dir := filepath.Join(a.config.SpoolDir, entry.Name())
		if err := a.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		tables = append(tables, entry.Name())
	}
	sort.Strings(tables)
	return tables, nil
}

// reservedDir reports whether a spool subdirectory belongs to the
// agent rather than a table.
func reservedDir(name string) bool {
	switch name {
	case "applied", "rejects", "inbox":
		return true
	}
	return strings.HasPrefix(name, ".")
}

// sweepTable queues every change file already sitting in a table
// directory.
func (a *Agent) sweepTable(table string) {
	dir := filepath.Join(a.config.SpoolDir, table)
	entries, err := os.ReadDir(dir)
	if err != nil {
		a.config.Logger.Printf("Warning: failed to sweep %s: %v", dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		a.queueChange(filepath.Join(dir, entry.Name()))
	}
}

// watchFileEvents monitors filesystem events and queues changes.
func (a *Agent) watchFileEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			a.queueChange(event.Name)

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (a *Agent) queueChange(path string) {
	a.changeQueueMu.Lock()
	defer a.changeQueueMu.Unlock()

	a.changeQueue[path] = time.Now()
}

// pushLoop periodically flushes settled spool files to the server.
func (a *Agent) pushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return

		case <-ticker.C:
			a.flushChanges()
		}
	}
}

// flushChanges collects debounced spool files into one push batch.
func (a *Agent) flushChanges() {
	a.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range a.changeQueue {
		if now.Sub(queuedAt) < a.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(a.changeQueue, path)
	}
	a.changeQueueMu.Unlock()

	if len(ready) == 0 {
		return
	}
	sort.Strings(ready)

	var changes []model.Change
	var paths []string
	for _, path := range ready {
		change, err := a.readChangeFile(path)
		if err != nil {
			a.config.Logger.Printf("Error reading %s: %v", path, err)
			a.moveToRejects(path, err.Error())
			continue
		}
		changes = append(changes, change)
		paths = append(paths, path)
	}
	if len(changes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, 60*time.Second)
	result, err := a.api.Push(ctx, changes)
	cancel()
	if err != nil {
		a.config.Logger.Printf("Push failed, will retry: %v", err)
		// Leave the files in place for the next cycle.
		a.requeue(paths)
		return
	}

	a.settlePush(changes, paths, result)
}

// settlePush moves each pushed file according to the server's verdict:
// applied and resolved-in-our-favor changes archive to applied/,
// server-side wins and rejections park in rejects/ with the reason.
func (a *Agent) settlePush(changes []model.Change, paths []string, result *engine.PushResult) {
	rejected := make(map[string]string)
	for _, r := range result.Rejected {
		rejected[r.Table+"/"+r.RecordID] = r.Reason
	}
	lost := make(map[string]string)
	for _, c := range result.Conflicts {
		if c.Winner == "server" || c.Winner == "manual" {
			lost[c.Table+"/"+c.RecordID] = fmt.Sprintf(
				"conflict under %s policy: server kept version %d", c.Policy, c.ServerVersion)
		}
	}

	for i, change := range changes {
		key := change.Table + "/" + change.RecordID
		if reason, ok := rejected[key]; ok {
			a.moveToRejects(paths[i], reason)
			continue
		}
		if reason, ok := lost[key]; ok {
			a.moveToRejects(paths[i], reason)
			continue
		}
		a.moveToApplied(paths[i])
	}
}

// readChangeFile parses one spool file into a change, computing the
// content hash over the payload.
func (a *Agent) readChangeFile(path string) (model.Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Change{}, fmt.Errorf("failed to read change file: %w", err)
	}

	var cf changeFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return model.Change{}, fmt.Errorf("failed to parse change file: %w", err)
	}

	change := model.Change{
		Table:       filepath.Base(filepath.Dir(path)),
		RecordID:    cf.RecordID,
		BaseVersion: cf.BaseVersion,
		Op:          cf.Op,
		Payload:     cf.Payload,
		ChangedAt:   cf.ChangedAt,
		Priority:    cf.Priority,
	}
	if change.ChangedAt.IsZero() {
		info, statErr := os.Stat(path)
		if statErr == nil {
			change.ChangedAt = info.ModTime()
		} else {
			change.ChangedAt = time.Now()
		}
	}
	change.ContentHash, err = integrity.Hash(cf.Payload)
	if err != nil {
		return model.Change{}, err
	}
	if err := change.Validate(); err != nil {
		return model.Change{}, err
	}
	return change, nil
}

// requeue puts paths back on the change queue after a transient push
// failure.
func (a *Agent) requeue(paths []string) {
	a.changeQueueMu.Lock()
	defer a.changeQueueMu.Unlock()
	stamp := time.Now().Add(-a.config.DebounceInterval)
	for _, path := range paths {
		a.changeQueue[path] = stamp
	}
}

// moveToApplied archives a successfully pushed spool file.
func (a *Agent) moveToApplied(path string) {
	dest := filepath.Join(a.config.SpoolDir, "applied", filepath.Base(filepath.Dir(path)))
	a.moveFile(path, dest, "")
}

// moveToRejects parks a refused spool file with the reason alongside.
func (a *Agent) moveToRejects(path, reason string) {
	dest := filepath.Join(a.config.SpoolDir, "rejects", filepath.Base(filepath.Dir(path)))
	a.moveFile(path, dest, reason)
}

func (a *Agent) moveFile(path, destDir, reason string) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		a.config.Logger.Printf("Error creating %s: %v", destDir, err)
		return
	}
	dest := filepath.Join(destDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		a.config.Logger.Printf("Error moving %s: %v", path, err)
		return
	}
	if reason != "" {
		reasonPath := dest + ".reason"
		if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0o644); err != nil {
			a.config.Logger.Printf("Error writing %s: %v", reasonPath, err)
		}
	}
}

// pullLoop periodically pulls deliveries and acknowledges them.
func (a *Agent) pullLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return

		case <-ticker.C:
			a.pullOnce()
		}
	}
}

// pullOnce runs one pull/apply/ack cycle.
func (a *Agent) pullOnce() {
	ctx, cancel := context.WithTimeout(a.ctx, 60*time.Second)
	defer cancel()

	result, err := a.api.Pull(ctx, a.cursor, 500)
	if err != nil {
		a.config.Logger.Printf("Pull failed: %v", err)
		return
	}
	if len(result.Items) == 0 {
		return
	}

	a.config.Logger.Printf("Pulled %d items (batch %s)", len(result.Items), result.BatchID)

	for _, item := range result.Items {
		if err := a.applyItem(item); err != nil {
			a.config.Logger.Printf("Apply failed on %s/%s v%d: %v",
				item.Table, item.RecordID, item.Version, err)
			if ackErr := a.api.Ack(ctx, result.BatchID, false, "apply_failed", err.Error()); ackErr != nil {
				a.config.Logger.Printf("Ack (failure) error: %v", ackErr)
			}
			return
		}
	}

	if err := a.api.Ack(ctx, result.BatchID, true, "", ""); err != nil {
		a.config.Logger.Printf("Ack error: %v", err)
		return
	}
	a.cursor = result.NextCursor
}

// applyItem hands one delivery to the applier, defaulting to the inbox
// directory.
func (a *Agent) applyItem(item *model.QueueItem) error {
	if a.applier != nil {
		return a.applier(item)
	}

	dir := filepath.Join(a.config.SpoolDir, "inbox", item.Table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	name := fmt.Sprintf("%s.v%d.json", item.RecordID, item.Version)
	if err := os.WriteFile(filepath.Join(dir, name), item.Payload, 0o644); err != nil {
		return fmt.Errorf("failed to write inbox file: %w", err)
	}
	return nil
}
