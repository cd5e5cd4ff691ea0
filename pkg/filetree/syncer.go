package filetree

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

// Store is the persistence sink for whole-tree writes.
type Store interface {
	LoadFileTree(ctx context.Context, projectID string) (Tree, error)
	SaveFileTree(ctx context.Context, projectID string, tree Tree) (int64, error)
}

// Trigger names what caused a write.
type Trigger string

const (
	TriggerDebounce  Trigger = "debounce"
	TriggerExplicit  Trigger = "explicit"
	TriggerGenerated Trigger = "generated"
	TriggerReplace   Trigger = "replace"
	TriggerShutdown  Trigger = "shutdown"
)

// SaveResult reports the outcome of one write.
type SaveResult struct {
	ProjectID string
	EditorID  string
	Trigger   Trigger
	Revision  int64
	Files     int
	SavedAt   time.Time
	Err       error
}

// Options configures a Syncer.
type Options struct {
	// Window is the quiet period after the last edit before a debounced write.
	Window time.Duration
	Logger *logging.Logger
	// OnSave is called after every write attempt, outside any lock.
	OnSave func(SaveResult)
	// WriteTimeout bounds a single background write.
	WriteTimeout time.Duration
}

type pendingKey struct {
	project string
	editor  string
}

type pendingWrite struct {
	timer *time.Timer
	gen   uint64
}

// projectState is pinned by users while an operation is between loading it
// and finishing its write; Evict leaves pinned states in place and marks them
// so the last unpin drops them.
type projectState struct {
	tree    Tree
	saveMu  sync.Mutex
	users   int
	version uint64
	evict   bool
}

// Syncer owns the in-memory canonical tree of each open project and writes it
// back through Store. Local edits are debounced per (project, editor); an
// explicit flush, a generated delta, or a replace writes immediately. Writes
// are whole-tree replaces, last write wins.
type Syncer struct {
	store        Store
	window       time.Duration
	writeTimeout time.Duration
	logger       *logging.Logger
	onSave       func(SaveResult)

	mu       sync.Mutex
	projects map[string]*projectState
	pending  map[pendingKey]*pendingWrite
	gen      uint64
	inflight sync.WaitGroup
	closed   bool
}

// NewSyncer creates a Syncer writing through store.
func NewSyncer(store Store, opts Options) *Syncer {
	window := opts.Window
	if window <= 0 {
		window = time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Syncer{
		store:        store,
		window:       window,
		writeTimeout: writeTimeout,
		logger:       opts.Logger,
		onSave:       opts.OnSave,
		projects:     make(map[string]*projectState),
		pending:      make(map[pendingKey]*pendingWrite),
	}
}

// Window returns the debounce window.
func (s *Syncer) Window() time.Duration {
	return s.window
}

// acquire returns the project's state pinned against eviction, loading it
// from the store on first use. Every acquire is paired with release.
func (s *Syncer) acquire(ctx context.Context, projectID string) (*projectState, error) {
	s.mu.Lock()
	if st, ok := s.projects[projectID]; ok {
		st.users++
		st.evict = false
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	tree, err := s.store.LoadFileTree(ctx, projectID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePersistence, "load file tree").
			WithContext("project", projectID)
	}
	if tree == nil {
		tree = Tree{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.projects[projectID]
	if !ok {
		st = &projectState{tree: tree}
		s.projects[projectID] = st
	}
	st.users++
	return st, nil
}

// pinLocked pins an already loaded state. It returns nil if none is loaded.
func (s *Syncer) pinLocked(projectID string) *projectState {
	st, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	st.users++
	return st
}

func (s *Syncer) release(projectID string, st *projectState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.users--
	if st.users == 0 && st.evict && !s.hasPendingLocked(projectID) && s.projects[projectID] == st {
		delete(s.projects, projectID)
	}
}

func (s *Syncer) hasPendingLocked(projectID string) bool {
	for key := range s.pending {
		if key.project == projectID {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the project's current tree, including edits not
// yet written.
func (s *Syncer) Snapshot(ctx context.Context, projectID string) (Tree, error) {
	st, err := s.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer s.release(projectID, st)
	s.mu.Lock()
	defer s.mu.Unlock()
	return st.tree.Clone(), nil
}

// Edit merges a local change into the project tree and (re)starts the
// debounce timer for editorID. The write happens once the editor has been
// quiet for the configured window.
func (s *Syncer) Edit(ctx context.Context, projectID, editorID string, delta Tree) (Tree, error) {
	st, err := s.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer s.release(projectID, st)

	s.mu.Lock()
	defer s.mu.Unlock()
	st.tree = Merge(st.tree, delta)
	st.version++
	if !s.closed {
		s.scheduleLocked(pendingKey{project: projectID, editor: editorID})
	}
	return st.tree.Clone(), nil
}

// Absorb merges a change that another instance has already taken
// responsibility for writing. Nothing is scheduled. Projects that are not
// loaded are left alone; they read the store on first access.
func (s *Syncer) Absorb(projectID string, delta Tree) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.projects[projectID]
	if !ok {
		return false
	}
	st.tree = Merge(st.tree, delta)
	st.version++
	return true
}

// Refresh reloads a loaded project from the store when it is idle: no
// pending edits, no operation in progress, and no change while the load ran.
// It reports whether the in-memory tree was replaced.
func (s *Syncer) Refresh(ctx context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	st, ok := s.projects[projectID]
	if !ok || st.users > 0 || s.hasPendingLocked(projectID) {
		s.mu.Unlock()
		return false, nil
	}
	version := st.version
	s.mu.Unlock()

	tree, err := s.store.LoadFileTree(ctx, projectID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodePersistence, "load file tree").
			WithContext("project", projectID)
	}
	if tree == nil {
		tree = Tree{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projects[projectID] != st || st.version != version || st.users > 0 || s.hasPendingLocked(projectID) {
		return false, nil
	}
	st.tree = tree
	return true, nil
}

func (s *Syncer) scheduleLocked(key pendingKey) {
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	p := &pendingWrite{gen: gen}
	p.timer = time.AfterFunc(s.window, func() { s.fire(key, gen) })
	s.pending[key] = p
}

func (s *Syncer) fire(key pendingKey, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	st := s.pinLocked(key.project)
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	s.persist(ctx, st, key.project, key.editor, TriggerDebounce)
}

// cancelLocked stops a pending timer and reports whether one existed.
func (s *Syncer) cancelLocked(key pendingKey) bool {
	p, ok := s.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, key)
	return true
}

// Cancel drops editorID's pending write without persisting it. The edits
// stay in memory and are written by the next save of the project.
func (s *Syncer) Cancel(projectID, editorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(pendingKey{project: projectID, editor: editorID})
}

// Pending reports whether editorID has a debounced write scheduled.
func (s *Syncer) Pending(projectID, editorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[pendingKey{project: projectID, editor: editorID}]
	return ok
}

// Flush cancels editorID's pending timer and writes the tree now.
func (s *Syncer) Flush(ctx context.Context, projectID, editorID string) (SaveResult, error) {
	st, err := s.acquire(ctx, projectID)
	if err != nil {
		return SaveResult{ProjectID: projectID, EditorID: editorID, Trigger: TriggerExplicit, Err: err}, err
	}
	s.mu.Lock()
	s.cancelLocked(pendingKey{project: projectID, editor: editorID})
	s.mu.Unlock()

	res := s.persist(ctx, st, projectID, editorID, TriggerExplicit)
	return res, res.Err
}

// FlushPending writes the tree only if editorID has a pending write. It
// reports whether a write was attempted.
func (s *Syncer) FlushPending(ctx context.Context, projectID, editorID string) bool {
	s.mu.Lock()
	had := s.cancelLocked(pendingKey{project: projectID, editor: editorID})
	var st *projectState
	if had {
		st = s.pinLocked(projectID)
	}
	s.mu.Unlock()
	if !had {
		return false
	}
	s.persist(ctx, st, projectID, editorID, TriggerExplicit)
	return true
}

// Apply merges a generated delta and writes immediately.
func (s *Syncer) Apply(ctx context.Context, projectID string, delta Tree) (Tree, error) {
	st, err := s.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	st.tree = Merge(st.tree, delta)
	st.version++
	merged := st.tree.Clone()
	s.mu.Unlock()

	res := s.persist(ctx, st, projectID, "", TriggerGenerated)
	return merged, res.Err
}

// Replace swaps the whole project tree and writes immediately.
func (s *Syncer) Replace(ctx context.Context, projectID string, tree Tree) (SaveResult, error) {
	st, err := s.acquire(ctx, projectID)
	if err != nil {
		return SaveResult{ProjectID: projectID, Trigger: TriggerReplace, Err: err}, err
	}
	s.mu.Lock()
	st.tree = tree.Clone()
	st.version++
	s.mu.Unlock()

	res := s.persist(ctx, st, projectID, "", TriggerReplace)
	return res, res.Err
}

// persist writes the freshest snapshot of st and releases the pin the caller
// took on it. Writes for one project are serialized so a stale snapshot never
// lands after a newer one.
func (s *Syncer) persist(ctx context.Context, st *projectState, projectID, editorID string, trigger Trigger) SaveResult {
	res := SaveResult{ProjectID: projectID, EditorID: editorID, Trigger: trigger}
	if st == nil {
		res.Err = apperrors.New(apperrors.ErrCodePersistence, "project is not loaded").
			WithContext("project", projectID)
		s.report(res)
		return res
	}
	defer s.release(projectID, st)

	st.saveMu.Lock()
	s.mu.Lock()
	snapshot := st.tree.Clone()
	s.mu.Unlock()
	res.Files = len(snapshot)

	ctx, span := telemetry.StartSpan(ctx, "filetree.persist",
		telemetry.AttrProjectID.String(projectID),
		telemetry.AttrTrigger.String(string(trigger)),
		telemetry.AttrFiles.Int(len(snapshot)),
	)
	rev, err := s.store.SaveFileTree(ctx, projectID, snapshot)
	st.saveMu.Unlock()

	if err != nil {
		res.Err = apperrors.Wrap(err, apperrors.ErrCodePersistence, "save file tree").
			WithContext("project", projectID).
			WithRetryable(true)
	} else {
		res.Revision = rev
		res.SavedAt = time.Now()
	}
	telemetry.EndSpan(span, res.Err)
	s.report(res)
	return res
}
func (s *Syncer) report(res SaveResult) {
	outcome := telemetry.OutcomeOK
	if res.Err != nil {
		outcome = telemetry.OutcomeError
		s.logger.Log(logging.Event{
			Level:     logging.LevelError,
			Category:  logging.CategoryPersistence,
			EventType: "filetree_save_failed",
			ProjectID: res.ProjectID,
			PeerID:    res.EditorID,
			Message:   res.Err.Error(),
			Details:   map[string]any{"trigger": string(res.Trigger)},
		})
	} else {
		s.logger.Log(logging.Event{
			Level:     logging.LevelDebug,
			Category:  logging.CategoryPersistence,
			EventType: "filetree_saved",
			ProjectID: res.ProjectID,
			PeerID:    res.EditorID,
			Details: map[string]any{
				"trigger":  string(res.Trigger),
				"revision": res.Revision,
				"files":    res.Files,
			},
		})
	}
	telemetry.FileTreeWrites.WithLabelValues(string(res.Trigger), outcome).Inc()

	if s.onSave != nil {
		s.onSave(res)
	}
}

// Evict forgets a project's in-memory tree when nothing is pending for it.
// A project with an operation in progress is dropped once that operation
// finishes. The next access reloads from the store.
func (s *Syncer) Evict(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.projects[projectID]
	if !ok {
		return true
	}
	if s.hasPendingLocked(projectID) {
		return false
	}
	if st.users > 0 {
		st.evict = true
		return false
	}
	delete(s.projects, projectID)
	return true
}

// Close writes every pending edit and stops accepting new timers.
func (s *Syncer) Close(ctx context.Context) error {
	type flushJob struct {
		key pendingKey
		st  *projectState
	}

	s.mu.Lock()
	s.closed = true
	var jobs []flushJob
	seen := make(map[string]bool)
	for key, p := range s.pending {
		p.timer.Stop()
		if seen[key.project] {
			continue
		}
		seen[key.project] = true
		jobs = append(jobs, flushJob{key: key, st: s.pinLocked(key.project)})
	}
	s.pending = make(map[pendingKey]*pendingWrite)
	s.mu.Unlock()

	var firstErr error
	for _, job := range jobs {
		if res := s.persist(ctx, job.st, job.key.project, job.key.editor, TriggerShutdown); res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
	}
	s.inflight.Wait()
	return firstErr
}
