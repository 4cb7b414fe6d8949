package workspace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pulse/internal/config"
	"pulse/internal/logging"
)

// Artifact types.
const (
	ArtifactFile         = "file"
	ArtifactHTMLApp      = "html_app"
	ArtifactFullstackApp = "fullstack_app"
)

// ErrPathTraversal is returned when a filename resolves outside its task
// directory. Traversal on write is an error; traversal on read collapses
// to not-found.
var ErrPathTraversal = errors.New("path traversal blocked")

// ErrNoBackend is returned by StartBackend when the task has no backend.py.
var ErrNoBackend = errors.New("no backend.py in task")

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces   = regexp.MustCompile(`[\s_]+`)
	slugCollapse = regexp.MustCompile(`-+`)
)

// Slugify converts a human-readable name into a URL-safe slug, truncated
// to 40 characters. An empty result becomes "task".
func Slugify(text string) string {
	slug := strings.TrimSpace(strings.ToLower(text))
	slug = slugInvalid.ReplaceAllString(slug, "")
	slug = slugSpaces.ReplaceAllString(slug, "-")
	slug = slugCollapse.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// TaskState is the runtime record for one workspace task.
type TaskState struct {
	SessionID    string
	TaskID       string
	TaskName     string
	ArtifactType string
	CreatedAt    time.Time

	cmd         *exec.Cmd
	done        chan struct{}
	exitErr     error
	backendPort int
}

// Running reports whether the task's backend subprocess is alive.
func (t *TaskState) Running() bool {
	if t.cmd == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Status is "running"/"stopped" for fullstack tasks and "ready" otherwise.
func (t *TaskState) Status() string {
	if t.ArtifactType == ArtifactFullstackApp {
		if t.Running() {
			return "running"
		}
		return "stopped"
	}
	return "ready"
}

// TaskInfo is the serializable view of a task.
type TaskInfo struct {
	SessionID    string `json:"session_id"`
	TaskID       string `json:"task_id"`
	TaskName     string `json:"task_name"`
	ArtifactType string `json:"artifact_type"`
	Status       string `json:"status"`
	BackendPort  int    `json:"backend_port,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

func (t *TaskState) info() TaskInfo {
	info := TaskInfo{
		SessionID:    t.SessionID,
		TaskID:       t.TaskID,
		TaskName:     t.TaskName,
		ArtifactType: t.ArtifactType,
		Status:       t.Status(),
	}
	if t.Running() {
		info.BackendPort = t.backendPort
	}
	if !t.CreatedAt.IsZero() {
		info.CreatedAt = t.CreatedAt.Format(time.RFC3339)
	}
	return info
}

// Manager owns the on-disk workspace layout and the backend subprocess
// lifecycle. It runs only inside the agent process.
//
// Directory layout:
//
//	{base_dir}/{session_id}/{task_id}/
//	    index.html        frontend (apps)
//	    backend.py        backend entrypoint (fullstack only)
//	    requirements.txt  optional pip deps
//	    backend.log       backend stdout + stderr
type Manager struct {
	baseDir     string
	pythonBin   string
	bootTimeout time.Duration
	stopGrace   time.Duration
	logger      logging.Logger

	mu    sync.Mutex
	tasks map[string]map[string]*TaskState
}

// NewManager creates a workspace manager rooted at cfg.BaseDir.
func NewManager(cfg config.WorkspaceConfig) (*Manager, error) {
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base dir: %w", err)
	}
	pythonBin := cfg.PythonBin
	if pythonBin == "" {
		pythonBin = "python3"
	}
	bootTimeout := cfg.BootTimeout
	if bootTimeout == 0 {
		bootTimeout = 3 * time.Second
	}
	stopGrace := cfg.StopGrace
	if stopGrace == 0 {
		stopGrace = 5 * time.Second
	}
	return &Manager{
		baseDir:     base,
		pythonBin:   pythonBin,
		bootTimeout: bootTimeout,
		stopGrace:   stopGrace,
		logger:      logging.NewComponentLogger("Workspace"),
		tasks:       map[string]map[string]*TaskState{},
	}, nil
}

// TaskDir returns the absolute path to a task directory without creating it.
func (m *Manager) TaskDir(sessionID, taskID string) string {
	return filepath.Join(m.baseDir, sessionID, taskID)
}

// uniqueSlug derives a task id not already used in this session, checking
// both the in-memory registry and the on-disk listing so collisions survive
// a manager restart.
func (m *Manager) uniqueSlug(sessionID, taskName string) string {
	base := Slugify(taskName)

	existing := map[string]bool{}
	for taskID := range m.tasks[sessionID] {
		existing[taskID] = true
	}
	if entries, err := os.ReadDir(filepath.Join(m.baseDir, sessionID)); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				existing[entry.Name()] = true
			}
		}
	}

	slug := base
	for counter := 2; existing[slug]; counter++ {
		slug = fmt.Sprintf("%s-%d", base, counter)
	}
	return slug
}

// CreateTask registers a new task and creates its directory, returning the
// generated task id.
func (m *Manager) CreateTask(sessionID, taskName, artifactType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskID := m.uniqueSlug(sessionID, taskName)
	if err := os.MkdirAll(m.TaskDir(sessionID, taskID), 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}

	if m.tasks[sessionID] == nil {
		m.tasks[sessionID] = map[string]*TaskState{}
	}
	m.tasks[sessionID][taskID] = &TaskState{
		SessionID:    sessionID,
		TaskID:       taskID,
		TaskName:     taskName,
		ArtifactType: artifactType,
		CreatedAt:    time.Now().UTC(),
	}

	m.logger.Info("created task session=%s task=%s type=%s", sessionID, taskID, artifactType)
	return taskID, nil
}

// WriteTaskFile writes text into a task directory. A filename resolving
// outside the task directory fails with ErrPathTraversal.
func (m *Manager) WriteTaskFile(sessionID, taskID, filename, content string) (string, error) {
	taskDir := m.TaskDir(sessionID, taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}

	dest := filepath.Clean(filepath.Join(taskDir, filename))
	if !strings.HasPrefix(dest, taskDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}

	// The lexical check above misses symlinks planted inside the task dir,
	// so the resolved parent has to land back inside the resolved task dir.
	parent, err := filepath.EvalSymlinks(filepath.Dir(dest))
	if err != nil {
		return "", fmt.Errorf("resolve task path: %w", err)
	}
	root, err := filepath.EvalSymlinks(taskDir)
	if err != nil {
		return "", fmt.Errorf("resolve task dir: %w", err)
	}
	if parent != root && !strings.HasPrefix(parent, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}
	if info, err := os.Lstat(dest); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}

	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write task file: %w", err)
	}
	m.logger.Debug("wrote %s -> %s", filename, dest)
	return dest, nil
}

// ResolveTaskFile safely resolves a file inside a task directory. Returns
// "" for out-of-bounds, missing, or non-regular paths; this runs on hot
// request paths where not-found is the right answer, not an error.
func (m *Manager) ResolveTaskFile(sessionID, taskID, relativePath string) string {
	taskDir := m.TaskDir(sessionID, taskID)
	if _, err := os.Stat(taskDir); err != nil {
		return ""
	}
	target := filepath.Clean(filepath.Join(taskDir, relativePath))
	if !strings.HasPrefix(target, taskDir+string(filepath.Separator)) {
		return ""
	}
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return ""
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return ""
	}
	root, err := filepath.EvalSymlinks(taskDir)
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return ""
	}
	return target
}

// GetTask returns the live state for a task, or nil.
func (m *Manager) GetTask(sessionID, taskID string) *TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[sessionID][taskID]
}

// ListTasks returns metadata for every task in a session, including tasks
// found only on disk after a manager restart.
func (m *Manager) ListTasks(sessionID string) []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []TaskInfo
	known := map[string]bool{}
	for taskID, state := range m.tasks[sessionID] {
		known[taskID] = true
		infos = append(infos, state.info())
	}

	if entries, err := os.ReadDir(filepath.Join(m.baseDir, sessionID)); err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !known[entry.Name()] {
				infos = append(infos, TaskInfo{
					SessionID:    sessionID,
					TaskID:       entry.Name(),
					TaskName:     entry.Name(),
					ArtifactType: "unknown",
					Status:       "unknown",
				})
			}
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].TaskID < infos[j].TaskID })
	return infos
}

// StartBackend launches (or restarts) the backend.py for a task and
// returns the TCP port it was given. The subprocess gets PORT, SESSION_ID,
// and TASK_ID in its environment and logs to backend.log in the task dir.
func (m *Manager) StartBackend(ctx context.Context, sessionID, taskID string) (int, error) {
	taskDir := m.TaskDir(sessionID, taskID)
	backendPath := filepath.Join(taskDir, "backend.py")
	if _, err := os.Stat(backendPath); err != nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoBackend, sessionID, taskID)
	}

	// Stop-first makes restart idempotent.
	m.StopBackend(sessionID, taskID)

	m.installRequirements(ctx, taskDir)

	port, err := findFreePort()
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}

	logPath := filepath.Join(taskDir, "backend.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return 0, fmt.Errorf("create backend log: %w", err)
	}

	cmd := exec.Command(m.pythonBin, backendPath)
	cmd.Dir = taskDir
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"SESSION_ID="+sessionID,
		"TASK_ID="+taskID,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start backend: %w", err)
	}

	done := make(chan struct{})
	state := m.ensureTask(sessionID, taskID)
	m.mu.Lock()
	state.cmd = cmd
	state.done = done
	state.backendPort = port
	m.mu.Unlock()

	go func() {
		state.exitErr = cmd.Wait()
		logFile.Close()
		close(done)
	}()

	// Give the process time to bind its port, then make sure it has not
	// already died.
	select {
	case <-done:
		return 0, fmt.Errorf("backend for %s/%s exited immediately (%v)\nlog:\n%s",
			sessionID, taskID, state.exitErr, tailFile(logPath, 30))
	case <-time.After(m.bootTimeout):
	case <-ctx.Done():
		m.StopBackend(sessionID, taskID)
		return 0, ctx.Err()
	}

	m.logger.Info("backend started session=%s task=%s pid=%d port=%d",
		sessionID, taskID, cmd.Process.Pid, port)
	return port, nil
}

// StopBackend terminates a running backend, escalating to a hard kill
// after the grace period. No-op when nothing is running.
func (m *Manager) StopBackend(sessionID, taskID string) {
	m.mu.Lock()
	state := m.tasks[sessionID][taskID]
	if state == nil || !state.Running() {
		m.mu.Unlock()
		return
	}
	cmd, done := state.cmd, state.done
	m.mu.Unlock()

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(m.stopGrace):
		m.logger.Warn("backend %s/%s did not exit, killing", sessionID, taskID)
		_ = cmd.Process.Kill()
		<-done
	}

	m.mu.Lock()
	state.cmd = nil
	state.backendPort = 0
	m.mu.Unlock()
	m.logger.Info("backend stopped session=%s task=%s", sessionID, taskID)
}

// BackendPort returns the live backend port for a task, or 0.
func (m *Manager) BackendPort(sessionID, taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.tasks[sessionID][taskID]
	if state == nil || !state.Running() {
		return 0
	}
	return state.backendPort
}

// DeleteTask stops the backend, removes the task directory, and drops the
// in-memory record. Irreversible.
func (m *Manager) DeleteTask(sessionID, taskID string) error {
	m.StopBackend(sessionID, taskID)

	taskDir := m.TaskDir(sessionID, taskID)
	if err := os.RemoveAll(taskDir); err != nil {
		return fmt.Errorf("delete task dir: %w", err)
	}
	m.logger.Info("deleted %s", taskDir)

	m.mu.Lock()
	delete(m.tasks[sessionID], taskID)
	if len(m.tasks[sessionID]) == 0 {
		delete(m.tasks, sessionID)
	}
	m.mu.Unlock()
	return nil
}

// ShutdownAll stops every tracked backend. Called on agent shutdown so no
// subprocess outlives the manager.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	type pair struct{ session, task string }
	var running []pair
	for sessionID, tasks := range m.tasks {
		for taskID := range tasks {
			running = append(running, pair{sessionID, taskID})
		}
	}
	m.mu.Unlock()

	for _, p := range running {
		m.StopBackend(p.session, p.task)
	}
	m.logger.Info("all backends stopped")
}

// ensureTask returns the task state, reconstructing a minimal record for
// tasks created before a manager restart.
func (m *Manager) ensureTask(sessionID, taskID string) *TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state := m.tasks[sessionID][taskID]; state != nil {
		return state
	}
	state := &TaskState{
		SessionID:    sessionID,
		TaskID:       taskID,
		TaskName:     taskID,
		ArtifactType: ArtifactFullstackApp,
		CreatedAt:    time.Now().UTC(),
	}
	if m.tasks[sessionID] == nil {
		m.tasks[sessionID] = map[string]*TaskState{}
	}
	m.tasks[sessionID][taskID] = state
	return state
}

// installRequirements runs pip for a task's requirements.txt. Install
// failures are logged, not fatal: the backend may not need the deps.
func (m *Manager) installRequirements(ctx context.Context, taskDir string) {
	reqPath := filepath.Join(taskDir, "requirements.txt")
	if _, err := os.Stat(reqPath); err != nil {
		return
	}
	m.logger.Info("pip install for %s", filepath.Base(taskDir))
	cmd := exec.CommandContext(ctx, m.pythonBin, "-m", "pip", "install", "-r", reqPath, "--quiet")
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("pip install failed: %s", truncate(string(out), 400))
	}
}

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "(log unavailable)"
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
