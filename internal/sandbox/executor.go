// Package sandbox executes model-requested code and commands in
// short-lived Docker containers. Validation happens before any
// container starts; every invocation produces a ToolExecutionResult,
// never an error that escapes into the chat turn.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"baagent/internal/config"
	"baagent/internal/filestore"
	"baagent/internal/logging"
	"baagent/internal/types"
)

// CachePolicy controls result memoisation per call.
type CachePolicy string

const (
	CacheNone    CachePolicy = "no_cache"
	CacheMemoize CachePolicy = "memoize_by_input"
)

// spillThresholdBytes is the observation size past which full output is
// stored as a file-store artifact instead of inlined.
const spillThresholdBytes = 1 << 20

// Options parameterise one execution.
type Options struct {
	ToolCallID  string
	SessionID   string
	OutputLevel types.OutputLevel
	Cache       CachePolicy
	Language    string // code only: "python" (default) or "go"
}

// Executor is the sandbox front door. Stateless and safe for
// concurrent use; each call gets a fresh container.
type Executor struct {
	runner *dockerRunner
	store  *filestore.Store
	cfg    config.DockerConfig
	sec    config.SecurityConfig
	log    *logging.Logger
}

// New builds an executor. store is used for large-output spill and the
// memoisation cache.
func New(cfg config.DockerConfig, sec config.SecurityConfig, store *filestore.Store) *Executor {
	return &Executor{
		runner: newDockerRunner(cfg),
		store:  store,
		cfg:    cfg,
		sec:    sec,
		log:    logging.Get(logging.CategorySandbox),
	}
}

// Available reports whether the container runtime is usable.
func (e *Executor) Available() bool { return e.runner.Available() }

// ExecuteCommand runs an allow-listed command in a fresh container.
// Commands off the allow-list fail fast with NotPermitted and no
// container is started.
func (e *Executor) ExecuteCommand(ctx context.Context, cmdline string, opts Options) *types.ToolExecutionResult {
	start := time.Now()
	res := e.newResult("execute_command", opts)

	argv, err := validateCommand(cmdline, e.sec.CommandWhitelist)
	if err != nil {
		return e.fail(res, err, start)
	}
	if cached, ok := e.cacheLookup(ctx, "execute_command", cmdline, opts); ok {
		return cached
	}

	run, err := e.runner.run(ctx, runSpec{
		argv:        argv,
		memoryLimit: e.cfg.MemoryLimit,
	})
	e.finish(ctx, res, run, err, start)
	e.cacheSave(ctx, "execute_command", cmdline, opts, res)
	return res
}

// ExecuteCode scans the submitted source, writes it into a throwaway
// workspace mounted read-only, and runs it with the code memory limit.
func (e *Executor) ExecuteCode(ctx context.Context, code string, opts Options) *types.ToolExecutionResult {
	start := time.Now()
	res := e.newResult("execute_code", opts)

	lang := opts.Language
	if lang == "" {
		lang = "python"
	}
	var scanErr error
	switch lang {
	case "python":
		scanErr = scanPython(code, e.sec.ModuleAllowList)
	case "go":
		scanErr = scanGo(code, e.sec.ModuleAllowList)
	default:
		scanErr = types.E(types.KindBadInput, "unsupported code language %q", lang)
	}
	if scanErr != nil {
		return e.fail(res, scanErr, start)
	}
	if cached, ok := e.cacheLookup(ctx, "execute_code", code, opts); ok {
		return cached
	}

	workspace, err := os.MkdirTemp("", "ba-sandbox-*")
	if err != nil {
		return e.fail(res, types.WrapErr(types.KindInternal, "create workspace", err), start)
	}
	defer os.RemoveAll(workspace)

	var argv []string
	switch lang {
	case "python":
		if err := os.WriteFile(filepath.Join(workspace, "main.py"), []byte(code), 0o644); err != nil {
			return e.fail(res, types.WrapErr(types.KindInternal, "write code file", err), start)
		}
		argv = []string{"python3", "/work/main.py"}
	case "go":
		if err := os.WriteFile(filepath.Join(workspace, "main.go"), []byte(code), 0o644); err != nil {
			return e.fail(res, types.WrapErr(types.KindInternal, "write code file", err), start)
		}
		argv = []string{"go", "run", "/work/main.go"}
	}

	run, err := e.runner.run(ctx, runSpec{
		argv:        argv,
		memoryLimit: e.cfg.CodeMemoryLimit,
		workspace:   workspace,
	})
	e.finish(ctx, res, run, err, start)
	e.cacheSave(ctx, "execute_code", code, opts, res)
	return res
}

func (e *Executor) newResult(tool string, opts Options) *types.ToolExecutionResult {
	level := opts.OutputLevel
	if level == "" {
		level = types.OutputStandard
	}
	return &types.ToolExecutionResult{
		ToolCallID:  opts.ToolCallID,
		ToolName:    tool,
		OutputLevel: level,
	}
}

func (e *Executor) fail(res *types.ToolExecutionResult, err error, start time.Time) *types.ToolExecutionResult {
	res.Success = false
	res.ErrorKind = types.KindOf(err)
	res.Observation = err.Error()
	res.DurationMs = time.Since(start).Milliseconds()
	e.log.Warn("%s rejected: %v", res.ToolName, err)
	return res
}

// finish folds a container run into the result envelope, spilling
// oversized output to the file store.
func (e *Executor) finish(ctx context.Context, res *types.ToolExecutionResult, run *runResult, err error, start time.Time) {
	res.DurationMs = time.Since(start).Milliseconds()

	if run == nil {
		res.Success = false
		res.ErrorKind = types.KindInternal
		res.Observation = fmt.Sprintf("sandbox unavailable: %v", err)
		return
	}
	res.DurationMs = run.duration.Milliseconds()

	observation := run.stdout
	if run.stderr != "" {
		if observation != "" {
			observation += "\n"
		}
		observation += run.stderr
	}

	switch {
	case err == context.DeadlineExceeded || (run.killed && ctx.Err() == nil):
		res.Success = false
		res.ErrorKind = types.KindTimeout
		// Partial stdout travels with the timeout.
		res.Observation = strings.TrimSpace("execution timed out\n" + observation)
		return
	case run.killed:
		res.Success = false
		res.ErrorKind = types.KindCancelled
		res.Observation = "execution cancelled"
		return
	case err != nil:
		res.Success = false
		res.ErrorKind = types.KindInternal
		res.Observation = fmt.Sprintf("container failed: %v", err)
		return
	}

	res.Success = run.exitCode == 0
	if !res.Success {
		res.ErrorKind = types.KindInternal
		observation = fmt.Sprintf("exit code %d\n%s", run.exitCode, observation)
	}

	sum := sha256.Sum256([]byte(observation))
	res.DataHash = hex.EncodeToString(sum[:])
	res.DataSizeBytes = int64(len(observation))

	if len(observation) > spillThresholdBytes && e.store != nil {
		ref, storeErr := e.store.Store(ctx, []byte(observation), filestore.StoreOptions{
			Category:  types.CategoryArtifact,
			SessionID: "",
			Filename:  res.ToolName + "-output.txt",
			Mime:      "text/plain",
		})
		if storeErr != nil {
			e.log.Warn("spill to artifact failed: %v", storeErr)
		} else {
			res.ArtifactID = ref.FileID
			observation = fmt.Sprintf("%s\n... output truncated; full %d bytes stored as %s",
				observation[:spillThresholdBytes/4], res.DataSizeBytes, ref.String())
		}
	}
	res.Observation = observation
}

// cacheKey derives the memoisation file id from the tool and the
// whitespace-normalised input.
func cacheKey(tool, input string) string {
	normal := strings.Join(strings.Fields(input), " ")
	sum := sha256.Sum256([]byte(tool + "\x00" + normal))
	return hex.EncodeToString(sum[:])[:32]
}

func (e *Executor) cacheLookup(ctx context.Context, tool, input string, opts Options) (*types.ToolExecutionResult, bool) {
	if opts.Cache != CacheMemoize || e.store == nil {
		return nil, false
	}
	ref := types.FileRef{Category: types.CategoryCache, FileID: cacheKey(tool, input)}
	data, err := e.store.Retrieve(ctx, ref, filestore.Caller{})
	if err != nil {
		return nil, false
	}
	var cached types.ToolExecutionResult
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	cached.ToolCallID = opts.ToolCallID
	e.log.Debug("%s served from cache", tool)
	return &cached, true
}

func (e *Executor) cacheSave(ctx context.Context, tool, input string, opts Options, res *types.ToolExecutionResult) {
	if opts.Cache != CacheMemoize || e.store == nil || !res.Success {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if _, err := e.store.Store(ctx, data, filestore.StoreOptions{
		Category: types.CategoryCache,
		FileID:   cacheKey(tool, input),
		Filename: tool + ".json",
		Mime:     "application/json",
	}); err != nil {
		e.log.Warn("cache save failed: %v", err)
	}
}
