package analyzer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	perrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultTailSize  = 4 * 1024
	DefaultKillGrace = 2 * time.Second
)

// Placeholders expanded in the command line and in output file names.
const (
	PlaceholderInput     = "{input}"
	PlaceholderInputDir  = "{input_dir}"
	PlaceholderInputName = "{input_name}"
	PlaceholderBase      = "{base}"
	PlaceholderOutputDir = "{output_dir}"
)

type Output struct {
	Name string
	Path string
	Size int64
}

type Result struct {
	Outputs  map[string]Output
	ExitCode int
	Duration time.Duration
	WorkDir  string
}

// Invoker runs the external analysis tool. It is safe for concurrent use as long as every call
// gets its own work directory.
type Invoker interface {
	Invoke(ctx context.Context, artifactPath, workDir string) (*Result, error)
}

type CommandInvoker struct {
	command   []string
	outputs   map[string]string
	env       []string
	tailSize  int
	killGrace time.Duration
}

type InvokerOption func(i *CommandInvoker)

func WithOutputs(outputs map[string]string) InvokerOption {
	return func(i *CommandInvoker) {
		i.outputs = maps.Clone(outputs)
	}
}

func WithEnv(env ...string) InvokerOption {
	return func(i *CommandInvoker) {
		i.env = append(i.env, env...)
	}
}

func WithTailSize(size int) InvokerOption {
	return func(i *CommandInvoker) {
		i.tailSize = size
	}
}

func WithKillGrace(grace time.Duration) InvokerOption {
	return func(i *CommandInvoker) {
		i.killGrace = grace
	}
}

// NewCommandInvoker builds an invoker for the command line (program first). Every argument may
// contain placeholders.
func NewCommandInvoker(command []string, opts ...InvokerOption) (*CommandInvoker, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("analyzer command is empty")
	}
	i := &CommandInvoker{
		command:   slices.Clone(command),
		outputs:   map[string]string{},
		tailSize:  DefaultTailSize,
		killGrace: DefaultKillGrace,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// OutputNames returns the sorted names of the expected outputs.
func (i *CommandInvoker) OutputNames() []string {
	return slices.Sorted(maps.Keys(i.outputs))
}

// Invoke runs the analyzer on artifactPath with workDir as its working and output directory.
// The deadline of ctx bounds the invocation; on expiry the process group is terminated.
func (i *CommandInvoker) Invoke(ctx context.Context, artifactPath, workDir string) (*Result, error) {
	logger := zap.S().Named("analyzer")

	input, err := filepath.Abs(artifactPath)
	if err != nil {
		return nil, &Error{Reason: ReasonFailure, ExitCode: -1, Err: perrors.Wrap(err, "resolving artifact path")}
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return nil, &Error{Reason: ReasonFailure, ExitCode: -1, Err: perrors.Wrap(err, "resolving work dir")}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, &Error{Reason: ReasonFailure, ExitCode: -1, Err: perrors.Wrap(err, "creating work dir")}
	}

	replacer := newReplacer(input, workDir)
	args := make([]string, len(i.command))
	for idx, a := range i.command {
		args[idx] = replacer.Replace(a)
	}

	tail := newTailBuffer(i.tailSize)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), i.env...)
	cmd.Stdout = tail
	cmd.Stderr = tail
	configureProcess(cmd)
	cmd.Cancel = func() error {
		return terminateProcess(cmd, i.killGrace)
	}
	cmd.WaitDelay = i.killGrace + time.Second

	logger.Infow("running analyzer", "artifact", input, "work_dir", workDir, "command", strings.Join(args, " "))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		killProcessGroup(cmd)
		reason, sentinel := ReasonCancelled, ErrCancelled
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			reason, sentinel = ReasonTimeout, ErrTimeout
		}
		logger.Warnw("analyzer interrupted", "artifact", input, "reason", reason, "duration", duration)
		return nil, &Error{Reason: reason, ExitCode: exitCode(cmd), Tail: tail.String(), Err: sentinel}
	}

	if errors.Is(runErr, exec.ErrWaitDelay) {
		// exited cleanly but left children holding its output open
		logger.Warnw("analyzer left processes behind, killing its process group", "artifact", input)
		killProcessGroup(cmd)
		runErr = nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &Error{
				Reason:   ReasonFailure,
				ExitCode: exitErr.ExitCode(),
				Tail:     tail.String(),
				Err:      ErrNonZeroExit,
			}
		}
		return nil, &Error{Reason: ReasonFailure, ExitCode: -1, Tail: tail.String(), Err: perrors.Wrap(runErr, "running analyzer")}
	}

	outputs, missing := i.collectOutputs(replacer, workDir)
	if len(missing) > 0 {
		return nil, &Error{
			Reason:   ReasonMissingOutput,
			ExitCode: 0,
			Tail:     tail.String(),
			Err:      fmt.Errorf("%w: %s", ErrMissingOutput, strings.Join(missing, ", ")),
		}
	}

	logger.Infow("analyzer finished", "artifact", input, "duration", duration, "outputs", len(outputs))
	return &Result{Outputs: outputs, ExitCode: 0, Duration: duration, WorkDir: workDir}, nil
}

func (i *CommandInvoker) collectOutputs(replacer *strings.Replacer, workDir string) (map[string]Output, []string) {
	outputs := make(map[string]Output, len(i.outputs))
	var missing []string
	for _, name := range i.OutputNames() {
		file := replacer.Replace(i.outputs[name])
		if !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}
		info, err := os.Stat(file)
		if err != nil || info.IsDir() {
			missing = append(missing, name)
			continue
		}
		outputs[name] = Output{Name: name, Path: file, Size: info.Size()}
	}
	return outputs, missing
}

func newReplacer(input, workDir string) *strings.Replacer {
	name := filepath.Base(input)
	return strings.NewReplacer(
		PlaceholderInputDir, filepath.Dir(input),
		PlaceholderInputName, name,
		PlaceholderInput, input,
		PlaceholderBase, strings.TrimSuffix(name, filepath.Ext(name)),
		PlaceholderOutputDir, workDir,
	)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
