// Package gate runs a shell command under a timeout and reports pass/fail,
// used both for a task's verification command (spec §4.4 step 4) and a
// level's pre/post-merge quality gates (spec §4.6). Every command is
// validated against a dangerous-pattern blocklist before it runs, because
// the task graph document is untrusted input (spec §4.4 "must be validated
// for dangerous patterns... regardless of where they came from").
//
// Grounded on cuemby-warren's pkg/health/exec.go for the
// CommandContext-with-timeout-and-captured-output shape, and on
// tim-coutinho-agentops's internal/safety package for the threat model
// behind the pattern blocklist (command injection via shell metacharacters,
// path traversal, destructive/privileged operations).
package gate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/log"
)

// Result is the outcome of running one gate or verification command.
type Result struct {
	Command  string
	Passed   bool
	ExitCode int
	Output   string
	Duration time.Duration
}

// dangerousPatterns flags shell constructs that let a command escape its
// literal argument list: command substitution, chaining, redirection into
// sensitive paths, and recursive-force filesystem operations. A command that
// matches none of these patterns still runs under `sh -c`.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`;\s*rm\s+-rf`),
	regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\.\./\.\./\.\.`),
	regexp.MustCompile(`:\(\)\s*{.*};`), // fork bomb shape
}

// ErrDangerousCommand is returned when Validate rejects a command.
type ErrDangerousCommand struct {
	Command string
	Pattern string
}

func (e *ErrDangerousCommand) Error() string {
	return fmt.Sprintf("gate: command matches a disallowed pattern (%s): %s", e.Pattern, e.Command)
}

// Validate rejects commands containing a disallowed shell construct.
func Validate(command string) error {
	for _, pat := range dangerousPatterns {
		if pat.MatchString(command) {
			return &ErrDangerousCommand{Command: command, Pattern: pat.String()}
		}
	}
	return nil
}

// Run validates then executes command with a working directory and timeout,
// capturing combined output and classifying the result by exit code. It
// never panics or returns a process-level error for a failing command; a
// nonzero exit is reported as Result.Passed == false.
func Run(ctx context.Context, command, dir string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, fmt.Errorf("gate: empty command")
	}
	if err := Validate(command); err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := execCommand(execCtx, command)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Command:  command,
		Output:   out.String(),
		Duration: duration,
	}

	if err == nil {
		result.Passed = true
		result.ExitCode = 0
		return result, nil
	}

	if execCtx.Err() == context.DeadlineExceeded {
		log.WithComponent("gate").Warn().Str("command", command).Dur("timeout", timeout).Msg("gate command timed out")
		result.ExitCode = -1
		result.Output += fmt.Sprintf("\n(timed out after %s)", timeout)
		return result, nil
	}

	result.ExitCode = exitCodeOf(err)
	return result, nil
}

// execCommand wraps the (validated) command string through "sh -c" so task
// authors can write ordinary shell pipelines ("go test ./... | tee out"),
// matching the verification command shape in spec §6.
func execCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", command)
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
