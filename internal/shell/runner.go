// Package shell runs external commands as argv vectors.
//
// Every kernel and service mutation the agent performs goes through a
// Runner, so tests can substitute a mock or an in-memory fake and dry-run
// mode can record what would have been executed.
package shell

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"grimm.is/vrouter/internal/errors"
)

// Runner abstracts synchronous command execution.
type Runner interface {
	// Run executes a command and discards its output.
	Run(name string, args ...string) error
	// Output executes a command and returns its stdout split into lines.
	Output(name string, args ...string) ([]string, error)
}

// CommandError describes a command that exited non-zero or could not start.
type CommandError struct {
	Name       string
	Args       []string
	ExitStatus int
	Output     string
	Err        error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out != "" {
		return fmt.Sprintf("command %s %s failed (exit %d): %s", e.Name, strings.Join(e.Args, " "), e.ExitStatus, out)
	}
	return fmt.Sprintf("command %s %s failed (exit %d): %v", e.Name, strings.Join(e.Args, " "), e.ExitStatus, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Failed wraps a CommandError as KindCommandFailed with the fields the
// logging layer reports.
func Failed(name string, args []string, status int, output string, err error) error {
	ce := &CommandError{Name: name, Args: args, ExitStatus: status, Output: output, Err: err}
	wrapped := errors.Wrap(ce, errors.KindCommandFailed, "command failed")
	wrapped = errors.Attr(wrapped, "cmd", name+" "+strings.Join(args, " "))
	return errors.Attr(wrapped, "exit_status", status)
}

// ExitStatus returns the exit status carried by err, or -1.
func ExitStatus(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitStatus
	}
	return -1
}

// RealRunner executes commands on the host.
type RealRunner struct{}

// NewRealRunner returns a runner backed by os/exec.
func NewRealRunner() *RealRunner {
	return &RealRunner{}
}

// Run executes a command without capturing output.
func (r *RealRunner) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return Failed(name, args, statusOf(err), string(out), err)
	}
	return nil
}

// Output executes a command and returns its stdout lines.
func (r *RealRunner) Output(name string, args ...string) ([]string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, Failed(name, args, statusOf(err), stderr.String(), err)
	}
	return SplitLines(stdout.String()), nil
}

func statusOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// SplitLines splits command output into lines, dropping the trailing empty line.
func SplitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// NetnsRunner runs every command inside a named network namespace.
type NetnsRunner struct {
	Namespace string
	Inner     Runner
}

// InNamespace wraps inner so commands execute via "ip netns exec". An empty
// namespace returns inner unchanged.
func InNamespace(ns string, inner Runner) Runner {
	if ns == "" {
		return inner
	}
	return &NetnsRunner{Namespace: ns, Inner: inner}
}

func (n *NetnsRunner) argv(name string, args []string) []string {
	return append([]string{"netns", "exec", n.Namespace, name}, args...)
}

// Run implements Runner.
func (n *NetnsRunner) Run(name string, args ...string) error {
	return n.Inner.Run("ip", n.argv(name, args)...)
}

// Output implements Runner.
func (n *NetnsRunner) Output(name string, args ...string) ([]string, error) {
	return n.Inner.Output("ip", n.argv(name, args)...)
}
