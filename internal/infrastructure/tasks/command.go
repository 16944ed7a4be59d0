package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// TaskCommand runs a shell command. It is not a builtin; runtimes opt in.
const TaskCommand = "command"

// CommandParams is the payload of a command task.
type CommandParams struct {
	Command string            `json:"command"`
	Shell   string            `json:"shell,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"workDir,omitempty"`
}

// CommandOutput is the output of a successful command task.
type CommandOutput struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// Command executes params.Command through a shell. A non-zero exit fails
// the task with stderr, or stdout when stderr is empty.
func Command(ctx context.Context, params []byte) (json.RawMessage, error) {
	var p CommandParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode command parameters: %w", err)
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, errors.New("command is required")
	}

	shell, shellArgs, err := determineShell(p.Shell)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, shell, append(shellArgs, p.Command)...)
	cmd.Env = buildEnv(p.Env)
	cmd.Dir = p.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	out := CommandOutput{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if primary := primaryOutput(out); primary != "" {
			return nil, fmt.Errorf("%w: %s", runErr, primary)
		}
		return nil, runErr
	}
	return json.Marshal(out)
}

func primaryOutput(out CommandOutput) string {
	if out.Stderr != "" {
		return out.Stderr
	}
	return out.Stdout
}

func determineShell(explicit string) (string, []string, error) {
	if explicit != "" {
		return explicit, []string{"-c"}, nil
	}
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C"}, nil
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path, []string{"-c"}, nil
	}
	if path, err := exec.LookPath("sh"); err == nil {
		return path, []string{"-c"}, nil
	}
	return "", nil, errors.New("no suitable shell found")
}

func buildEnv(custom map[string]string) []string {
	env := os.Environ()
	for k, v := range custom {
		env = append(env, k+"="+v)
	}
	return env
}
