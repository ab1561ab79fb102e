/*
Copyright 2020 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package terraform is a harness for the terraform/tofu CLI: per-workspace
// subprocess lifecycle, interleaved stdout/stderr log capture, HTTP backend
// wiring at init time, and output extraction.
package terraform

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/nclav/nclav/internal/logging"
)

// MaxSubprocessDuration is the hard wall-clock limit per subprocess. If
// exceeded, the subprocess is sent SIGTERM and, after a 5-second grace
// period, SIGKILL, and an error is returned. Only the direct child is
// signalled; processes it started are not.
const MaxSubprocessDuration = 30 * time.Minute

// Error strings.
const (
	errParseOutputs  = "cannot parse terraform output -json"
	errMissingOutput = "partition declared_outputs missing from terraform output: %v"
	errRunCommand    = "terraform subprocess failed"
	errTimeout       = "terraform subprocess exceeded the wall-clock timeout"
	errSigTerm       = "error sending SIGTERM to child process"
	errSigKill       = "error sending SIGKILL to child process"
)

// BackendConfig is the HTTP backend wiring injected via -backend-config at
// init time. Address, LockAddress and UnlockAddress all point at this
// process's own Terraform HTTP backend endpoint for one partition.
type BackendConfig struct {
	Address       string
	LockAddress   string
	UnlockAddress string
	Username      string
	Password      string
}

func (b BackendConfig) args() []string {
	return []string{
		"-backend-config=address=" + b.Address,
		"-backend-config=lock_address=" + b.LockAddress,
		"-backend-config=unlock_address=" + b.UnlockAddress,
		"-backend-config=lock_method=POST",
		"-backend-config=unlock_method=DELETE",
		"-backend-config=username=" + b.Username,
		"-backend-config=password=" + b.Password,
	}
}

// Harness runs a terraform or tofu binary in one workspace directory.
type Harness struct {
	// Path to the terraform/tofu binary.
	Path string

	// Dir is the workspace directory the binary is invoked in.
	Dir string

	// Envs are additional environment variables set on every subprocess,
	// on top of TF_IN_AUTOMATION=1 and TF_INPUT=0, which are always set.
	Envs []string

	// Logger receives one Debug entry per subprocess invocation.
	Logger logging.Logger

	// Timeout bounds each subprocess invocation. Zero means
	// MaxSubprocessDuration.
	Timeout time.Duration
}

// SelectBinary returns the binary to invoke: an explicit override if
// non-empty, else "terraform" or "tofu" depending on backend, found on
// PATH.
func SelectBinary(toolOverride string, backendIsOpenTofu bool) (string, error) {
	if toolOverride != "" {
		return toolOverride, nil
	}
	name := "terraform"
	if backendIsOpenTofu {
		name = "tofu"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "cannot find %q on PATH", name)
	}
	return path, nil
}

// Init initializes the workspace against the given HTTP backend.
func (h Harness) Init(ctx context.Context, backend BackendConfig) (string, error) {
	args := append([]string{"init", "-reconfigure", "-input=false", "-no-color"}, backend.args()...)
	return h.run(ctx, args)
}

// Apply applies the workspace's configuration.
func (h Harness) Apply(ctx context.Context) (string, error) {
	return h.run(ctx, []string{"apply", "-auto-approve", "-no-color", "-input=false"})
}

// Destroy destroys the workspace's provisioned resources.
func (h Harness) Destroy(ctx context.Context) (string, error) {
	return h.run(ctx, []string{"destroy", "-auto-approve", "-no-color", "-input=false"})
}

type rawOutput struct {
	Value any `json:"value"`
	Type  any `json:"type"`
}

// Outputs runs `terraform output -json` and projects declared as the
// required superset of keys, returning each output's value stringified.
// Missing declared keys are an IacError naming them.
func (h Harness) Outputs(ctx context.Context, declared []string) (map[string]string, error) {
	cmd := exec.Command(h.Path, "output", "-json") //nolint:gosec
	cmd.Dir = h.Dir
	cmd.Env = h.env()

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, errRunCommand)
	}

	raw := map[string]rawOutput{}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errors.Wrap(err, errParseOutputs)
	}

	outputs := make(map[string]string, len(raw))
	for k, v := range raw {
		outputs[k] = stringifyValue(v.Value)
	}

	var missing []string
	for _, k := range declared {
		if _, ok := outputs[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Errorf(errMissingOutput, missing)
	}

	return outputs, nil
}

func stringifyValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (h Harness) env() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "TF_IN_AUTOMATION=1", "TF_INPUT=0")
	env = append(env, h.Envs...)
	return env
}

// run executes one terraform/tofu invocation, merging stdout and stderr
// into a single buffer in strict arrival order, the way the design notes
// require ("no reordering" — a single append-only buffer shared by both
// streams).
func (h Harness) run(ctx context.Context, args []string) (string, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = MaxSubprocessDuration
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(h.Path, args...) //nolint:gosec
	cmd.Dir = h.Dir
	cmd.Env = h.env()
	cmd.Stdin = nil

	var mu sync.Mutex
	var buf bytes.Buffer

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, errRunCommand)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(err, errRunCommand)
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(err, errRunCommand)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	pump := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			buf.WriteString(scanner.Text())
			buf.WriteByte('\n')
			mu.Unlock()
		}
	}
	go pump(stdout)
	go pump(stderr)

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	h.Logger.Debug("Running terraform subprocess", "path", h.Path, "args", strings.Join(args, " "), "dir", h.Dir)

	select {
	case <-ctx.Done():
		if werr := cmd.Process.Signal(syscall.SIGTERM); werr != nil {
			return buf.String(), errors.Wrap(werr, errSigTerm)
		}
		select {
		case <-waitCh:
		case <-time.After(5 * time.Second):
			if werr := cmd.Process.Kill(); werr != nil {
				return buf.String(), errors.Wrap(werr, errSigKill)
			}
			<-waitCh
		}
		return buf.String(), errors.Wrap(ctx.Err(), errTimeout)
	case err := <-waitCh:
		mu.Lock()
		log := buf.String()
		mu.Unlock()
		if err != nil {
			return log, errors.Wrap(err, errRunCommand)
		}
		return log, nil
	}
}
