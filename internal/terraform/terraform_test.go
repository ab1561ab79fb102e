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

package terraform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nclav/nclav/internal/logging"
)

func TestBackendConfigArgs(t *testing.T) {
	b := BackendConfig{
		Address:       "http://localhost:8080/terraform/state/acme-dev/db",
		LockAddress:   "http://localhost:8080/terraform/state/acme-dev/db/lock",
		UnlockAddress: "http://localhost:8080/terraform/state/acme-dev/db/lock",
		Username:      "nclav",
		Password:      "s3cr3t",
	}

	want := []string{
		"-backend-config=address=http://localhost:8080/terraform/state/acme-dev/db",
		"-backend-config=lock_address=http://localhost:8080/terraform/state/acme-dev/db/lock",
		"-backend-config=unlock_address=http://localhost:8080/terraform/state/acme-dev/db/lock",
		"-backend-config=lock_method=POST",
		"-backend-config=unlock_method=DELETE",
		"-backend-config=username=nclav",
		"-backend-config=password=s3cr3t",
	}

	if diff := cmp.Diff(want, b.args()); diff != "" {
		t.Errorf("\nb.args(): -want, +got:\n%s", diff)
	}
}

func TestSelectBinary(t *testing.T) {
	cases := map[string]struct {
		override   string
		openTofu   bool
		wantErr    bool
		wantSuffix string
	}{
		"ExplicitOverride": {
			override:   "/usr/local/bin/terraform-1.5",
			wantSuffix: "/usr/local/bin/terraform-1.5",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := SelectBinary(tc.override, tc.openTofu)
			if tc.wantErr != (err != nil) {
				t.Fatalf("SelectBinary(...): unexpected error state: %v", err)
			}
			if tc.wantSuffix != "" && got != tc.wantSuffix {
				t.Errorf("SelectBinary(...) = %q, want %q", got, tc.wantSuffix)
			}
		})
	}
}

func TestOutputsMissingDeclared(t *testing.T) {
	dir := t.TempDir()

	// A stub "terraform" that always prints a fixed JSON payload to stdout,
	// mirroring what `terraform output -json` would emit.
	script := "#!/bin/sh\ncat <<'EOF'\n{\"hostname\":{\"value\":\"10.0.1.5\",\"type\":\"string\"},\"port\":{\"value\":5432,\"type\":\"number\"}}\nEOF\n"
	stub := filepath.Join(dir, "terraform")
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil { //nolint:gosec // test fixture
		t.Fatalf("writing stub: %v", err)
	}

	h := Harness{Path: stub, Dir: dir, Logger: logging.NewNopLogger()}

	got, err := h.Outputs(context.Background(), []string{"hostname", "port"})
	if err != nil {
		t.Fatalf("Outputs(...): unexpected error: %v", err)
	}
	want := map[string]string{"hostname": "10.0.1.5", "port": "5432"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("\nOutputs(...): -want, +got:\n%s", diff)
	}

	if _, err := h.Outputs(context.Background(), []string{"hostname", "queue_url"}); err == nil {
		t.Fatal("Outputs(...): expected an error naming the missing declared output")
	}
}

func TestRunTimeout(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "terraform")
	// Sleeps far longer than the test's own timeout override would allow.
	if err := os.WriteFile(stub, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil { //nolint:gosec // test fixture
		t.Fatalf("writing stub: %v", err)
	}

	h := Harness{Path: stub, Dir: dir, Logger: logging.NewNopLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := h.run(ctx, []string{"apply"}); err == nil {
		t.Fatal("run(...): expected a timeout error")
	}
}
