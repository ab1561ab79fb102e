package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/logging"
	"github.com/nclav/nclav/internal/store"
	"github.com/nclav/nclav/internal/terraform"
	"github.com/nclav/nclav/internal/workdir"
)

// IacRunner drives the Terraform/OpenTofu workspace orchestrator for one
// IaC-backed partition. The driver contract only creates the per-partition
// cloud identity (4.3); the actual workload apply/destroy always goes
// through this seam, which is why it is independent of driver.Driver and
// can be faked in tests without a real terraform binary.
type IacRunner interface {
	// Apply materializes the workspace, runs init + apply, and returns the
	// partition's resolved outputs plus the combined init+apply log.
	Apply(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir string, authEnv map[string]string, resolvedInputs map[string]string) (outputs map[string]string, log string, err error)

	// Destroy materializes (if needed) and runs init + destroy, returning
	// the combined log.
	Destroy(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir string, authEnv map[string]string, resolvedInputs map[string]string) (log string, err error)
}

// TerraformRunner is the production IacRunner: it materializes a workspace
// via workdir.Materializer and drives it with a terraform.Harness whose
// backend points back at this process's own Terraform HTTP backend
// endpoint (4.5).
type TerraformRunner struct {
	Materializer  *workdir.Materializer
	Store         store.Store
	ServerBaseURL string
	BearerToken   string
	ToolOverride  string
	Logger        logging.Logger
	Timeout       time.Duration
}

const logSeparator = "\n----- init -----\n"

// Apply implements IacRunner.
func (r *TerraformRunner) Apply(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir string, authEnv map[string]string, resolvedInputs map[string]string) (map[string]string, string, error) {
	ws, harness, err := r.prepare(ctx, e, p, partitionDir, authEnv, resolvedInputs, false)
	if err != nil {
		return nil, "", err
	}

	initLog, err := harness.Init(ctx, r.backendConfig(e.ID, p.ID))
	if err != nil {
		return nil, initLog, errors.Wrap(err, "terraform init failed")
	}

	applyLog, err := harness.Apply(ctx)
	full := initLog + logSeparator + applyLog
	if err != nil {
		return nil, full, errors.Wrap(err, "terraform apply failed")
	}

	outputs, err := harness.Outputs(ctx, p.DeclaredOutputs)
	if err != nil {
		return nil, full, errors.Wrap(err, "terraform output extraction failed")
	}

	_ = ws
	return outputs, full, nil
}

// Destroy implements IacRunner.
func (r *TerraformRunner) Destroy(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir string, authEnv map[string]string, resolvedInputs map[string]string) (string, error) {
	_, harness, err := r.prepare(ctx, e, p, partitionDir, authEnv, resolvedInputs, true)
	if err != nil {
		return "", err
	}

	initLog, err := harness.Init(ctx, r.backendConfig(e.ID, p.ID))
	if err != nil {
		return initLog, errors.Wrap(err, "terraform init failed")
	}

	destroyLog, err := harness.Destroy(ctx)
	full := initLog + logSeparator + destroyLog
	if err != nil {
		return full, errors.Wrap(err, "terraform destroy failed")
	}
	return full, nil
}

func (r *TerraformRunner) prepare(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir string, authEnv map[string]string, resolvedInputs map[string]string, forDestroy bool) (string, terraform.Harness, error) {
	tfvars := workdir.TFVars(e.ID, p.ID, resolvedInputs)

	var ws string
	var err error
	if forDestroy {
		ws, err = r.Materializer.PrepareDestroy(ctx, e, p, partitionDir, workdir.BackendTF(), tfvars)
	} else {
		ws, err = r.Materializer.Materialize(ctx, e, p, partitionDir, workdir.BackendTF(), tfvars)
	}
	if err != nil {
		return "", terraform.Harness{}, errors.Wrap(err, "cannot materialize workspace")
	}

	binary, err := terraform.SelectBinary(toolOverride(p, r.ToolOverride), p.Backend == domain.BackendOpenTofu)
	if err != nil {
		return "", terraform.Harness{}, errors.Wrap(err, "cannot select terraform/tofu binary")
	}

	envs := make([]string, 0, len(authEnv)+1)
	envs = append(envs, "TF_HTTP_PASSWORD="+r.BearerToken)
	for k, v := range authEnv {
		envs = append(envs, k+"="+v)
	}

	h := terraform.Harness{Path: binary, Dir: ws, Envs: envs, Logger: r.Logger, Timeout: r.Timeout}
	return ws, h, nil
}

func (r *TerraformRunner) backendConfig(enclaveID, partitionID string) terraform.BackendConfig {
	base := strings.TrimSuffix(r.ServerBaseURL, "/")
	addr := fmt.Sprintf("%s/terraform/state/%s/%s", base, enclaveID, partitionID)
	lock := addr + "/lock"
	return terraform.BackendConfig{
		Address:       addr,
		LockAddress:   lock,
		UnlockAddress: lock,
		Username:      "nclav",
		Password:      r.BearerToken,
	}
}

func toolOverride(p domain.PartitionDecl, fallback string) string {
	if p.Terraform.Tool != "" {
		return p.Terraform.Tool
	}
	return fallback
}
