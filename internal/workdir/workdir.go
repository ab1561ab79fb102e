/*
Copyright 2021 The Crossplane Authors.

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

// Package workdir materializes and garbage collects per-partition
// Terraform workspace directories: symlinked user files or a generated
// module reference, plus the nclav-owned backend and tfvars files. The
// user's partition directory is never written to; only the workspace is.
package workdir

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	getter "github.com/hashicorp/go-getter"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/logging"
	"github.com/nclav/nclav/internal/store"
)

// Error strings.
const (
	errMkWorkspace    = "cannot create workspace directory %q"
	errListPartition  = "cannot list partition directory %q"
	errFmtSourceHasTF = "partition declares terraform.source but its directory %q also contains .tf files"
	errSymlink        = "cannot symlink %q into workspace"
	errWriteBackend   = "cannot write nclav_backend.tf"
	errWriteTFVars    = "cannot write nclav_context.auto.tfvars"
	errWriteModule    = "cannot write nclav_module.tf"
	errWriteOutputs   = "cannot write nclav_outputs.tf"
	errFetchModule    = "cannot fetch module %q"
	errListWorkspaces = "cannot list workspace directories"
	errFmtReadDir     = "cannot read directory %q"
)

const fetchedModuleDir = ".nclav-module"

// Root returns the workspace root for one partition, under homeDir.
func Root(homeDir, enclaveID, partitionID string) string {
	return filepath.Join(homeDir, "workspaces", enclaveID, partitionID)
}

// Materializer prepares per-partition workspace directories.
type Materializer struct {
	fs      afero.Afero
	homeDir string
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithFs configures the afero filesystem implementation used for every
// workspace operation. The default is the real operating system filesystem.
func WithFs(fs afero.Afero) Option {
	return func(m *Materializer) { m.fs = fs }
}

// NewMaterializer returns a Materializer rooted at homeDir.
func NewMaterializer(homeDir string, o ...Option) *Materializer {
	m := &Materializer{fs: afero.Afero{Fs: afero.NewOsFs()}, homeDir: homeDir}
	for _, fn := range o {
		fn(m)
	}
	return m
}

// Materialize prepares the workspace directory for partition p belonging
// to enclave e, whose source files live at partitionDir. backendTF is the
// full content of the generated backend file (empty HTTP backend block);
// tfvars is the fully template-resolved tfvars file content. It returns
// the workspace directory path.
func (m *Materializer) Materialize(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir, backendTF, tfvars string) (string, error) {
	ws := Root(m.homeDir, e.ID, p.ID)
	if err := m.fs.MkdirAll(ws, 0o755); err != nil {
		return "", errors.Wrapf(err, errMkWorkspace, ws)
	}

	if err := m.fs.WriteFile(filepath.Join(ws, "nclav_backend.tf"), []byte(backendTF), 0o644); err != nil {
		return "", errors.Wrap(err, errWriteBackend)
	}
	if err := m.fs.WriteFile(filepath.Join(ws, "nclav_context.auto.tfvars"), []byte(tfvars), 0o644); err != nil {
		return "", errors.Wrap(err, errWriteTFVars)
	}

	if p.Terraform.Source != "" {
		return ws, m.materializeModuleSourced(ctx, p, partitionDir, ws)
	}
	return ws, m.materializeRaw(partitionDir, ws)
}

// materializeRaw symlinks every .tf file in partitionDir into ws.
func (m *Materializer) materializeRaw(partitionDir, ws string) error {
	infos, err := m.fs.ReadDir(partitionDir)
	if err != nil {
		return errors.Wrapf(err, errListPartition, partitionDir)
	}
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".tf") {
			continue
		}
		src := filepath.Join(partitionDir, fi.Name())
		dst := filepath.Join(ws, fi.Name())
		if err := symlink(m.fs, src, dst); err != nil {
			return errors.Wrapf(err, errSymlink, src)
		}
	}
	return nil
}

// materializeModuleSourced fetches the declared module and generates a
// root module that wraps it, re-exporting declared_outputs.
func (m *Materializer) materializeModuleSourced(ctx context.Context, p domain.PartitionDecl, partitionDir, ws string) error {
	infos, err := m.fs.ReadDir(partitionDir)
	if err != nil {
		return errors.Wrapf(err, errListPartition, partitionDir)
	}
	for _, fi := range infos {
		if !fi.IsDir() && strings.HasSuffix(fi.Name(), ".tf") {
			return errors.Errorf(errFmtSourceHasTF, partitionDir)
		}
	}

	dst := filepath.Join(ws, fetchedModuleDir)
	client := &getter.Client{
		Ctx:  ctx,
		Src:  p.Terraform.Source,
		Dst:  dst,
		Pwd:  ws,
		Mode: getter.ClientModeDir,
	}
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, errFetchModule, p.Terraform.Source)
	}

	if err := m.fs.WriteFile(filepath.Join(ws, "nclav_module.tf"), []byte(moduleTF(p)), 0o644); err != nil {
		return errors.Wrap(err, errWriteModule)
	}
	if err := m.fs.WriteFile(filepath.Join(ws, "nclav_outputs.tf"), []byte(outputsTF(p)), 0o644); err != nil {
		return errors.Wrap(err, errWriteOutputs)
	}
	return nil
}

func moduleTF(p domain.PartitionDecl) string {
	keys := make([]string, 0, len(p.Inputs))
	for k := range p.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "module %q {\n  source = \"./%s\"\n", "partition", fetchedModuleDir)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s = var.%s\n", k, k)
	}
	b.WriteString("}\n")
	return b.String()
}

func outputsTF(p domain.PartitionDecl) string {
	var b strings.Builder
	for _, k := range p.DeclaredOutputs {
		fmt.Fprintf(&b, "output %q {\n  value = module.partition.%s\n}\n", k, k)
	}
	return b.String()
}

// PrepareDestroy resolves the workspace directory for a teardown. When the
// partition's source directory has already been removed (the common case:
// the operator deleted the partition from the enclaves tree before
// re-applying) but the workspace itself was already materialized by an
// earlier apply, it refreshes only the nclav-owned backend/tfvars files in
// place rather than failing on the missing source symlink targets. Falls
// back to a full Materialize when the workspace does not yet exist.
func (m *Materializer) PrepareDestroy(ctx context.Context, e domain.EnclaveDecl, p domain.PartitionDecl, partitionDir, backendTF, tfvars string) (string, error) {
	ws := Root(m.homeDir, e.ID, p.ID)

	_, wsErr := m.fs.Stat(ws)
	_, srcErr := m.fs.Stat(partitionDir)
	if wsErr == nil && srcErr != nil {
		if err := m.fs.WriteFile(filepath.Join(ws, "nclav_backend.tf"), []byte(backendTF), 0o644); err != nil {
			return "", errors.Wrap(err, errWriteBackend)
		}
		if err := m.fs.WriteFile(filepath.Join(ws, "nclav_context.auto.tfvars"), []byte(tfvars), 0o644); err != nil {
			return "", errors.Wrap(err, errWriteTFVars)
		}
		return ws, nil
	}

	return m.Materialize(ctx, e, p, partitionDir, backendTF, tfvars)
}

// BackendTF is the generated empty HTTP backend block. Address and
// credentials are supplied via -backend-config flags at init time, never
// written to disk.
func BackendTF() string {
	return "terraform {\n  backend \"http\" {}\n}\n"
}

// TFVars renders the generated nclav_context.auto.tfvars content: the
// fixed preamble (nclav_enclave, nclav_partition) followed by one
// assignment per resolved input, in sorted key order for determinism.
func TFVars(enclaveID, partitionID string, resolvedInputs map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "nclav_enclave = %q\n", enclaveID)
	fmt.Fprintf(&b, "nclav_partition = %q\n", partitionID)

	keys := make([]string, 0, len(resolvedInputs))
	for k := range resolvedInputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %q\n", k, resolvedInputs[k])
	}
	return b.String()
}

// GarbageCollector removes workspace directories for partitions that no
// longer exist in the store, the way the teacher's GarbageCollector swept
// workspaces whose Kubernetes Workspace object had been deleted.
type GarbageCollector struct {
	st        store.Store
	parentDir string
	fs        afero.Afero
	interval  time.Duration
	log       logging.Logger
}

// GCOption configures a new GarbageCollector.
type GCOption func(*GarbageCollector)

// WithGCFs configures the afero filesystem the collector scans.
func WithGCFs(fs afero.Afero) GCOption {
	return func(gc *GarbageCollector) { gc.fs = fs }
}

// WithGCInterval configures how often garbage collection runs. Default
// one hour.
func WithGCInterval(i time.Duration) GCOption {
	return func(gc *GarbageCollector) { gc.interval = i }
}

// WithGCLogger configures the logger used. Default is a no-op logger.
func WithGCLogger(l logging.Logger) GCOption {
	return func(gc *GarbageCollector) { gc.log = l }
}

// NewGarbageCollector returns a collector that sweeps parentDir (the
// "{home}/workspaces" directory) for enclave/partition subdirectories no
// longer present in st.
func NewGarbageCollector(st store.Store, parentDir string, o ...GCOption) *GarbageCollector {
	gc := &GarbageCollector{
		st:        st,
		parentDir: parentDir,
		fs:        afero.Afero{Fs: afero.NewOsFs()},
		interval:  1 * time.Hour,
		log:       logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(gc)
	}
	return gc
}

// Run blocks, collecting at each interval tick, until ctx is done.
func (gc *GarbageCollector) Run(ctx context.Context) {
	t := time.NewTicker(gc.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := gc.collect(ctx); err != nil {
				gc.log.Info("Garbage collection failed", "error", err)
			}
		}
	}
}

func (gc *GarbageCollector) collect(ctx context.Context) error {
	enclaves, err := gc.st.ListEnclaves(ctx)
	if err != nil {
		return errors.Wrap(err, errListWorkspaces)
	}

	existing := map[string]bool{}
	for _, e := range enclaves {
		partitions, err := gc.st.ListPartitions(ctx, e.Decl.ID)
		if err != nil {
			return errors.Wrap(err, errListWorkspaces)
		}
		for _, p := range partitions {
			existing[e.Decl.ID+"/"+p.Decl.ID] = true
		}
	}

	enclaveDirs, err := gc.fs.ReadDir(gc.parentDir)
	if err != nil {
		return errors.Wrapf(err, errFmtReadDir, gc.parentDir)
	}

	var failed []string
	for _, ed := range enclaveDirs {
		if !ed.IsDir() {
			continue
		}
		enclaveDir := filepath.Join(gc.parentDir, ed.Name())
		partitionDirs, err := gc.fs.ReadDir(enclaveDir)
		if err != nil {
			failed = append(failed, enclaveDir)
			continue
		}
		for _, pd := range partitionDirs {
			if !pd.IsDir() {
				continue
			}
			key := ed.Name() + "/" + pd.Name()
			if existing[key] {
				continue
			}
			path := filepath.Join(enclaveDir, pd.Name())
			if err := gc.fs.RemoveAll(path); err != nil {
				failed = append(failed, path)
			}
		}
	}

	if len(failed) > 0 {
		return errors.Errorf("could not delete directories: %v", strings.Join(failed, ", "))
	}
	return nil
}

// symlink links src to dst through fs. On a filesystem that cannot link
// (such as afero's in-memory fs), the file content is copied instead.
func symlink(fs afero.Afero, src, dst string) error {
	if linker, ok := fs.Fs.(afero.Linker); ok {
		return linker.SymlinkIfPossible(src, dst)
	}
	data, err := fs.ReadFile(src)
	if err != nil {
		return err
	}
	return fs.WriteFile(dst, data, 0o644)
}
