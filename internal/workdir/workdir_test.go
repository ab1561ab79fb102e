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

package workdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/store/memstore"
)

func withDirs(fs afero.Afero, dir ...string) afero.Afero {
	for _, d := range dir {
		_ = fs.MkdirAll(d, os.ModePerm)
	}
	return fs
}

func getDirs(fs afero.Afero, parentDir string) []string {
	dirs := make([]string, 0)
	fis, _ := fs.ReadDir(parentDir)
	for _, fi := range fis {
		if !fi.IsDir() {
			continue
		}
		dirs = append(dirs, fi.Name())
	}
	return dirs
}

func TestCollect(t *testing.T) {
	parentDir := "/test"

	cases := map[string]struct {
		reason   string
		st       func() *memstore.Store
		fs       afero.Afero
		wantDirs []string
		wantErr  bool
	}{
		"ErrNoParentDir": {
			reason:  "Garbage collection should fail when the parent directory does not exist.",
			st:      memstore.New,
			fs:      afero.Afero{Fs: afero.NewMemMapFs()},
			wantErr: true,
		},
		"NoOp": {
			reason:   "Garbage collection should succeed when there are no enclaves or workspaces.",
			st:       memstore.New,
			fs:       withDirs(afero.Afero{Fs: afero.NewMemMapFs()}, parentDir),
			wantDirs: nil,
		},
		"Success": {
			reason: "Workspace dirs for partitions no longer in the store are garbage collected.",
			st: func() *memstore.Store {
				s := memstore.New()
				ctx := context.Background()
				if _, err := s.UpsertEnclave(ctx, domain.EnclaveRecord{Decl: domain.EnclaveDecl{ID: "acme-dev"}}, 0); err != nil {
					t.Fatalf("seeding enclave: %v", err)
				}
				if _, err := s.UpsertPartition(ctx, domain.PartitionRecord{EnclaveID: "acme-dev", Decl: domain.PartitionDecl{ID: "db"}}, 0); err != nil {
					t.Fatalf("seeding partition: %v", err)
				}
				return s
			},
			fs: withDirs(afero.Afero{Fs: afero.NewMemMapFs()},
				parentDir,
				filepath.Join(parentDir, "acme-dev", "db"),
				filepath.Join(parentDir, "acme-dev", "stale-partition"),
				filepath.Join(parentDir, "orphan-enclave", "web"),
			),
			wantDirs: []string{"acme-dev", "orphan-enclave"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gc := NewGarbageCollector(tc.st(), parentDir, WithGCFs(tc.fs))
			err := gc.collect(context.Background())
			if tc.wantErr != (err != nil) {
				t.Fatalf("gc.collect(...): unexpected error state: %v", err)
			}

			got := getDirs(tc.fs, parentDir)
			if diff := cmp.Diff(tc.wantDirs, got, cmpopts.EquateEmpty(), cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
				t.Errorf("gc.collect(...): -want dirs, +got dirs:\n%s", diff)
			}
		})
	}
}

func TestTFVars(t *testing.T) {
	got := TFVars("acme-dev", "api", map[string]string{"db_host": "10.0.1.5", "db_port": "5432"})
	want := "nclav_enclave = \"acme-dev\"\nnclav_partition = \"api\"\ndb_host = \"10.0.1.5\"\ndb_port = \"5432\"\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TFVars(...): -want, +got:\n%s", diff)
	}
}

func TestMaterializeRaw(t *testing.T) {
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	partitionDir := "/enclaves/acme-dev/db"
	if err := fs.MkdirAll(partitionDir, 0o755); err != nil {
		t.Fatalf("seeding partition dir: %v", err)
	}
	if err := fs.WriteFile(filepath.Join(partitionDir, "main.tf"), []byte("# stub"), 0o644); err != nil {
		t.Fatalf("seeding main.tf: %v", err)
	}

	m := NewMaterializer("/home/nclav", WithFs(fs))
	e := domain.EnclaveDecl{ID: "acme-dev"}
	p := domain.PartitionDecl{ID: "db"}

	ws, err := m.Materialize(context.Background(), e, p, partitionDir, BackendTF(), TFVars("acme-dev", "db", nil))
	if err != nil {
		t.Fatalf("Materialize(...): unexpected error: %v", err)
	}

	for _, f := range []string{"nclav_backend.tf", "nclav_context.auto.tfvars"} {
		if ok, _ := fs.Exists(filepath.Join(ws, f)); !ok {
			t.Errorf("Materialize(...): expected %q to exist in workspace", f)
		}
	}
}

func TestMaterializeModuleSourcedRejectsLocalTF(t *testing.T) {
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	partitionDir := "/enclaves/acme-dev/api"
	if err := fs.MkdirAll(partitionDir, 0o755); err != nil {
		t.Fatalf("seeding partition dir: %v", err)
	}
	if err := fs.WriteFile(filepath.Join(partitionDir, "main.tf"), []byte("# stub"), 0o644); err != nil {
		t.Fatalf("seeding main.tf: %v", err)
	}

	m := NewMaterializer("/home/nclav", WithFs(fs))
	e := domain.EnclaveDecl{ID: "acme-dev"}
	p := domain.PartitionDecl{ID: "api", Terraform: domain.TerraformSpec{Source: "git::https://example.com/module.git"}}

	if _, err := m.Materialize(context.Background(), e, p, partitionDir, BackendTF(), TFVars("acme-dev", "api", nil)); err == nil {
		t.Fatal("Materialize(...): expected an error for a module-sourced partition with local .tf files")
	}
}
