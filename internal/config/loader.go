// Package config discovers and decodes the on-disk enclave/partition YAML
// tree described in the external interfaces section: one subdirectory per
// enclave under the enclaves root, each with a config.yml, each containing
// one subdirectory per partition with its own config.yml and (for
// non-module-sourced, IaC-backed partitions) user .tf files.
//
// This package only does schema-shaped decoding. Semantic resolution —
// whether an import's "from" actually exists, whether a cycle exists, and
// so on — is the graph validator's job.
package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nclav/nclav/internal/domain"
)

// Error strings.
const (
	errReadEnclavesDir  = "cannot read enclaves directory"
	errReadEnclaveYAML  = "cannot read enclave config.yml"
	errParseEnclaveYAML = "cannot parse enclave config.yml"
	errReadPartYAML     = "cannot read partition config.yml"
	errParsePartYAML    = "cannot parse partition config.yml"
)

const configFileName = "config.yml"

// Load walks enclavesDir and decodes every enclave and partition it finds.
// Declarations are returned in a deterministic order (lexicographic by
// directory name) so that callers needing reproducibility (e.g. hashing)
// don't depend on directory iteration order.
func Load(enclavesDir string) ([]domain.EnclaveDecl, error) {
	entries, err := os.ReadDir(enclavesDir)
	if err != nil {
		return nil, errors.Wrap(err, errReadEnclavesDir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	decls := make([]domain.EnclaveDecl, 0, len(names))
	for _, name := range names {
		dir := filepath.Join(enclavesDir, name)
		decl, err := loadEnclave(dir)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func loadEnclave(dir string) (domain.EnclaveDecl, error) {
	var decl domain.EnclaveDecl

	b, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return decl, errors.Wrap(err, errReadEnclaveYAML)
	}
	if err := yaml.Unmarshal(b, &decl); err != nil {
		return decl, errors.Wrap(err, errParseEnclaveYAML)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return decl, errors.Wrap(err, errReadEnclavesDir)
	}
	var partNames []string
	for _, e := range entries {
		if e.IsDir() {
			partNames = append(partNames, e.Name())
		}
	}
	sort.Strings(partNames)

	for _, pname := range partNames {
		pdir := filepath.Join(dir, pname)
		pb, err := os.ReadFile(filepath.Join(pdir, configFileName))
		if os.IsNotExist(err) {
			// Not every subdirectory need be a partition (e.g. a plain .tf
			// file drop next to config.yml is not expected, but we stay
			// forgiving of stray directories without a config.yml).
			continue
		}
		if err != nil {
			return decl, errors.Wrap(err, errReadPartYAML)
		}
		var pdecl domain.PartitionDecl
		if err := yaml.Unmarshal(pb, &pdecl); err != nil {
			return decl, errors.Wrap(err, errParsePartYAML)
		}
		pdecl.EnclaveID = decl.ID
		decl.Partitions = append(decl.Partitions, pdecl)
	}

	return decl, nil
}

// PartitionDir returns the on-disk directory holding a partition's
// declaration and (if not module-sourced) its .tf files.
func PartitionDir(enclavesDir, enclaveID, partitionID string) string {
	return filepath.Join(enclavesDir, enclaveID, partitionID)
}
