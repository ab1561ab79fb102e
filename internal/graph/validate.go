package graph

import (
	"sort"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/template"
)

// Validate runs every check in the graph validator's responsibility,
// accumulating every issue before returning. It never validates one
// enclave in isolation: cross-enclave import resolution and the full
// dependency graph require the complete set of declarations.
func Validate(decls []domain.EnclaveDecl) (*Plan, *Errors) {
	errs := &Errors{}

	enclaves := map[string]domain.EnclaveDecl{}
	partitions := map[NodeID]domain.PartitionDecl{}
	exportsByEnclave := map[string]map[string]domain.Export{}
	partitionIDsByEnclave := map[string]map[string]bool{}

	// Check 1a: enclave id uniqueness.
	for _, e := range decls {
		if _, dup := enclaves[e.ID]; dup {
			errs.add(RuleEnclaveIDUnique, []string{e.ID}, "duplicate enclave id %q", e.ID)
			continue
		}
		if len(e.ID) > MaxEnclaveIDLen {
			errs.add(RuleEnclaveIDLength, []string{e.ID}, "enclave id %q exceeds %d characters", e.ID, MaxEnclaveIDLen)
		}
		enclaves[e.ID] = e

		exportsByEnclave[e.ID] = map[string]domain.Export{}
		for _, ex := range e.Exports {
			exportsByEnclave[e.ID][ex.Name] = ex
		}

		partitionIDsByEnclave[e.ID] = map[string]bool{}
		for _, p := range e.Partitions {
			// Check 1b: partition id uniqueness within its enclave.
			if partitionIDsByEnclave[e.ID][p.ID] {
				errs.add(RulePartitionIDUnique, []string{e.ID + "/" + p.ID}, "duplicate partition id %q in enclave %q", p.ID, e.ID)
				continue
			}
			if len(p.ID) > MaxPartitionIDLen {
				errs.add(RulePartitionIDLength, []string{e.ID + "/" + p.ID}, "partition id %q exceeds %d characters", p.ID, MaxPartitionIDLen)
			}
			partitionIDsByEnclave[e.ID][p.ID] = true
			partitions[partitionNode(e.ID, p.ID)] = p
		}
	}

	// Check 2: exports.
	for _, e := range decls {
		for _, ex := range e.Exports {
			if !domain.LegalTypeAuth(ex.Type, ex.Auth) {
				errs.add(RuleExportTypeAuth, []string{e.ID}, "export %q: (type=%s, auth=%s) is not a legal pair", ex.Name, ex.Type, ex.Auth)
			}
			if !partitionIDsByEnclave[e.ID][ex.TargetPartition] {
				errs.add(RuleExportTarget, []string{e.ID}, "export %q: target partition %q does not exist in enclave %q", ex.Name, ex.TargetPartition, e.ID)
			}
			if !wellFormedAudience(ex.To) {
				errs.add(RuleExportAudience, []string{e.ID}, "export %q: audience %q is malformed", ex.Name, ex.To)
			}
		}
	}

	// Check 5: produces/outputs contract.
	for n, p := range partitions {
		required := p.Produces.MandatoryOutputs()
		if len(required) == 0 {
			continue
		}
		have := map[string]bool{}
		for _, k := range p.DeclaredOutputs {
			have[k] = true
		}
		for _, k := range required {
			if !have[k] {
				errs.add(RuleOutputsContract, []string{n.String()}, "partition %q declares produces=%s but is missing mandatory output %q", n.String(), p.Produces, k)
			}
		}
	}

	imports := map[ImportEdge]ResolvedExport{}

	// Check 3 & 4: imports (enclave-scoped and partition-scoped).
	for _, e := range decls {
		resolveImports(e.ID, enclaveNode(e.ID), e.Imports, e, enclaves, exportsByEnclave, partitionIDsByEnclave, imports, errs)
		for _, p := range e.Partitions {
			resolveImports(e.ID, partitionNode(e.ID, p.ID), p.Imports, e, enclaves, exportsByEnclave, partitionIDsByEnclave, imports, errs)
		}
	}

	// Check 6: template references in partition inputs.
	for n, p := range partitions {
		scopeAliases := aliasSet(p.Imports)
		for key, tmpl := range p.Inputs {
			for _, ref := range template.FindRefs(tmpl) {
				if template.IsFixedToken(ref.Alias) {
					continue
				}
				if !scopeAliases[ref.Alias] {
					errs.add(RuleTemplateReference, []string{n.String()}, "partition %q input %q references unknown alias %q", n.String(), key, ref.Alias)
				}
			}
		}
	}

	if len(errs.Issues) > 0 {
		return nil, errs
	}

	// Build the dependency graph: ownership edges (partition -> enclave)
	// and import edges (importer -> resolved source).
	adjacency := map[NodeID]map[NodeID]bool{}
	addNode := func(n NodeID) {
		if adjacency[n] == nil {
			adjacency[n] = map[NodeID]bool{}
		}
	}
	addEdge := func(from, to NodeID) {
		addNode(from)
		addNode(to)
		adjacency[from][to] = true
	}

	for id := range enclaves {
		addNode(enclaveNode(id))
	}
	for n := range partitions {
		addEdge(n, enclaveNode(n.EnclaveID))
	}
	for edge, resolved := range imports {
		var src NodeID
		if resolved.Export.TargetPartition != "" {
			src = partitionNode(resolved.SourceEnclaveID, resolved.Export.TargetPartition)
		} else {
			src = enclaveNode(resolved.SourceEnclaveID)
		}
		addEdge(edge.Scope, src)
	}

	// Check 7: cycle detection.
	if cycles := detectCycles(adjacency); len(cycles) > 0 {
		for _, c := range cycles {
			members := make([]string, 0, len(c))
			for _, n := range c {
				members = append(members, n.String())
			}
			sort.Strings(members)
			errs.add(RuleCycle, members, "dependency cycle among %v", members)
		}
		return nil, errs
	}

	// Check 8: deterministic topological order.
	order := topoSort(adjacency)

	return &Plan{
		Enclaves:   enclaves,
		Partitions: partitions,
		adjacency:  adjacency,
		Order:      order,
		Imports:    imports,
	}, nil
}

func aliasSet(imports []domain.Import) map[string]bool {
	out := map[string]bool{}
	for _, im := range imports {
		out[im.Alias] = true
	}
	return out
}

func wellFormedAudience(a domain.Audience) bool {
	switch a {
	case domain.AudiencePublic, domain.AudienceVPN, domain.AudienceAnyEnclave:
		return true
	}
	s := string(a)
	if len(s) > len("enclave:") && s[:len("enclave:")] == "enclave:" {
		return true
	}
	if len(s) > len("partition:") && s[:len("partition:")] == "partition:" {
		return true
	}
	return false
}

func resolveImports(
	importerEnclaveID string,
	scope NodeID,
	imports []domain.Import,
	importerEnclave domain.EnclaveDecl,
	enclaves map[string]domain.EnclaveDecl,
	exportsByEnclave map[string]map[string]domain.Export,
	partitionIDsByEnclave map[string]map[string]bool,
	out map[ImportEdge]ResolvedExport,
	errs *Errors,
) {
	seenAlias := map[string]bool{}
	for _, im := range imports {
		if seenAlias[im.Alias] {
			errs.add(RuleImportAliasUnique, []string{scope.String()}, "duplicate import alias %q in scope %q", im.Alias, scope.String())
			continue
		}
		seenAlias[im.Alias] = true

		sourceEnclaveID := im.From
		if partitionIDsByEnclave[importerEnclaveID][im.From] {
			// "from" names a same-enclave partition.
			sourceEnclaveID = importerEnclaveID
		} else if _, ok := enclaves[im.From]; !ok {
			errs.add(RuleImportSource, []string{scope.String()}, "import alias %q: %q resolves to neither an enclave nor a same-enclave partition", im.Alias, im.From)
			continue
		}

		ex, ok := exportsByEnclave[sourceEnclaveID][im.ExportName]
		if !ok {
			errs.add(RuleImportExportName, []string{scope.String()}, "import alias %q: export %q not found on %q", im.Alias, im.ExportName, im.From)
			continue
		}

		if sourceEnclaveID != importerEnclaveID {
			if !audienceAdmits(ex.To, importerEnclaveID) {
				errs.add(RuleImportAudience, []string{scope.String()}, "import alias %q: export %q audience %q does not admit enclave %q", im.Alias, im.ExportName, ex.To, importerEnclaveID)
				continue
			}
		}

		out[ImportEdge{Scope: scope, Alias: im.Alias}] = ResolvedExport{SourceEnclaveID: sourceEnclaveID, Export: ex}
	}
}

// audienceAdmits implements the cross-enclave import invariant: the
// source's export "to" must be public, any_enclave, vpn, or name this
// specific importer.
func audienceAdmits(to domain.Audience, importerEnclaveID string) bool {
	switch to {
	case domain.AudiencePublic, domain.AudienceAnyEnclave, domain.AudienceVPN:
		return true
	}
	return string(to) == "enclave:"+importerEnclaveID
}
