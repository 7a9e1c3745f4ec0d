// Package script composes the shell wrapper that surrounds the user
// command inside the container: declared envs and derived input/output
// path variables are exported, TMPDIR and the working directory are set,
// then the user script runs with its exit code propagated. The wrapper
// is idempotent; rerunning it against an empty workspace with the same
// inputs produces the same result.
package script

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// DefaultScriptName is used for inline --command submissions.
const DefaultScriptName = "cmd.sh"

// shellQuote single-quotes a value for safe export. Wildcards survive
// quoting; the user's shell expands them at reference time, not here.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// exportLine renders one export statement.
func exportLine(name, value string) string {
	return fmt.Sprintf("export %s=%s", name, shellQuote(value))
}

// ContainerScriptPath is where the user script lands on the data disk.
func ContainerScriptPath(name string) string {
	return path.Join(types.DataMountPoint, types.ScriptDir, name)
}

// Build renders the wrapper script for one task.
func Build(userScript types.Script, set *params.Set) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n\n")
	b.WriteString("set -o errexit\n")
	b.WriteString("set -o nounset\n\n")

	// Declared envs first, sorted for a stable script.
	envs := append([]params.EnvParam{}, set.Envs...)
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })
	for _, e := range envs {
		b.WriteString(exportLine(e.Name, e.Value) + "\n")
	}

	// Input and output variables carry their in-container values, with
	// any wildcard preserved so `ls ${IN}` works on the destination.
	for _, in := range set.Inputs {
		b.WriteString(exportLine(in.Name, in.Path.ContainerPath()) + "\n")
	}
	for _, out := range set.Outputs {
		b.WriteString(exportLine(out.Name, out.Path.ContainerPath()) + "\n")
	}
	for _, m := range set.Mounts {
		b.WriteString(exportLine(m.Name, m.ContainerPath()) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("export TMPDIR=%s\n", path.Join(types.DataMountPoint, types.TmpDir)))
	b.WriteString(fmt.Sprintf("cd %s\n\n", path.Join(types.DataMountPoint, types.WorkingDir)))

	name := userScript.Name
	if name == "" {
		name = DefaultScriptName
	}
	b.WriteString(fmt.Sprintf("bash %s\n", shellQuote(ContainerScriptPath(name))))
	return b.String()
}
