// Package localize implements the staging protocol around the user
// command: prepare the data-disk layout, copy inputs in, and copy
// outputs back out. The local provider drives it directly against a
// storage client; the cloud adapter renders the same protocol as shell
// commands for its copy runnables.
package localize

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/script"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// HostPath maps an in-container path to its location under the host
// directory bind-mounted at the data root.
func HostPath(dataRoot, containerPath string) string {
	rel := strings.TrimPrefix(containerPath, types.DataMountPoint)
	return filepath.Join(dataRoot, filepath.FromSlash(rel))
}

// Localizer stages one task's data through a host directory that the
// container sees as the data root.
type Localizer struct {
	store    *objstore.Router
	dataRoot string
}

// New builds a Localizer over the given storage router and host data dir.
func New(store *objstore.Router, dataRoot string) *Localizer {
	return &Localizer{store: store, dataRoot: dataRoot}
}

// Prepare creates the runtime directories, writes the user script with
// execute permissions, and pre-creates every output directory so the
// user command may assume its parents exist.
func (l *Localizer) Prepare(userScript types.Script, set *params.Set) error {
	for _, dir := range []string{
		types.ScriptDir, types.TmpDir, types.WorkingDir, types.InputDir, types.OutputDir,
	} {
		if err := os.MkdirAll(filepath.Join(l.dataRoot, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	name := userScript.Name
	if name == "" {
		name = script.DefaultScriptName
	}
	scriptPath := filepath.Join(l.dataRoot, types.ScriptDir, name)
	if err := os.WriteFile(scriptPath, []byte(userScript.Value), 0o755); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}

	// Output directories exist whether or not any file lands there.
	for _, out := range set.Outputs {
		dir := HostPath(l.dataRoot, out.Path.ContainerDir())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output dir %s: %w", dir, err)
		}
	}
	for _, in := range set.Inputs {
		dir := HostPath(l.dataRoot, in.Path.ContainerDir())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create input dir %s: %w", dir, err)
		}
	}
	return nil
}

// LocalizeIn copies every input onto the data disk. Single files copy
// one object, wildcards copy each match preserving only the basename,
// and recursive inputs sync the directory tree.
func (l *Localizer) LocalizeIn(ctx context.Context, set *params.Set) error {
	for _, in := range set.Inputs {
		if err := l.localizeOne(ctx, in); err != nil {
			return fmt.Errorf("failed to localize %s: %w", in.Name, err)
		}
	}
	return nil
}

func (l *Localizer) localizeOne(ctx context.Context, in params.InputParam) error {
	p := in.Path
	switch {
	case p.IsDir():
		return l.store.SyncDir(ctx, p.Raw, HostPath(l.dataRoot, p.ContainerPath()))
	case p.IsWildcard():
		matches, err := l.store.Glob(ctx, p.Raw)
		if err != nil {
			return err
		}
		dir := HostPath(l.dataRoot, p.ContainerDir())
		for _, m := range matches {
			if err := l.store.Copy(ctx, m, filepath.Join(dir, path.Base(m))); err != nil {
				return err
			}
		}
		return nil
	default:
		return l.store.Copy(ctx, p.Raw, HostPath(l.dataRoot, p.ContainerPath()))
	}
}

// DelocalizeOut copies declared outputs back to their remote locations.
// Callers invoke it only after the user command exits zero; wildcards
// expand against the local filesystem.
func (l *Localizer) DelocalizeOut(ctx context.Context, set *params.Set) error {
	for _, out := range set.Outputs {
		if err := l.delocalizeOne(ctx, out); err != nil {
			return fmt.Errorf("failed to delocalize %s: %w", out.Name, err)
		}
	}
	return nil
}

func (l *Localizer) delocalizeOne(ctx context.Context, out params.OutputParam) error {
	p := out.Path
	switch {
	case p.IsDir():
		return l.store.SyncDir(ctx, HostPath(l.dataRoot, p.ContainerPath()), p.Raw)
	case p.IsWildcard():
		matches, err := filepath.Glob(HostPath(l.dataRoot, p.ContainerPath()))
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", p.Raw, err)
		}
		remoteDir := p.RemoteDir()
		for _, m := range matches {
			if err := l.store.Copy(ctx, m, remoteDir+path.Base(m)); err != nil {
				return err
			}
		}
		return nil
	default:
		return l.store.Copy(ctx, HostPath(l.dataRoot, p.ContainerPath()), p.Raw)
	}
}

// InCommands renders localize-in as shell for providers that stage data
// with a copy runnable instead of an in-process client.
func InCommands(set *params.Set) []string {
	var cmds []string
	for _, in := range set.Inputs {
		p := in.Path
		switch {
		case p.IsDir():
			cmds = append(cmds, fmt.Sprintf("mkdir -p %q && gcloud storage rsync -r %q %q",
				p.ContainerPath(), p.Raw, p.ContainerPath()))
		default:
			cmds = append(cmds, fmt.Sprintf("mkdir -p %q && gcloud storage cp %q %q",
				p.ContainerDir(), p.Raw, p.ContainerDir()+"/"))
		}
	}
	return cmds
}

// OutCommands renders delocalize-out as shell. Directory creation is
// part of the prepare contract, so these commands create no directories.
func OutCommands(set *params.Set) []string {
	var cmds []string
	for _, out := range set.Outputs {
		p := out.Path
		switch {
		case p.IsDir():
			cmds = append(cmds, fmt.Sprintf("gcloud storage rsync -r %q %q", p.ContainerPath(), p.Raw))
		case p.IsWildcard():
			cmds = append(cmds, fmt.Sprintf("gcloud storage cp %s %q", p.ContainerPath(), p.RemoteDir()))
		default:
			cmds = append(cmds, fmt.Sprintf("gcloud storage cp %q %q", p.ContainerPath(), p.Raw))
		}
	}
	return cmds
}

// PrepareCommands renders the prepare phase as shell for copy-runnable
// providers: runtime directories plus every input and output parent.
func PrepareCommands(set *params.Set) []string {
	dirs := []string{
		path.Join(types.DataMountPoint, types.ScriptDir),
		path.Join(types.DataMountPoint, types.TmpDir),
		path.Join(types.DataMountPoint, types.WorkingDir),
		path.Join(types.DataMountPoint, types.InputDir),
		path.Join(types.DataMountPoint, types.OutputDir),
	}
	for _, in := range set.Inputs {
		dirs = append(dirs, in.Path.ContainerDir())
	}
	for _, out := range set.Outputs {
		dirs = append(dirs, out.Path.ContainerDir())
	}
	cmds := make([]string, 0, len(dirs))
	for _, d := range dirs {
		cmds = append(cmds, fmt.Sprintf("mkdir -p %q", d))
	}
	return cmds
}
