package localize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/dsub-sub000/pkg/objstore"
	"github.com/DataBiosphere/dsub-sub000/pkg/params"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

func newLocalizer(t *testing.T) (*Localizer, string) {
	t.Helper()
	dataRoot := t.TempDir()
	router := objstore.NewRouter(nil, objstore.NewLocalStore())
	return New(router, dataRoot), dataRoot
}

func TestHostPath(t *testing.T) {
	assert.Equal(t, "/work/data/input/gs/b/f.txt", HostPath("/work/data", "/mnt/data/input/gs/b/f.txt"))
}

func TestPrepareLayout(t *testing.T) {
	l, dataRoot := newLocalizer(t)

	namer := params.NewNamer()
	out, err := params.NewOutput("OUT=file:///results/deep/out.txt", false, namer)
	require.NoError(t, err)

	set := &params.Set{Outputs: []params.OutputParam{out}}
	require.NoError(t, l.Prepare(types.Script{Name: "run.sh", Value: "echo hi\n"}, set))

	for _, dir := range []string{"script", "tmp", "workingdir", "input", "output"} {
		info, err := os.Stat(filepath.Join(dataRoot, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	// Script is written with execute permissions.
	info, err := os.Stat(filepath.Join(dataRoot, "script", "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)

	// Output parent exists before the user command runs.
	info, err = os.Stat(filepath.Join(dataRoot, "output", "file", "results", "deep"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalizeInFile(t *testing.T) {
	l, dataRoot := newLocalizer(t)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	namer := params.NewNamer()
	in, err := params.NewInput("IN=file://"+src, false, namer)
	require.NoError(t, err)
	set := &params.Set{Inputs: []params.InputParam{in}}

	require.NoError(t, l.Prepare(types.Script{Value: "true"}, set))
	require.NoError(t, l.LocalizeIn(context.Background(), set))

	data, err := os.ReadFile(filepath.Join(dataRoot, "input", "file", src))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestLocalizeInWildcard(t *testing.T) {
	l, dataRoot := newLocalizer(t)

	srcDir := t.TempDir()
	for _, name := range []string{"a.bam", "b.bam", "c.bam", "skip.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), nil, 0o644))
	}

	namer := params.NewNamer()
	in, err := params.NewInput("IN=file://"+filepath.Join(srcDir, "*.bam"), false, namer)
	require.NoError(t, err)
	set := &params.Set{Inputs: []params.InputParam{in}}

	require.NoError(t, l.Prepare(types.Script{Value: "true"}, set))
	require.NoError(t, l.LocalizeIn(context.Background(), set))

	matches, err := filepath.Glob(filepath.Join(dataRoot, "input", "file", srcDir, "*.bam"))
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestLocalizeInRecursive(t *testing.T) {
	l, dataRoot := newLocalizer(t)

	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "nested", "x.txt"), []byte("x"), 0o644))

	namer := params.NewNamer()
	in, err := params.NewInput("TREE=file://"+srcDir, true, namer)
	require.NoError(t, err)
	set := &params.Set{Inputs: []params.InputParam{in}}

	require.NoError(t, l.Prepare(types.Script{Value: "true"}, set))
	require.NoError(t, l.LocalizeIn(context.Background(), set))

	data, err := os.ReadFile(filepath.Join(dataRoot, "input", "file", srcDir, "nested", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestDelocalizeOut(t *testing.T) {
	l, dataRoot := newLocalizer(t)

	dst := filepath.Join(t.TempDir(), "out.txt")
	namer := params.NewNamer()
	out, err := params.NewOutput("OUT=file://"+dst, false, namer)
	require.NoError(t, err)
	set := &params.Set{Outputs: []params.OutputParam{out}}

	require.NoError(t, l.Prepare(types.Script{Value: "true"}, set))

	// Simulate the user command writing the output in-container.
	hostOut := HostPath(dataRoot, out.Path.ContainerPath())
	require.NoError(t, os.WriteFile(hostOut, []byte("Hello World\n"), 0o644))

	require.NoError(t, l.DelocalizeOut(context.Background(), set))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "Hello World\n", string(data))
}

func TestDelocalizeWildcard(t *testing.T) {
	l, dataRoot := newLocalizer(t)

	dstDir := t.TempDir()
	namer := params.NewNamer()
	out, err := params.NewOutput("OUT=file://"+filepath.Join(dstDir, "*.vcf"), false, namer)
	require.NoError(t, err)
	set := &params.Set{Outputs: []params.OutputParam{out}}

	require.NoError(t, l.Prepare(types.Script{Value: "true"}, set))

	outDir := HostPath(dataRoot, out.Path.ContainerDir())
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "a.vcf"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "b.vcf"), []byte("b"), 0o644))

	require.NoError(t, l.DelocalizeOut(context.Background(), set))

	matches, err := filepath.Glob(filepath.Join(dstDir, "*.vcf"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestCommandRendering(t *testing.T) {
	namer := params.NewNamer()
	in, err := params.NewInput("IN=gs://b/p/f.bam", false, namer)
	require.NoError(t, err)
	rec, err := params.NewInput("DIR=gs://b/tree", true, namer)
	require.NoError(t, err)
	out, err := params.NewOutput("OUT=gs://b/o/res.txt", false, namer)
	require.NoError(t, err)
	wild, err := params.NewOutput("VCFS=gs://b/o/*.vcf", false, namer)
	require.NoError(t, err)

	set := &params.Set{
		Inputs:  []params.InputParam{in, rec},
		Outputs: []params.OutputParam{out, wild},
	}

	inCmds := InCommands(set)
	require.Len(t, inCmds, 2)
	assert.Contains(t, inCmds[0], `gcloud storage cp "gs://b/p/f.bam"`)
	assert.Contains(t, inCmds[1], "rsync -r")

	outCmds := OutCommands(set)
	require.Len(t, outCmds, 2)
	assert.Contains(t, outCmds[0], `"gs://b/o/res.txt"`)
	assert.Contains(t, outCmds[1], `"gs://b/o/"`)

	prep := PrepareCommands(set)
	assert.Contains(t, prep, `mkdir -p "/mnt/data/tmp"`)
	assert.Contains(t, prep, `mkdir -p "/mnt/data/output/gs/b/o"`)
}
