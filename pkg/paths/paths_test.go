package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		role      Role
		recursive bool
		kind      Kind
		scheme    string
	}{
		{
			name:   "remote file input",
			raw:    "gs://bucket/path/file.bam",
			role:   RoleInput,
			kind:   KindRemoteFile,
			scheme: "gs",
		},
		{
			name:   "remote dir via trailing slash",
			raw:    "gs://bucket/dir/",
			role:   RoleInput,
			kind:   KindRemoteDir,
			scheme: "gs",
		},
		{
			name:      "remote dir via recursive",
			raw:       "gs://bucket/dir",
			role:      RoleInput,
			recursive: true,
			kind:      KindRemoteDir,
			scheme:    "gs",
		},
		{
			name:   "file scheme output",
			raw:    "file:///tmp/out.txt",
			role:   RoleOutput,
			kind:   KindRemoteFile,
			scheme: "file",
		},
		{
			name: "plain local file",
			raw:  "/tmp/in.txt",
			role: RoleInput,
			kind: KindLocalFile,
		},
		{
			name: "plain local dir",
			raw:  "/tmp/data/",
			role: RoleInput,
			kind: KindLocalDir,
		},
		{
			name: "mount ref",
			raw:    "gs://bucket",
			role:   RoleMount,
			kind:   KindMount,
			scheme: "gs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw, tt.role, tt.recursive)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.scheme, p.Scheme)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		role      Role
		recursive bool
	}{
		{name: "double wildcard", raw: "gs://bucket/**/file.txt", role: RoleInput},
		{name: "middle wildcard", raw: "gs://bucket/*/file.txt", role: RoleInput},
		{name: "wildcard on recursive", raw: "gs://bucket/dir*", role: RoleInput, recursive: true},
		{name: "wildcard on dir", raw: "gs://bucket/dir*/", role: RoleInput},
		{name: "directory-valued output", raw: "gs://bucket/dir/", role: RoleOutput},
		{name: "empty", raw: "", role: RoleInput},
		{name: "scheme only", raw: "gs://", role: RoleInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, tt.role, tt.recursive)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestContainerPath(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		role      Role
		recursive bool
		want      string
	}{
		{
			name: "remote file verbatim under scheme",
			raw:  "gs://B/P",
			role: RoleInput,
			want: "/mnt/data/input/gs/B/P",
		},
		{
			name: "wildcard preserved",
			raw:  "gs://b/p/*.bam",
			role: RoleInput,
			want: "/mnt/data/input/gs/b/p/*.bam",
		},
		{
			name: "file scheme output",
			raw:  "file:///tmp/out.txt",
			role: RoleOutput,
			want: "/mnt/data/output/file/tmp/out.txt",
		},
		{
			name:      "recursive dir",
			raw:       "gs://bucket/deep/dir",
			role:      RoleOutput,
			recursive: true,
			want:      "/mnt/data/output/gs/bucket/deep/dir",
		},
		{
			name: "plain local path keeps absolute form",
			raw:  "/data/ref.fa",
			role: RoleInput,
			want: "/mnt/data/input/data/ref.fa",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw, tt.role, tt.recursive)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.ContainerPath())
		})
	}
}

func TestContainerDir(t *testing.T) {
	file, err := Parse("gs://b/p/out.txt", RoleOutput, false)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/output/gs/b/p", file.ContainerDir())

	wild, err := Parse("gs://b/p/*.vcf", RoleOutput, false)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/output/gs/b/p", wild.ContainerDir())

	dir, err := Parse("gs://b/p", RoleOutput, true)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/output/gs/b/p", dir.ContainerDir())
}

func TestRemoteDir(t *testing.T) {
	file, err := Parse("gs://b/p/out.txt", RoleOutput, false)
	require.NoError(t, err)
	assert.Equal(t, "gs://b/p/", file.RemoteDir())

	dir, err := Parse("gs://b/p/", RoleInput, false)
	require.NoError(t, err)
	assert.Equal(t, "gs://b/p/", dir.RemoteDir())
}

func TestTrailingSlashNormalized(t *testing.T) {
	a, err := Parse("gs://b/dir/", RoleInput, false)
	require.NoError(t, err)
	b, err := Parse("gs://b/dir", RoleInput, true)
	require.NoError(t, err)
	assert.Equal(t, a.Raw, b.Raw)
}
