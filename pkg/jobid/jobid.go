package jobid

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job names are folded into the job id, so they are restricted to
// characters safe for every backend.
var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// maxNameLen bounds the name portion of a generated job id.
const maxNameLen = 10

// SanitizeName strips characters that cannot appear in a job id and
// lowercases the rest.
func SanitizeName(name string) string {
	name = unsafeNameChars.ReplaceAllString(name, "-")
	return strings.ToLower(name)
}

// DefaultName derives a job name when the user gave none: the script's
// basename without extension, or the first token of an inline command.
func DefaultName(scriptName, command string) string {
	if scriptName != "" {
		base := filepath.Base(scriptName)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "job"
	}
	return filepath.Base(fields[0])
}

// Generate builds a job id of the form <name>--<user>--<YYMMDD-HHMMSS-XX>,
// with the name truncated to ten characters and XX carrying sub-second
// uniqueness. Concurrent submissions under one user stay distinct through
// the centisecond suffix. Both the name and user segments are folded to
// the backend label charset, so the printed id is exactly what providers
// store and match on.
func Generate(name, user string, now time.Time) string {
	name = SanitizeName(name)
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	user = SanitizeName(user)
	stamp := now.Format("060102-150405")
	centis := now.Nanosecond() / 10_000_000
	return fmt.Sprintf("%s--%s--%s-%02d", name, user, stamp, centis)
}

// GenerateUnique returns a UUID-style job id. A leading digit is mapped
// to a letter so the id is always a valid identifier for backends that
// require a leading letter.
func GenerateUnique() string {
	id := uuid.New().String()
	if id[0] >= '0' && id[0] <= '9' {
		id = string('a'+id[0]-'0') + id[1:]
	}
	return id
}

// TaskID formats the identifier for task ordinal n (1-based). Jobs
// submitted without a tasks file have no task id.
func TaskID(n int) string {
	return fmt.Sprintf("task-%d", n)
}
