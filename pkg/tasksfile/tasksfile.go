package tasksfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/DataBiosphere/dsub-sub000/pkg/params"
)

var (
	// ErrBadHeader is returned for unrecognized or malformed header columns.
	ErrBadHeader = errors.New("invalid tasks-file header")

	// ErrBadRange is returned for malformed task ranges, including a
	// missing lower bound.
	ErrBadRange = errors.New("invalid task range")
)

// column is one typed header entry.
type column struct {
	kind string // "env", "input", "input-recursive", "output", "output-recursive", "label"
	name string
}

// Row is one materialized task: its 1-based ordinal among the data rows
// and the parameters the row supplies.
type Row struct {
	Ordinal int
	Params  *params.Set
}

// Range selects a 1-based, inclusive subset of data rows. Hi == 0 leaves
// the range open-ended.
type Range struct {
	Lo int
	Hi int
}

// Contains reports whether the 1-based row ordinal falls in the range.
func (r *Range) Contains(n int) bool {
	if r == nil {
		return true
	}
	if n < r.Lo {
		return false
	}
	return r.Hi == 0 || n <= r.Hi
}

// ParseRange parses "m", "m-", or "m-n". The lower bound is mandatory;
// "-n" is rejected.
func ParseRange(spec string) (*Range, error) {
	if spec == "" {
		return nil, nil
	}
	lo, hi, dashed := strings.Cut(spec, "-")
	if lo == "" {
		return nil, fmt.Errorf("%w: %q: missing lower bound", ErrBadRange, spec)
	}
	m, err := strconv.Atoi(lo)
	if err != nil || m < 1 {
		return nil, fmt.Errorf("%w: %q", ErrBadRange, spec)
	}
	r := &Range{Lo: m}
	if dashed && hi != "" {
		n, err := strconv.Atoi(hi)
		if err != nil || n < m {
			return nil, fmt.Errorf("%w: %q", ErrBadRange, spec)
		}
		r.Hi = n
	} else if !dashed {
		r.Hi = m
	}
	return r, nil
}

func parseHeader(line string) ([]column, error) {
	var cols []column
	for _, cell := range strings.Split(line, "\t") {
		fields := strings.Fields(strings.TrimSpace(cell))
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: empty column", ErrBadHeader)
		}
		kind := strings.TrimPrefix(fields[0], "--")
		switch kind {
		case "env", "input", "input-recursive", "output", "output-recursive", "label":
		default:
			return nil, fmt.Errorf("%w: unknown column type %q", ErrBadHeader, fields[0])
		}
		col := column{kind: kind}
		if len(fields) > 1 {
			col.name = fields[1]
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// Parse reads a tasks file and returns one Row per selected data row.
// Rows are numbered from the first non-header line. An empty cell means
// the parameter is absent for that task; "0" is a value.
func Parse(r io.Reader, rng *Range) ([]Row, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty file", ErrBadHeader)
	}
	cols, err := parseHeader(strings.TrimRight(scanner.Text(), "\r\n"))
	if err != nil {
		return nil, err
	}

	var rows []Row
	ordinal := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		ordinal++
		if !rng.Contains(ordinal) {
			continue
		}
		set, err := parseRow(cols, line, ordinal)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{Ordinal: ordinal, Params: set})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if rng != nil && len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows in range", ErrBadRange)
	}
	return rows, nil
}

func parseRow(cols []column, line string, ordinal int) (*params.Set, error) {
	cells := strings.Split(line, "\t")
	if len(cells) != len(cols) {
		return nil, fmt.Errorf("row %d has %d values, header has %d columns", ordinal, len(cells), len(cols))
	}

	set := &params.Set{}
	namer := params.NewNamer()
	for i, cell := range cells {
		value := strings.TrimSpace(cell)
		if value == "" {
			continue
		}
		col := cols[i]
		arg := value
		if col.name != "" {
			arg = col.name + "=" + value
		}
		switch col.kind {
		case "env":
			e, err := params.NewEnv(arg)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", ordinal, err)
			}
			set.Envs = append(set.Envs, e)
		case "input", "input-recursive":
			in, err := params.NewInput(arg, col.kind == "input-recursive", namer)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", ordinal, err)
			}
			set.Inputs = append(set.Inputs, in)
		case "output", "output-recursive":
			out, err := params.NewOutput(arg, col.kind == "output-recursive", namer)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", ordinal, err)
			}
			set.Outputs = append(set.Outputs, out)
		case "label":
			l, err := params.NewLabel(arg)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", ordinal, err)
			}
			set.Labels = append(set.Labels, l)
		}
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("row %d: %w", ordinal, err)
	}
	return set, nil
}

// ParseFile opens path and parses it with the given range spec.
func ParseFile(path, rangeSpec string) ([]Row, error) {
	rng, err := ParseRange(rangeSpec)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tasks file: %w", err)
	}
	defer f.Close()
	return Parse(f, rng)
}
