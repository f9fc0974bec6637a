package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// MappingJSON maps the engine's inventory fields to cleaned CSV columns.
// The key set is fixed by the engine.
var MappingJSON = map[string]string{
	"UserDefinedFltyId": "FltyId",
	"OCC":               "Occ",
	"Cost":              "Cost",
	"Area":              "Area",
	"NumStories":        "NumStories",
	"FoundationType":    "FoundationType",
	"FirstFloorHt":      "FirstFloorHt",
	"ContentCost":       "ContentCost",
	"BDDF_ID":           "",
	"CDDF_ID":           "",
	"IDDF_ID":           "",
	"InvCost":           "",
	"SOID":              "",
	"Latitude":          "Latitude",
	"Longitude":         "Longitude",
}

// Invocation is what the engine reported for one run.
type Invocation struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	// Document is the trailing JSON result, when the engine printed one.
	Document *EngineDocument
}

// EngineDocument is the JSON result the engine prints last on stdout.
type EngineDocument struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Engine runs the damage engine for one task. A non-nil error means the
// engine could not be started; a non-zero exit is reported in the
// Invocation.
type Engine interface {
	Run(ctx context.Context, t Task) (*Invocation, error)
}

// SubprocessEngine invokes the engine's Python entry point.
type SubprocessEngine struct {
	Python      string
	Script      string
	ProjectRoot string
	LogPath     string
	QCWarning   bool
}

// Args returns the argument list for a task, without the interpreter.
func (e *SubprocessEngine) Args(t Task) ([]string, error) {
	mapping, err := json.Marshal(MappingJSON)
	if err != nil {
		return nil, fmt.Errorf("encode mapping: %w", err)
	}
	args := []string{
		e.Script,
		"--inventory", t.InputCSV,
		"--mapping-json", string(mapping),
		"--flc", string(t.Category),
		"--rasters", t.RasterPath,
		"--output-dir", t.OutputDir,
	}
	if e.ProjectRoot != "" {
		args = append(args, "--project-root", e.ProjectRoot)
	}
	if e.LogPath != "" {
		args = append(args, "--log-path", e.LogPath)
	}
	if e.QCWarning {
		args = append(args, "--qc-warning")
	}
	return args, nil
}

// Run implements Engine.
func (e *SubprocessEngine) Run(ctx context.Context, t Task) (*Invocation, error) {
	args, err := e.Args(t)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.Python, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	inv := &Invocation{Command: append([]string{e.Python}, args...)}
	runErr := cmd.Run()
	inv.Stdout = stdout.String()
	inv.Stderr = stderr.String()
	inv.Document = ParseDocument(inv.Stdout)

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		inv.ExitCode = 0
	case errors.As(runErr, &exitErr):
		inv.ExitCode = exitErr.ExitCode()
	default:
		return inv, fmt.Errorf("start engine: %w", runErr)
	}
	return inv, nil
}

// ParseDocument returns the last JSON object printed on its own lines at
// the end of stdout, or nil.
func ParseDocument(stdout string) *EngineDocument {
	text := strings.TrimRight(stdout, " \t\r\n")
	if !strings.HasSuffix(text, "}") {
		return nil
	}
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] != '{' || (i > 0 && text[i-1] != '\n') {
			continue
		}
		var doc EngineDocument
		if err := json.Unmarshal([]byte(text[i:]), &doc); err == nil {
			return &doc
		}
	}
	return nil
}
