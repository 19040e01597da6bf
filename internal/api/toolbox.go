package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Builtin tool names.
const (
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolEditFile  = "edit_file"
	ToolBash      = "bash"
	ToolListDir   = "list_dir"
	ToolGlob      = "glob"
	ToolGrep      = "grep"
)

const (
	maxToolOutput      = 30000
	defaultBashTimeout = 2 * time.Minute
	maxGrepMatches     = 200
)

// ErrOutsideWorkDir is reported when a tool path escapes the working directory.
var ErrOutsideWorkDir = errors.New("path outside working directory")

// Tool is a named function an agent can call.
type Tool struct {
	Definition models.ToolDefinition
	Run        func(ctx context.Context, args json.RawMessage) models.ToolResult
}

// Toolbox holds the tools available to agents and runs them. Invoke has the
// agent.ToolInvoker signature so it can be handed to the orchestrator.
type Toolbox struct {
	workDir string

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolbox creates a toolbox rooted at workDir with the builtin file and
// shell tools registered.
func NewToolbox(workDir string) *Toolbox {
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	t := &Toolbox{workDir: workDir, tools: make(map[string]Tool)}
	for _, tool := range t.builtins() {
		t.Register(tool)
	}
	return t
}

// Register adds or replaces a tool.
func (t *Toolbox) Register(tool Tool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[tool.Definition.Name] = tool
}

// Names returns the registered tool names, sorted.
func (t *Toolbox) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions for names in order. Unknown names are
// skipped.
func (t *Toolbox) Definitions(names []string) []models.ToolDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		if tool, ok := t.tools[name]; ok {
			defs = append(defs, tool.Definition)
		}
	}
	return defs
}

// Invoke runs the named tool. Tool failures are reported in the result so
// the model can react; the error return is reserved for cancellation.
func (t *Toolbox) Invoke(ctx context.Context, name string, args json.RawMessage) (models.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ToolResult{}, err
	}
	t.mu.RLock()
	tool, ok := t.tools[name]
	t.mu.RUnlock()
	if !ok {
		return errorResult("unknown tool: %s", name), nil
	}
	return tool.Run(ctx, args), ctx.Err()
}

func errorResult(format string, args ...any) models.ToolResult {
	return models.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

func truncateOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// resolvePath joins relative paths onto the working directory and rejects
// anything that lands outside it.
func (t *Toolbox) resolvePath(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workDir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(t.workDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkDir, path)
	}
	return path, nil
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func (t *Toolbox) builtins() []Tool {
	return []Tool{
		{
			Definition: models.ToolDefinition{
				Name:        ToolReadFile,
				Description: "Read a file. Returns its contents with line numbers.",
				InputSchema: map[string]interface{}{
					"path":   stringProp("File path, relative to the working directory"),
					"offset": intProp("1-indexed line to start from (optional)"),
					"limit":  intProp("Maximum number of lines (optional)"),
				},
				Required: []string{"path"},
			},
			Run: t.readFile,
		},
		{
			Definition: models.ToolDefinition{
				Name:        ToolWriteFile,
				Description: "Write content to a file, creating parent directories.",
				InputSchema: map[string]interface{}{
					"path":    stringProp("File path, relative to the working directory"),
					"content": stringProp("Content to write"),
				},
				Required: []string{"path", "content"},
			},
			Run: t.writeFile,
		},
		{
			Definition: models.ToolDefinition{
				Name:        ToolEditFile,
				Description: "Replace text in a file. old_string must be unique unless replace_all is set.",
				InputSchema: map[string]interface{}{
					"path":        stringProp("File path, relative to the working directory"),
					"old_string":  stringProp("Exact text to replace"),
					"new_string":  stringProp("Replacement text"),
					"replace_all": map[string]interface{}{"type": "boolean", "description": "Replace every occurrence"},
				},
				Required: []string{"path", "old_string", "new_string"},
			},
			Run: t.editFile,
		},
		{
			Definition: models.ToolDefinition{
				Name:        ToolBash,
				Description: "Run a bash command in the working directory and return its combined output.",
				InputSchema: map[string]interface{}{
					"command": stringProp("Command to run"),
					"timeout": intProp("Timeout in milliseconds (optional, default 120000)"),
				},
				Required: []string{"command"},
			},
			Run: t.bash,
		},
		{
			Definition: models.ToolDefinition{
				Name:        ToolListDir,
				Description: "List a directory.",
				InputSchema: map[string]interface{}{
					"path": stringProp("Directory path (optional, defaults to the working directory)"),
				},
			},
			Run: t.listDir,
		},
		{
			Definition: models.ToolDefinition{
				Name:        ToolGlob,
				Description: "Find files whose name, or path when the pattern has a slash, matches a glob.",
				InputSchema: map[string]interface{}{
					"pattern": stringProp("Glob pattern, e.g. '*.go' or 'internal/*/*.go'"),
					"path":    stringProp("Directory to search (optional)"),
				},
				Required: []string{"pattern"},
			},
			Run: t.glob,
		},
		{
			Definition: models.ToolDefinition{
				Name:        ToolGrep,
				Description: "Search file contents with a regular expression. Returns path:line:text matches.",
				InputSchema: map[string]interface{}{
					"pattern": stringProp("Regular expression"),
					"path":    stringProp("File or directory to search (optional)"),
					"glob":    stringProp("Only search files whose name matches this glob (optional)"),
				},
				Required: []string{"pattern"},
			},
			Run: t.grep,
		},
	}
}

func (t *Toolbox) readFile(_ context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	path, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return errorResult("read %s: %v", p.Path, err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if p.Offset > 0 {
		start = p.Offset - 1
		if start >= len(lines) {
			return errorResult("offset %d beyond end of file (%d lines)", p.Offset, len(lines))
		}
	}
	end := len(lines)
	if p.Limit > 0 {
		end = min(start+p.Limit, len(lines))
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return models.ToolResult{Content: truncateOutput(b.String())}
}

func (t *Toolbox) writeFile(_ context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	path, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errorResult("create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0644); err != nil {
		return errorResult("write %s: %v", p.Path, err)
	}
	return models.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}
}

func (t *Toolbox) editFile(_ context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	if p.OldString == "" {
		return errorResult("old_string must not be empty")
	}
	path, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return errorResult("read %s: %v", p.Path, err)
	}

	text := string(content)
	n := strings.Count(text, p.OldString)
	switch {
	case n == 0:
		return errorResult("old_string not found in %s", p.Path)
	case n > 1 && !p.ReplaceAll:
		return errorResult("old_string found %d times in %s; make it unique or set replace_all", n, p.Path)
	}
	if p.ReplaceAll {
		text = strings.ReplaceAll(text, p.OldString, p.NewString)
	} else {
		text = strings.Replace(text, p.OldString, p.NewString, 1)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return errorResult("write %s: %v", p.Path, err)
	}
	replaced := 1
	if p.ReplaceAll {
		replaced = n
	}
	return models.ToolResult{Content: fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, p.Path)}
}

func (t *Toolbox) bash(ctx context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	timeout := defaultBashTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
	cmd.Dir = t.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errorResult("command timed out after %v:\n%s", timeout, truncateOutput(string(out)))
		}
		return errorResult("%s\nerror: %v", truncateOutput(string(out)), err)
	}
	return models.ToolResult{Content: truncateOutput(string(out))}
}

func (t *Toolbox) listDir(_ context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	path, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errorResult("read directory: %v", err)
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "d %s/\n", entry.Name())
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "? %s\n", entry.Name())
		}
	}
	return models.ToolResult{Content: b.String()}
}

// walkFiles visits regular files under root, skipping hidden directories.
func walkFiles(root string, fn func(path, rel string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		return fn(path, filepath.ToSlash(rel))
	})
}

func (t *Toolbox) glob(_ context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	root, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	if _, err := filepath.Match(p.Pattern, ""); err != nil {
		return errorResult("bad pattern %q: %v", p.Pattern, err)
	}

	pattern := strings.TrimPrefix(p.Pattern, "**/")
	byPath := strings.Contains(pattern, "/")
	var matches []string
	walkFiles(root, func(_, rel string) error {
		target := filepath.Base(rel)
		if byPath {
			target = rel
		}
		if ok, _ := filepath.Match(pattern, target); ok {
			matches = append(matches, rel)
		}
		return nil
	})

	if len(matches) == 0 {
		return models.ToolResult{Content: "no files matched"}
	}
	return models.ToolResult{Content: truncateOutput(strings.Join(matches, "\n"))}
}

var errEnoughMatches = errors.New("enough matches")

func (t *Toolbox) grep(ctx context.Context, args json.RawMessage) models.ToolResult {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("%v", err)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return errorResult("bad pattern: %v", err)
	}
	root, err := t.resolvePath(p.Path)
	if err != nil {
		return errorResult("%v", err)
	}

	var out []string
	search := func(path, rel string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Glob != "" {
			if ok, _ := filepath.Match(p.Glob, filepath.Base(path)); !ok {
				return nil
			}
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for n := 1; sc.Scan(); n++ {
			if re.MatchString(sc.Text()) {
				out = append(out, fmt.Sprintf("%s:%d:%s", rel, n, sc.Text()))
				if len(out) >= maxGrepMatches {
					return errEnoughMatches
				}
			}
		}
		return nil
	}

	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		search(root, filepath.Base(root))
	} else {
		walkFiles(root, search)
	}

	if len(out) == 0 {
		return models.ToolResult{Content: "no matches found"}
	}
	return models.ToolResult{Content: truncateOutput(strings.Join(out, "\n"))}
}
