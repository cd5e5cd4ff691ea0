package model

import (
	"bytes"
	"encoding/json"
	"strings"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/filetree"
)

// Generation failure messages.
const (
	MsgNoResponseText = "no response text"
	MsgInvalidJSON    = "invalid JSON"
)

// Commands is a build or start instruction suggested by the model.
type Commands struct {
	MainItem string   `json:"mainItem"`
	Commands []string `json:"commands"`
}

// GeneratedFile is the model's per-file shape inside a file tree.
type GeneratedFile struct {
	File struct {
		Contents string `json:"contents"`
	} `json:"file"`
}

// Result is a parsed model response. Every field may be absent or malformed,
// so values are only reachable through accessors that report presence.
type Result struct {
	fields map[string]json.RawMessage
}

// Parse turns raw model output into a Result. Markdown code fences around the
// JSON are removed first. Empty output and anything that is not a JSON object
// are generation errors.
func Parse(raw string) (*Result, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, apperrors.New(apperrors.ErrCodeGeneration, MsgNoResponseText)
	}
	text = stripFences(text)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeGeneration, MsgInvalidJSON)
	}
	if fields == nil {
		return nil, apperrors.New(apperrors.ErrCodeGeneration, MsgInvalidJSON)
	}
	return &Result{fields: fields}, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// Text returns the human-readable reply.
func (r *Result) Text() (string, bool) {
	if r == nil {
		return "", false
	}
	raw, ok := r.fields["text"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (r *Result) rawTree() (json.RawMessage, bool) {
	if r == nil {
		return nil, false
	}
	if raw, ok := r.fields["fileTree"]; ok {
		return raw, true
	}
	raw, ok := r.fields["FileTree"]
	return raw, ok
}

// GeneratedFiles returns the file tree in the model's shape, keeping only
// entries that carry string contents.
func (r *Result) GeneratedFiles() (map[string]GeneratedFile, bool) {
	raw, ok := r.rawTree()
	if !ok {
		return nil, false
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		return nil, false
	}

	files := make(map[string]GeneratedFile, len(entries))
	for path, entry := range entries {
		var entryFile struct {
			File struct {
				Contents *string `json:"contents"`
			} `json:"file"`
		}
		if err := json.Unmarshal(entry, &entryFile); err != nil || entryFile.File.Contents == nil {
			continue
		}
		var f GeneratedFile
		f.File.Contents = *entryFile.File.Contents
		files[path] = f
	}
	return files, true
}

// FileTree returns the generated files converted to stored records.
func (r *Result) FileTree() (filetree.Tree, bool) {
	files, ok := r.GeneratedFiles()
	if !ok {
		return nil, false
	}
	tree := make(filetree.Tree, len(files))
	for path, f := range files {
		tree[path] = filetree.File{Content: f.File.Contents}
	}
	return tree, true
}

func (r *Result) commands(key string) (Commands, bool) {
	if r == nil {
		return Commands{}, false
	}
	raw, ok := r.fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Commands{}, false
	}
	var c Commands
	if err := json.Unmarshal(raw, &c); err != nil {
		return Commands{}, false
	}
	return c, true
}

// BuildCommands returns the suggested build step.
func (r *Result) BuildCommands() (Commands, bool) {
	return r.commands("buildCommands")
}

// StartCommands returns the suggested start step.
func (r *Result) StartCommands() (Commands, bool) {
	return r.commands("startCommands")
}

// MarshalJSON renders the well-formed fields only, with the tree always under
// "fileTree".
func (r *Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Text          *string                  `json:"text,omitempty"`
		FileTree      map[string]GeneratedFile `json:"fileTree,omitempty"`
		BuildCommands *Commands                `json:"buildCommands,omitempty"`
		StartCommands *Commands                `json:"startCommands,omitempty"`
	}{}
	if text, ok := r.Text(); ok {
		out.Text = &text
	}
	if files, ok := r.GeneratedFiles(); ok {
		out.FileTree = files
	}
	if c, ok := r.BuildCommands(); ok {
		out.BuildCommands = &c
	}
	if c, ok := r.StartCommands(); ok {
		out.StartCommands = &c
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
