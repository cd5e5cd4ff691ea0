package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/filetree"
)

func TestParse_PlainObject(t *testing.T) {
	res, err := Parse(`{"text":"hello"}`)
	require.NoError(t, err)

	text, ok := res.Text()
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	_, ok = res.FileTree()
	assert.False(t, ok)
	_, ok = res.BuildCommands()
	assert.False(t, ok)
}

func TestParse_StripsFences(t *testing.T) {
	raw := "```json\n{\"text\":\"fenced\"}\n```"
	res, err := Parse(raw)
	require.NoError(t, err)
	text, _ := res.Text()
	assert.Equal(t, "fenced", text)

	res, err = Parse("```\n{\"text\":\"bare\"}\n```")
	require.NoError(t, err)
	text, _ = res.Text()
	assert.Equal(t, "bare", text)
}

func TestParse_Failures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		msg  string
	}{
		{"empty", "", MsgNoResponseText},
		{"whitespace", "  \n\t", MsgNoResponseText},
		{"prose", "Sure! Here is your code.", MsgInvalidJSON},
		{"array", `[1,2,3]`, MsgInvalidJSON},
		{"null", `null`, MsgInvalidJSON},
		{"truncated", `{"text": "half`, MsgInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.raw)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeGeneration))

			appErr, ok := apperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.msg, appErr.Message)
		})
	}
}

func TestResult_FileTreeKeys(t *testing.T) {
	res, err := Parse(`{
		"text": "built",
		"FileTree": {"legacy.js": {"file": {"contents": "old"}}}
	}`)
	require.NoError(t, err)
	tree, ok := res.FileTree()
	require.True(t, ok)
	assert.Equal(t, filetree.Tree{"legacy.js": {Content: "old"}}, tree)

	res, err = Parse(`{
		"fileTree": {"a.js": {"file": {"contents": "new"}}},
		"FileTree": {"b.js": {"file": {"contents": "ignored"}}}
	}`)
	require.NoError(t, err)
	tree, ok = res.FileTree()
	require.True(t, ok)
	assert.Equal(t, filetree.Tree{"a.js": {Content: "new"}}, tree)
}

func TestResult_SkipsMalformedEntries(t *testing.T) {
	res, err := Parse(`{
		"fileTree": {
			"ok.js": {"file": {"contents": "x"}},
			"nofile.js": {"contents": "y"},
			"number.js": {"file": {"contents": 42}},
			"scalar.js": "z"
		}
	}`)
	require.NoError(t, err)

	tree, ok := res.FileTree()
	require.True(t, ok)
	assert.Equal(t, filetree.Tree{"ok.js": {Content: "x"}}, tree)
}

func TestResult_Commands(t *testing.T) {
	res, err := Parse(`{
		"text": "server",
		"buildCommands": {"mainItem": "npm", "commands": ["install"]},
		"startCommands": null
	}`)
	require.NoError(t, err)

	build, ok := res.BuildCommands()
	require.True(t, ok)
	assert.Equal(t, Commands{MainItem: "npm", Commands: []string{"install"}}, build)

	_, ok = res.StartCommands()
	assert.False(t, ok)
}

func TestResult_MarshalJSON(t *testing.T) {
	res, err := Parse(`{
		"text": "a <b> & c",
		"FileTree": {"app.js": {"file": {"contents": "console.log(1)"}}},
		"startCommands": {"mainItem": "node", "commands": ["app.js"]},
		"extra": true
	}`)
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "text")
	assert.Contains(t, decoded, "fileTree")
	assert.Contains(t, decoded, "startCommands")
	assert.NotContains(t, decoded, "FileTree")
	assert.NotContains(t, decoded, "buildCommands")
	assert.NotContains(t, decoded, "extra")
	assert.Contains(t, string(data), "a <b> & c")
}
