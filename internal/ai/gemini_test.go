package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestBuildGeminiContents(t *testing.T) {
	msgs := []Message{
		SystemMessage("be terse"),
		UserMessage("first"),
		AssistantMessage("ok"),
		UserMessage("second"),
	}

	contents, err := buildGeminiContents(msgs, nil)
	require.NoError(t, err)
	require.Len(t, contents, 3)

	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, string(genai.RoleUser), contents[2].Role)
	assert.Equal(t, "be terse\n\n---\n\nUSER REQUEST:\nsecond", contents[2].Parts[0].Text)
}

func TestBuildGeminiContents_Schema(t *testing.T) {
	schema := MustCompileSchema("templateSelection", templatePickSchema)
	contents, err := buildGeminiContents([]Message{UserMessage("pick")}, schema)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text := contents[0].Parts[0].Text
	assert.True(t, strings.HasPrefix(text, "pick\n\nIMPORTANT: You MUST respond in JSON format"))
	assert.Contains(t, text, `"selectedTemplateName"`)
}

func TestBuildGeminiContents_LastMessageMustBeUser(t *testing.T) {
	_, err := buildGeminiContents([]Message{UserMessage("a"), AssistantMessage("b")}, nil)
	assert.Error(t, err)

	_, err = buildGeminiContents([]Message{SystemMessage("only system")}, nil)
	assert.Error(t, err)
}
