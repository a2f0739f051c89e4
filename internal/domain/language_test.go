package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityForCoversAllLanguages(t *testing.T) {
	for _, lang := range Languages() {
		cap, err := CapabilityFor(lang)
		require.NoError(t, err, "language %s", lang)
		assert.NotEmpty(t, cap.Image, "language %s", lang)
		assert.NotEmpty(t, cap.FileName, "language %s", lang)
		assert.NotEmpty(t, cap.RunCmd, "language %s", lang)
		assert.Positive(t, cap.DefaultTimeout, "language %s", lang)
	}
}

func TestCapabilityForUnknownLanguage(t *testing.T) {
	_, err := CapabilityFor(Language("brainfuck"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestPythonInstallCmd(t *testing.T) {
	cap, err := CapabilityFor(LangPython)
	require.NoError(t, err)
	require.NotNil(t, cap.InstallCmd)
	assert.Equal(t, []string{"pip", "install", "--quiet", "requests", "flask"},
		cap.InstallCmd([]string{"requests", "flask"}))
}

func TestJavaHasNoInstallPhase(t *testing.T) {
	cap, err := CapabilityFor(LangJava)
	require.NoError(t, err)
	assert.Nil(t, cap.InstallCmd)
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		lang   Language
		stderr string
		want   ErrorKind
	}{
		{LangPython, "  File \"snippet.py\", line 1\nSyntaxError: invalid syntax", ErrKindSyntax},
		{LangPython, "Traceback (most recent call last):\nNameError: name 'x' is not defined", ErrKindRuntime},
		{LangJavaScript, "SyntaxError: Unexpected token", ErrKindSyntax},
		{LangTypeScript, "snippet.ts(1,1): error TS2304: Cannot find name 'x'.", ErrKindSyntax},
		{LangGo, "./snippet.go:3:1: syntax error: unexpected }", ErrKindSyntax},
		{LangGo, "panic: runtime error: index out of range", ErrKindRuntime},
		{LangRust, "error[E0425]: cannot find value `x` in this scope", ErrKindSyntax},
		{LangJava, "Snippet.java:1: error: ';' expected", ErrKindSyntax},
	}
	for _, tc := range cases {
		cap, err := CapabilityFor(tc.lang)
		require.NoError(t, err)
		assert.Equal(t, tc.want, cap.ClassifyFailure(tc.stderr), "%s: %q", tc.lang, tc.stderr)
	}
}

func TestPolicyLanguageEnabled(t *testing.T) {
	p := Policy{EnabledLanguages: []Language{LangPython, LangGo}}
	assert.True(t, p.LanguageEnabled(LangPython))
	assert.False(t, p.LanguageEnabled(LangRust))

	// An empty list means no restriction.
	open := Policy{}
	assert.True(t, open.LanguageEnabled(LangRust))
}

func TestSnippetStateTerminal(t *testing.T) {
	assert.False(t, SnippetPending.Terminal())
	assert.False(t, SnippetHealing.Terminal())
	assert.True(t, SnippetPassed.Terminal())
	assert.True(t, SnippetCorrected.Terminal())
	assert.True(t, SnippetManualReview.Terminal())
}
