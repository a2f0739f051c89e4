package domain

import (
	"fmt"
	"strings"
	"time"
)

// Language is the closed set of languages the sandbox can execute. The set is
// fixed and security-sensitive: dispatch is an exhaustive switch, not an open
// registry.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangJava       Language = "java"
	LangGo         Language = "go"
	LangRust       Language = "rust"
)

// Languages lists every supported language.
func Languages() []Language {
	return []Language{LangPython, LangJavaScript, LangTypeScript, LangJava, LangGo, LangRust}
}

// Capability binds a language to the concrete runtime needed to execute it:
// the container image, where the snippet is written inside the sandbox, how
// dependencies are installed, and how the snippet is run.
type Capability struct {
	Image          string
	FileName       string
	RunCmd         []string
	InstallCmd     func(deps []string) []string
	DefaultTimeout time.Duration
	// syntaxMarkers are stderr substrings that identify a compile/parse error
	// rather than a runtime failure.
	syntaxMarkers []string
}

// CapabilityFor resolves the capability record for lang. Unknown languages
// are an error, never a fallback image.
func CapabilityFor(lang Language) (Capability, error) {
	switch lang {
	case LangPython:
		return Capability{
			Image:          "python:3.12-slim",
			FileName:       "snippet.py",
			RunCmd:         []string{"python", "/work/snippet.py"},
			InstallCmd:     func(deps []string) []string { return append([]string{"pip", "install", "--quiet"}, deps...) },
			DefaultTimeout: 30 * time.Second,
			syntaxMarkers:  []string{"SyntaxError", "IndentationError"},
		}, nil
	case LangJavaScript:
		return Capability{
			Image:    "node:22-slim",
			FileName: "snippet.js",
			RunCmd:   []string{"node", "/work/snippet.js"},
			InstallCmd: func(deps []string) []string {
				return append([]string{"npm", "install", "--silent", "--prefix", "/work"}, deps...)
			},
			DefaultTimeout: 30 * time.Second,
			syntaxMarkers:  []string{"SyntaxError"},
		}, nil
	case LangTypeScript:
		return Capability{
			Image:    "node:22-slim",
			FileName: "snippet.ts",
			RunCmd:   []string{"npx", "--yes", "tsx", "/work/snippet.ts"},
			InstallCmd: func(deps []string) []string {
				return append([]string{"npm", "install", "--silent", "--prefix", "/work"}, deps...)
			},
			DefaultTimeout: 45 * time.Second,
			syntaxMarkers:  []string{"SyntaxError", "error TS"},
		}, nil
	case LangJava:
		return Capability{
			Image:          "eclipse-temurin:21-jdk",
			FileName:       "Snippet.java",
			RunCmd:         []string{"java", "/work/Snippet.java"},
			InstallCmd:     nil, // single-file source launch, no package manager
			DefaultTimeout: 60 * time.Second,
			syntaxMarkers:  []string{"error:", "compilation failed"},
		}, nil
	case LangGo:
		return Capability{
			Image:          "golang:1.25-alpine",
			FileName:       "snippet.go",
			RunCmd:         []string{"go", "run", "/work/snippet.go"},
			InstallCmd:     func(deps []string) []string { return append([]string{"go", "get"}, deps...) },
			DefaultTimeout: 60 * time.Second,
			syntaxMarkers:  []string{"syntax error", "expected declaration"},
		}, nil
	case LangRust:
		return Capability{
			Image:          "rust:1-slim",
			FileName:       "snippet.rs",
			RunCmd:         []string{"sh", "-c", "rustc -o /work/snippet /work/snippet.rs && /work/snippet"},
			InstallCmd:     nil, // cargo projects are out of scope for single-file snippets
			DefaultTimeout: 90 * time.Second,
			syntaxMarkers:  []string{"error: expected", "error[E"},
		}, nil
	default:
		return Capability{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
}

// ClassifyFailure maps a non-zero-exit execution to an ErrorKind using the
// language's stderr markers. Anything that is not recognisably a parse error
// counts as runtime.
func (c Capability) ClassifyFailure(stderr string) ErrorKind {
	for _, m := range c.syntaxMarkers {
		if strings.Contains(stderr, m) {
			return ErrKindSyntax
		}
	}
	return ErrKindRuntime
}
