package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmend/docmend/internal/domain"
)

func correctionServer(t *testing.T, status int, resp correctionResponse) (*httptest.Server, *domain.CorrectionRequest) {
	t.Helper()
	var got domain.CorrectionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/corrections", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestGatewayCorrect(t *testing.T) {
	srv, got := correctionServer(t, http.StatusOK, correctionResponse{
		CorrectedCode: "print('fixed')",
		Confidence:    0.91,
		Explanation:   "added the missing import",
	})

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	attempt, err := g.Correct(context.Background(), domain.CorrectionRequest{
		SnippetID:    "snip-1",
		Language:     domain.LangPython,
		Code:         "print(undefined)",
		ErrorKind:    domain.ErrKindRuntime,
		ErrorMessage: "NameError: name 'undefined' is not defined",
		Context:      "docs/usage.md:10-14",
	})
	require.NoError(t, err)

	assert.Equal(t, "snip-1", attempt.SnippetID)
	assert.Equal(t, "print(undefined)", attempt.OriginalCode)
	assert.Equal(t, "print('fixed')", attempt.CorrectedCode)
	assert.Equal(t, 0.91, attempt.Confidence)
	assert.False(t, attempt.Validated)

	assert.Equal(t, "snip-1", got.SnippetID)
	assert.Equal(t, domain.ErrKindRuntime, got.ErrorKind)
	assert.Equal(t, "docs/usage.md:10-14", got.Context)
}

func TestGatewayStripsMarkdownFence(t *testing.T) {
	srv, _ := correctionServer(t, http.StatusOK, correctionResponse{
		CorrectedCode: "Here is the fix:\n```python\nimport os\nprint(os.getcwd())\n```\nThat should work.",
		Confidence:    0.8,
	})

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	attempt, err := g.Correct(context.Background(), domain.CorrectionRequest{SnippetID: "s", Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, "import os\nprint(os.getcwd())", attempt.CorrectedCode)
}

func TestGatewayBackendError(t *testing.T) {
	srv, _ := correctionServer(t, http.StatusInternalServerError, correctionResponse{})

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	_, err := g.Correct(context.Background(), domain.CorrectionRequest{SnippetID: "s", Code: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGatewayEmptyCorrectionRejected(t *testing.T) {
	srv, _ := correctionServer(t, http.StatusOK, correctionResponse{Confidence: 0.9})

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	_, err := g.Correct(context.Background(), domain.CorrectionRequest{SnippetID: "s", Code: "x"})
	assert.ErrorIs(t, err, domain.ErrCorrectionRejected)
}

func TestGatewayUnreachableBackend(t *testing.T) {
	g := NewHTTPGateway("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := g.Correct(context.Background(), domain.CorrectionRequest{SnippetID: "s", Code: "x"})
	assert.Error(t, err)
}

func TestExtractCode(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare code", "print('x')", "print('x')"},
		{"fenced", "```python\nprint('x')\n```", "print('x')"},
		{"fence without language", "```\na = 1\nb = 2\n```", "a = 1\nb = 2"},
		{"prose around fence", "fix:\n```go\nfmt.Println(1)\n```\ndone", "fmt.Println(1)"},
		{"whitespace trimmed", "  print('x')  \n", "print('x')"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractCode(tc.in))
		})
	}
}
