package docker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmend/docmend/internal/domain"
)

func TestScreenCode(t *testing.T) {
	assert.Empty(t, screenCode("print('hello')"))
	assert.Empty(t, screenCode("import os\nprint(os.getcwd())"))

	assert.NotEmpty(t, screenCode("open('/var/run/docker.sock')"))
	assert.NotEmpty(t, screenCode("os.system('nsenter -t 1 -m sh')"))
	assert.NotEmpty(t, screenCode("with open('/proc/1/root/etc/shadow') as f: pass"))
	assert.NotEmpty(t, screenCode("open('/dev/mem', 'rb')"))
}

// testEngine skips unless a Docker daemon is reachable and integration tests
// are opted into.
func testEngine(t *testing.T) *Engine {
	t.Helper()
	if os.Getenv("DOCMEND_DOCKER_TESTS") == "" {
		t.Skip("set DOCMEND_DOCKER_TESTS=1 to run Docker integration tests")
	}
	e, err := NewEngine(context.Background(), 5*time.Second)
	require.NoError(t, err)
	return e
}

func testLimits() domain.ResourceLimits {
	return domain.ResourceLimits{
		MemoryBytes:    256 << 20,
		CPUs:           0.5,
		Pids:           64,
		DiskBytes:      64 << 20,
		InstallTimeout: time.Minute,
	}
}

func TestExecuteSuccess(t *testing.T) {
	e := testEngine(t)

	res, err := e.Execute(context.Background(), domain.ExecRequest{
		TaskID:    "t1",
		SnippetID: "s1",
		Attempt:   1,
		Language:  domain.LangPython,
		Code:      "print('hello')",
		Timeout:   30 * time.Second,
		Limits:    testLimits(),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Stdout, "hello")
}

func TestExecuteIsolation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	first, err := e.Execute(ctx, domain.ExecRequest{
		TaskID: "t1", SnippetID: "s1", Attempt: 1,
		Language: domain.LangPython,
		Code:     "open('/work/marker.txt', 'w').write('leaked')",
		Timeout:  30 * time.Second,
		Limits:   testLimits(),
	})
	require.NoError(t, err)
	require.True(t, first.Success)

	// A following execution must not see the file.
	second, err := e.Execute(ctx, domain.ExecRequest{
		TaskID: "t2", SnippetID: "s2", Attempt: 1,
		Language: domain.LangPython,
		Code:     "print(open('/work/marker.txt').read())",
		Timeout:  30 * time.Second,
		Limits:   testLimits(),
	})
	require.NoError(t, err)
	assert.False(t, second.Success, "state must not leak between executions")
	assert.Equal(t, domain.ErrKindRuntime, second.ErrorKind)
}

func TestExecuteTimeout(t *testing.T) {
	e := testEngine(t)

	start := time.Now()
	res, err := e.Execute(context.Background(), domain.ExecRequest{
		TaskID: "t1", SnippetID: "s1", Attempt: 1,
		Language: domain.LangPython,
		Code:     "import time\ntime.sleep(600)",
		Timeout:  3 * time.Second,
		Limits:   testLimits(),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindTimeout, res.ErrorKind)
	assert.Less(t, time.Since(start), 3*time.Second+2*e.killGrace,
		"timeout must resolve within the kill grace")
}

func TestExecuteDependencyInstallTimeout(t *testing.T) {
	e := testEngine(t)

	limits := testLimits()
	limits.InstallTimeout = 5 * time.Second

	start := time.Now()
	res, err := e.Execute(context.Background(), domain.ExecRequest{
		TaskID: "t1", SnippetID: "s1", Attempt: 1,
		Language:     domain.LangPython,
		Code:         "import tensorflow",
		Dependencies: []string{"tensorflow"},
		Timeout:      30 * time.Second,
		Limits:       limits,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindDependency, res.ErrorKind)
	assert.Contains(t, res.Stderr, "exceeded")
	assert.Less(t, time.Since(start), limits.InstallTimeout+30*time.Second,
		"the install phase must abort on its own budget")
}

func TestExecuteSyntaxError(t *testing.T) {
	e := testEngine(t)

	res, err := e.Execute(context.Background(), domain.ExecRequest{
		TaskID: "t1", SnippetID: "s1", Attempt: 1,
		Language: domain.LangPython,
		Code:     "print('broken'",
		Timeout:  30 * time.Second,
		Limits:   testLimits(),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindSyntax, res.ErrorKind)
}

func TestExecuteSecurityViolation(t *testing.T) {
	// No daemon needed: the screen runs before anything touches Docker.
	e := &Engine{}

	_, err := e.Execute(context.Background(), domain.ExecRequest{
		TaskID: "t1", SnippetID: "s1", Attempt: 1,
		Language: domain.LangPython,
		Code:     "open('/var/run/docker.sock')",
		Timeout:  30 * time.Second,
		Limits:   testLimits(),
	})
	var violation *domain.SecurityViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "t1", violation.TaskID)
}
