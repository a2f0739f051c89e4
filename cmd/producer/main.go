package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/docmend/docmend/internal/domain"
)

// Sample client: submits a small workflow to a running server and polls until
// it reaches a terminal status.
func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	base := os.Getenv("DOCMEND_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	spec := domain.WorkflowSpec{
		Snippets: []domain.SnippetSpec{
			{Language: domain.LangPython, Code: "print('hello from docmend')", File: "README.md", LineStart: 10, LineEnd: 12},
			{Language: domain.LangPython, Code: "print('broken'", File: "README.md", LineStart: 30, LineEnd: 32},
		},
	}

	body, _ := json.Marshal(spec)
	resp, err := http.Post(base+"/api/workflows", "application/json", bytes.NewBuffer(body))
	if err != nil {
		slog.Error("Failed to submit workflow", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		slog.Error("Submission rejected", "status", resp.StatusCode)
		os.Exit(1)
	}

	var accepted struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		slog.Error("Failed to decode response", "error", err)
		os.Exit(1)
	}
	slog.Info("Workflow submitted", "workflowID", accepted.WorkflowID)

	// 2. Poll until terminal
	for {
		time.Sleep(2 * time.Second)

		res, err := http.Get(fmt.Sprintf("%s/api/workflows/%s", base, accepted.WorkflowID))
		if err != nil {
			slog.Error("Status poll failed", "error", err)
			os.Exit(1)
		}
		var wf domain.Workflow
		err = json.NewDecoder(res.Body).Decode(&wf)
		res.Body.Close()
		if err != nil {
			slog.Error("Failed to decode workflow", "error", err)
			os.Exit(1)
		}

		c := wf.Count()
		slog.Info("Workflow status", "status", wf.Status,
			"passed", c.Passed, "corrected", c.Corrected, "manualReview", c.ManualReview)

		if wf.Status.Terminal() {
			return
		}
	}
}
