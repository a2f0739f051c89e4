package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docmend/docmend/internal/domain"
)

// HTTPGateway is an HTTP implementation of the correction gateway. The
// backend (an AI fix generator) is opaque to the pipeline: one POST in, a
// corrected snippet plus confidence out. The request carries its own timeout
// so a slow generator can never block a worker indefinitely.
type HTTPGateway struct {
	url    string
	client *http.Client
}

var _ domain.CorrectionGateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway client against the given base URL.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type correctionResponse struct {
	CorrectedCode string  `json:"corrected_code"`
	Confidence    float64 `json:"confidence"`
	Explanation   string  `json:"explanation"`
}

// Correct asks the backend for a fix. The returned attempt is not validated:
// acceptance requires a passing re-run through the sandbox, which the caller
// owns.
func (g *HTTPGateway) Correct(ctx context.Context, req domain.CorrectionRequest) (domain.CorrectionAttempt, error) {
	attempt := domain.CorrectionAttempt{
		SnippetID:    req.SnippetID,
		OriginalCode: req.Code,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return attempt, fmt.Errorf("failed to marshal correction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/corrections", bytes.NewBuffer(body))
	if err != nil {
		return attempt, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return attempt, fmt.Errorf("correction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return attempt, fmt.Errorf("correction backend returned status %d", resp.StatusCode)
	}

	var out correctionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return attempt, fmt.Errorf("failed to decode correction response: %w", err)
	}
	if out.CorrectedCode == "" {
		return attempt, fmt.Errorf("%w: backend returned empty correction", domain.ErrCorrectionRejected)
	}

	attempt.CorrectedCode = extractCode(out.CorrectedCode)
	attempt.Confidence = out.Confidence
	attempt.Explanation = out.Explanation
	return attempt, nil
}

// extractCode strips a markdown fence if the generator wrapped its answer in
// one; otherwise the text is returned as-is.
func extractCode(text string) string {
	lines := strings.Split(text, "\n")
	inBlock := false
	var code []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inBlock {
				break
			}
			inBlock = true
			continue
		}
		if inBlock {
			code = append(code, line)
		}
	}
	if len(code) > 0 {
		return strings.Join(code, "\n")
	}
	return strings.TrimSpace(text)
}
