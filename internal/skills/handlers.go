package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openmates/core/internal/fault"
)

// Builtin inline handlers. Queued skills (images/generate) have no
// handler here; they run in workers reached through the queue.

// DocsHandler implements code/get_docs: fetches library documentation
// from a docs index over HTTP.
type DocsHandler struct {
	http    *http.Client
	baseURL string
}

// NewDocsHandler creates the code/get_docs handler.
func NewDocsHandler(baseURL string) *DocsHandler {
	return &DocsHandler{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Invoke fetches documentation for the requested library, scoped to the
// question when the index supports topic filtering.
func (h *DocsHandler) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	library, _ := inv.Call.ArgumentsParsed["library"].(string)
	question, _ := inv.Call.ArgumentsParsed["question"].(string)
	if library == "" {
		return nil, fault.New(fault.KindInvalidArgs, "get_docs: missing library")
	}

	u := h.baseURL + "/" + strings.TrimLeft(library, "/")
	if question != "" {
		u += "?topic=" + url.QueryEscape(question)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "get_docs: build request")
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "get_docs: fetch %s", library)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindProvider, "get_docs: %s returned status %d", library, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "get_docs: read body")
	}
	content, _ := json.Marshal(map[string]string{"content": string(body)})
	return &Result{Content: string(content)}, nil
}

// SearchHandler implements web/search against a search API speaking the
// subscription-token dialect.
type SearchHandler struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewSearchHandler creates the web/search handler. The API key comes
// from the secrets manager at boot.
func NewSearchHandler(baseURL, apiKey string) *SearchHandler {
	return &SearchHandler{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Invoke runs one web search and returns the top results as a JSON
// tool result.
func (h *SearchHandler) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	query, _ := inv.Call.ArgumentsParsed["query"].(string)
	if query == "" {
		return nil, fault.New(fault.KindInvalidArgs, "search: missing query")
	}

	u := fmt.Sprintf("%s/res/v1/web/search?q=%s&count=10", h.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "search: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", h.apiKey)

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "search: request")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fault.New(fault.KindAuth, "search: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fault.New(fault.KindProvider, "search: status %d", resp.StatusCode)
	}

	var decoded struct {
		Web struct {
			Results []searchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fault.Wrap(err, fault.KindProvider, "search: decode response")
	}

	content, err := json.Marshal(map[string]any{"results": decoded.Web.Results})
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "search: encode result")
	}
	return &Result{Content: string(content)}, nil
}
