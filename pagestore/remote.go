package pagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PageContent is the page-content endpoint payload.
type PageContent struct {
	Filename   string `json:"filename"`
	Page       int    `json:"page"`
	Text       string `json:"text"`
	TotalPages int    `json:"total_pages"`
}

// RemoteReader fetches page text from the page-content HTTP endpoint
// ("<base>/pages/{filename}/{page}"). Every request carries a deadline so a
// slow endpoint never stalls a task beyond it.
type RemoteReader struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewRemoteReader creates a reader for baseURL, e.g. "http://localhost:8080/api".
func NewRemoteReader(baseURL string, client *http.Client) *RemoteReader {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteReader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		timeout: 10 * time.Second,
	}
}

func (r *RemoteReader) fetch(ctx context.Context, filename string, page int) (*PageContent, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	u := r.baseURL + "/pages/" + url.PathEscape(filename) + "/" + strconv.Itoa(page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d of %s: %w", page, filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s page %d", ErrPageNotFound, filename, page)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch page %d of %s: status %d: %s", page, filename, resp.StatusCode, body)
	}

	var pc PageContent
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return nil, fmt.Errorf("decode page %d of %s: %w", page, filename, err)
	}
	return &pc, nil
}

// PageText fetches one page's text.
func (r *RemoteReader) PageText(ctx context.Context, filename string, page int) (string, error) {
	pc, err := r.fetch(ctx, filename, page)
	if err != nil {
		return "", err
	}
	return pc.Text, nil
}

// PageCount asks for page 1 and reads total_pages from the reply.
func (r *RemoteReader) PageCount(ctx context.Context, filename string) (int, error) {
	pc, err := r.fetch(ctx, filename, 1)
	if errors.Is(err, ErrPageNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pc.TotalPages, nil
}
