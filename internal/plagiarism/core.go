package plagiarism

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for CORE search failures.
var (
	ErrUnreachable       = errors.New("CORE unreachable")
	ErrTimeout           = errors.New("CORE timeout")
	ErrRejected          = errors.New("CORE rejected request")
	ErrMalformedResponse = errors.New("malformed CORE response")
)

// IsTransient reports whether a search error is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRejected)
}

// Searcher finds candidate source works for a query.
type Searcher interface {
	Search(ctx context.Context, apiKey, query string, limit int) ([]Work, error)
}

type author struct {
	Name string `json:"name"`
}

type link struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Work is one search hit from the CORE v3 works index.
type Work struct {
	ID            json.RawMessage `json:"id"`
	Title         string          `json:"title"`
	Abstract      string          `json:"abstract"`
	DOI           string          `json:"doi"`
	Authors       []author        `json:"authors"`
	YearPublished json.RawMessage `json:"yearPublished"`
	Links         []link          `json:"links"`
	DownloadURL   string          `json:"downloadUrl"`
}

// Key identifies a work for de-duplication: its id, else DOI, else title.
func (w Work) Key() string {
	id := strings.Trim(strings.TrimSpace(string(w.ID)), `"`)
	switch {
	case id != "" && id != "null":
		return id
	case w.DOI != "":
		return w.DOI
	default:
		return w.Title
	}
}

// CompareText is the title and abstract the document is compared with.
func (w Work) CompareText() string {
	return strings.TrimSpace(w.Title + " " + w.Abstract)
}

func (w Work) year() *int {
	raw := strings.Trim(strings.TrimSpace(string(w.YearPublished)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	y, err := strconv.Atoi(raw)
	if err != nil || y == 0 {
		return nil
	}
	return &y
}

func (w Work) source(pct int, matches []SentenceMatch) Source {
	s := Source{
		Title:            w.Title,
		Authors:          make([]string, 0, len(w.Authors)),
		Year:             w.year(),
		MatchPercentage:  pct,
		MatchedSentences: matches,
		SourceType:       "Publication",
	}
	if s.Title == "" {
		s.Title = "Untitled"
	}
	for _, a := range w.Authors {
		name := a.Name
		if name == "" {
			name = "Unknown"
		}
		s.Authors = append(s.Authors, name)
	}
	if w.DOI != "" {
		doi := w.DOI
		s.DOI = &doi
	}
	switch {
	case len(w.Links) > 0 && w.Links[0].URL != "":
		u := w.Links[0].URL
		s.URL = &u
	case len(w.Links) == 0 && w.DownloadURL != "":
		u := w.DownloadURL
		s.URL = &u
	}
	return s
}

// uniqueWorks drops works without a key, repeats, and works too short to compare.
func uniqueWorks(seen map[string]struct{}, works []Work) []Work {
	var out []Work
	for _, w := range works {
		key := w.Key()
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		if len([]rune(w.CompareText())) <= minCompareLen {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, w)
	}
	return out
}

const searchPath = "/v3/search/works/"

// HTTPClient implements Searcher against the CORE HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ Searcher = (*HTTPClient)(nil)

// NewHTTPClient creates a CORE search client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Results []Work `json:"results"`
}

func (c *HTTPClient) Search(ctx context.Context, apiKey, query string, limit int) ([]Work, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var sr searchResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return sr.Results, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("search cancelled: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
