package novsu

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	appLog "novsucal/internal/log"
)

// FetchError reports that the timetable source was unreachable or
// answered with a non-OK status.
type FetchError struct {
	URL    string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("novsu: timetable fetch returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("novsu: timetable fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves the published timetable page.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher whose requests are bounded by timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch performs a single GET of the timetable page and returns the
// raw HTML body. There is no caching and no retry; any failure is
// surfaced as a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}

	appLog.Info("timetable fetch start", "url", redactURL(pageURL))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: pageURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}

	appLog.Info("timetable fetch done", "url", redactURL(pageURL), "bytes", len(body))
	return body, nil
}

// redactURL hides the path of a timetable URL for logging; the path
// encodes the faculty/group and is not needed in logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
