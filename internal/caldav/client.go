// Package caldav implements the small slice of the CalDAV protocol this
// tool needs: reading a calendar's display name, querying events in a
// time range, and writing or deleting individual calendar objects.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "novsucal/internal/log"
)

// RequestError reports a CalDAV request that failed at the HTTP level.
type RequestError struct {
	Method string
	URL    string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("caldav: %s %s returned HTTP %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("caldav: %s %s failed: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected our credentials.
func (e *RequestError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Object is one calendar resource as returned by a calendar-query.
type Object struct {
	Href string
	ETag string
	Data []byte // iCalendar payload
}

// Client is a basic-auth CalDAV client. All paths/URLs passed to its
// methods may be absolute URLs or paths relative to the server base.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewClient creates a Client for the given server base URL.
func NewClient(serverURL, username, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		username:   username,
		password:   password,
	}
}

// resolve turns a possibly-relative href into an absolute URL on the
// configured server.
func (c *Client) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.baseURL + ref
}

func (c *Client) do(ctx context.Context, method, ref string, depth string, body string) (*http.Response, error) {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(ref), rdr)
	if err != nil {
		return nil, &RequestError{Method: method, URL: ref, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	if body != "" {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Method: method, URL: ref, Err: err}
	}
	return resp, nil
}

// multistatus mirrors the DAV:multistatus response body shared by
// PROPFIND and REPORT.
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName  *string `xml:"displayname"`
	ETag         string  `xml:"getetag"`
	CalendarData string  `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

const displayNameQuery = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:displayname/>
  </d:prop>
</d:propfind>`

// DisplayName fetches the display name of the given calendar
// collection via a Depth-0 PROPFIND.
func (c *Client) DisplayName(ctx context.Context, calendarURL string) (string, error) {
	resp, err := c.do(ctx, "PROPFIND", calendarURL, "0", displayNameQuery)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return "", &RequestError{Method: "PROPFIND", URL: calendarURL, Status: resp.StatusCode}
	}

	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return "", &RequestError{Method: "PROPFIND", URL: calendarURL, Err: err}
	}

	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if ps.Prop.DisplayName != nil && statusOK(ps.Status) {
				return *ps.Prop.DisplayName, nil
			}
		}
	}
	return "", &RequestError{
		Method: "PROPFIND",
		URL:    calendarURL,
		Err:    fmt.Errorf("no displayname in multistatus response"),
	}
}

const calendarQueryTemplate = `<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// Query runs a calendar-query REPORT for VEVENTs intersecting
// [start, end) and returns the matching objects.
func (c *Client) Query(ctx context.Context, calendarURL string, start, end time.Time) ([]Object, error) {
	body := fmt.Sprintf(calendarQueryTemplate,
		start.UTC().Format("20060102T150405Z"),
		end.UTC().Format("20060102T150405Z"))

	resp, err := c.do(ctx, "REPORT", calendarURL, "1", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, &RequestError{Method: "REPORT", URL: calendarURL, Status: resp.StatusCode}
	}

	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: "REPORT", URL: calendarURL, Err: err}
	}

	objects := make([]Object, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if ps.Prop.CalendarData == "" || !statusOK(ps.Status) {
				continue
			}
			objects = append(objects, Object{
				Href: r.Href,
				ETag: ps.Prop.ETag,
				Data: []byte(ps.Prop.CalendarData),
			})
		}
	}

	appLog.Debug("calendar query done", "objects", len(objects))
	return objects, nil
}

// Put writes an iCalendar object to the given resource URL, creating
// or replacing it.
func (c *Client) Put(ctx context.Context, objectURL string, ics []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(objectURL),
		strings.NewReader(string(ics)))
	if err != nil {
		return &RequestError{Method: "PUT", URL: objectURL, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Method: "PUT", URL: objectURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Method: "PUT", URL: objectURL, Status: resp.StatusCode}
	}
	return nil
}

// Delete removes the calendar object at the given href.
func (c *Client) Delete(ctx context.Context, href string) error {
	resp, err := c.do(ctx, http.MethodDelete, href, "", "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 404 is fine: the object is gone either way.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Method: "DELETE", URL: href, Status: resp.StatusCode}
	}
	return nil
}

func parseMultistatus(r io.Reader) (*multistatus, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("parsing multistatus: %w", err)
	}
	return &ms, nil
}

// statusOK accepts an empty propstat status (some servers omit it) or
// an HTTP 200 status line.
func statusOK(status string) bool {
	return status == "" || strings.Contains(status, "200")
}
