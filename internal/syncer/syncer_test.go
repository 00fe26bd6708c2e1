package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novsucal/internal/caldav"
	"novsucal/internal/config"
	"novsucal/internal/novsu"
)

// fakeCalDAV is an in-memory CalDAV endpoint covering the verbs the
// syncer uses.
type fakeCalDAV struct {
	mu          sync.Mutex
	displayName string
	store       map[string][]byte
	putAttempts int
	deletes     []string
	rejectPuts  bool
}

func newFakeCalDAV() *fakeCalDAV {
	return &fakeCalDAV{
		displayName: "Timetable",
		store:       map[string][]byte{},
	}
}

func (f *fakeCalDAV) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprintf(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>%s</d:href>
    <d:propstat>
      <d:status>HTTP/1.1 200 OK</d:status>
      <d:prop><d:displayname>%s</d:displayname></d:prop>
    </d:propstat>
  </d:response>
</d:multistatus>`, r.URL.Path, f.displayName)

		case "REPORT":
			var b strings.Builder
			b.WriteString(`<?xml version="1.0"?>` + "\n")
			b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
			for path, data := range f.store {
				fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat>
<d:status>HTTP/1.1 200 OK</d:status>
<d:prop><d:getetag>"1"</d:getetag><c:calendar-data>%s</c:calendar-data></d:prop>
</d:propstat></d:response>`, path, data)
			}
			b.WriteString(`</d:multistatus>`)
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, b.String())

		case http.MethodPut:
			f.putAttempts++
			if f.rejectPuts {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			body, _ := io.ReadAll(r.Body)
			f.store[r.URL.Path] = body
			w.WriteHeader(http.StatusCreated)

		case http.MethodDelete:
			f.deletes = append(f.deletes, r.URL.Path)
			delete(f.store, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeCalDAV) hrefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.store))
	for k := range f.store {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func timetableServer(t *testing.T) *httptest.Server {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("..", "novsu", "testdata", "timetable.html"))
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
}

func newTestSyncer(t *testing.T, dav *fakeCalDAV) (*Syncer, func()) {
	t.Helper()
	ttSrv := timetableServer(t)
	davSrv := httptest.NewServer(dav.handler())

	cfg := &config.Config{
		CalDAV: config.CalDAVConfig{
			Server:   davSrv.URL,
			Username: "user",
			Password: "secret",
			Calendar: davSrv.URL + "/cal/",
			Name:     "Timetable",
		},
		Novsu: config.NovsuConfig{
			Timetable: ttSrv.URL,
			Timezone:  "Europe/Moscow",
		},
	}
	cfg.Normalize()
	require.NoError(t, cfg.Validate())

	return New(cfg), func() {
		ttSrv.Close()
		davSrv.Close()
	}
}

// fixtureLessonCount matches the lesson rows in the shared timetable
// fixture.
const fixtureLessonCount = 12

func TestRunWritesEachLesson(t *testing.T) {
	dav := newFakeCalDAV()
	s, done := newTestSyncer(t, dav)
	defer done()

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, fixtureLessonCount, dav.putAttempts)
	hrefs := dav.hrefs()
	require.Len(t, hrefs, fixtureLessonCount)
	for _, href := range hrefs {
		assert.True(t, strings.HasPrefix(href, "/cal/novsucal-"), href)
		assert.True(t, strings.HasSuffix(href, ".ics"), href)
	}
}

func findPayload(t *testing.T, dav *fakeCalDAV, summary string) []byte {
	t.Helper()
	dav.mu.Lock()
	defer dav.mu.Unlock()
	for _, data := range dav.store {
		if strings.Contains(string(data), "SUMMARY:"+summary) {
			return data
		}
	}
	t.Fatalf("no stored event with summary %q", summary)
	return nil
}

func TestRunRoundTrip(t *testing.T) {
	dav := newFakeCalDAV()
	s, done := newTestSyncer(t, dav)
	defer done()

	require.NoError(t, s.Run(context.Background()))

	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	payload := findPayload(t, dav, "(Л) Математический анализ")
	cal, err := ics.ParseCalendar(strings.NewReader(string(payload)))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 1)

	ev := events[0]
	start, err := ev.GetStartAt()
	require.NoError(t, err)
	end, err := ev.GetEndAt()
	require.NoError(t, err)

	wantStart := time.Date(2025, 9, 1, 9, 0, 0, 0, loc)
	assert.True(t, start.Equal(wantStart), "start %v", start)
	assert.True(t, end.Equal(wantStart.Add(45*time.Minute)), "end %v", end)
	assert.Equal(t, "1234", ev.GetProperty(ics.ComponentPropertyLocation).Value)
	require.NotNil(t, ev.GetProperty(ics.ComponentPropertyRrule))
	assert.Contains(t, ev.GetProperty(ics.ComponentPropertyRrule).Value, "FREQ=WEEKLY")

	// Alternating-week lesson carries a fortnightly interval.
	biweekly := findPayload(t, dav, "(Л) Философия")
	assert.Contains(t, string(biweekly), "INTERVAL=2")

	// Cancelled dates end up as EXDATEs (09:00 MSK is 06:00 UTC).
	cancelled := findPayload(t, dav, "(Л) История")
	assert.Contains(t, string(cancelled), "EXDATE:20250909T060000Z")
	assert.Contains(t, string(cancelled), "EXDATE:20250916T060000Z")
}

func TestRunIdempotent(t *testing.T) {
	dav := newFakeCalDAV()
	s, done := newTestSyncer(t, dav)
	defer done()

	require.NoError(t, s.Run(context.Background()))
	first := dav.hrefs()

	require.NoError(t, s.Run(context.Background()))
	second := dav.hrefs()

	// The second run overwrites the same resources in place: same
	// hrefs, nothing deleted, no duplicates.
	assert.Equal(t, first, second)
	assert.Len(t, second, fixtureLessonCount)
	assert.Empty(t, dav.deletes)
}

const staleManagedEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:novsucal-0000deadbeef0000\r\nDTSTAMP:20250901T000000Z\r\n" +
	"DTSTART:20250910T100000Z\r\nDTEND:20250910T110000Z\r\nSUMMARY:Dropped lesson\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

const foreignEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:someone-elses-party\r\nDTSTAMP:20250901T000000Z\r\n" +
	"DTSTART:20250912T180000Z\r\nDTEND:20250912T210000Z\r\nSUMMARY:Party\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

func TestRunPrunesStaleManagedEvents(t *testing.T) {
	dav := newFakeCalDAV()
	dav.store["/cal/novsucal-0000deadbeef0000.ics"] = []byte(staleManagedEvent)
	dav.store["/cal/party.ics"] = []byte(foreignEvent)

	s, done := newTestSyncer(t, dav)
	defer done()

	require.NoError(t, s.Run(context.Background()))

	// The stale managed event is gone; the user's own event is not
	// touched.
	assert.Contains(t, dav.deletes, "/cal/novsucal-0000deadbeef0000.ics")
	assert.NotContains(t, dav.hrefs(), "/cal/novsucal-0000deadbeef0000.ics")
	assert.Contains(t, dav.hrefs(), "/cal/party.ics")
}

func TestRunAbortsOnRejectedWrite(t *testing.T) {
	dav := newFakeCalDAV()
	dav.rejectPuts = true

	s, done := newTestSyncer(t, dav)
	defer done()

	err := s.Run(context.Background())
	var reqErr *caldav.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.Unauthorized())

	// The run stops at the first rejected write.
	assert.Equal(t, 1, dav.putAttempts)
	assert.Empty(t, dav.hrefs())
}

func TestRunNameMismatchWritesNothing(t *testing.T) {
	dav := newFakeCalDAV()
	dav.displayName = "Personal"

	s, done := newTestSyncer(t, dav)
	defer done()

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name mismatch")
	assert.Zero(t, dav.putAttempts)
}

func TestDryRunWritesNothing(t *testing.T) {
	dav := newFakeCalDAV()
	dav.store["/cal/novsucal-0000deadbeef0000.ics"] = []byte(staleManagedEvent)

	s, done := newTestSyncer(t, dav)
	defer done()
	s.DryRun = true

	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, dav.putAttempts)
	assert.Empty(t, dav.deletes)
	assert.Contains(t, dav.hrefs(), "/cal/novsucal-0000deadbeef0000.ics")
}

func TestLessonUIDStable(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	lesson := novsu.Lesson{
		Subject:  "(Л) Математический анализ",
		Location: "1234",
		First:    time.Date(2025, 9, 1, 9, 0, 0, 0, loc),
	}

	uid := lessonUID(lesson)
	assert.True(t, strings.HasPrefix(uid, uidPrefix))
	assert.Equal(t, uid, lessonUID(lesson))

	moved := lesson
	moved.First = moved.First.Add(time.Hour)
	assert.NotEqual(t, uid, lessonUID(moved))
}
