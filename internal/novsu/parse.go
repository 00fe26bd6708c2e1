package novsu

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	appLog "novsucal/internal/log"
)

// ParseError reports that the timetable page did not have the expected
// structure (layout change, unknown day name, malformed dates).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "novsu: " + e.Reason
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// The table layout is screen-scraped, so any silent format change must
// abort the run instead of producing a wrong calendar. The header row
// is checked verbatim for that reason.
var expectedHeader = []string{"дата", "время", "подгр.", "предмет", "преподаватель", "ауд.", "комм."}

var daysOfWeek = []string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}

var (
	titleDatesRe = regexp.MustCompile(`с\s+(\d+\.\d+\.\d+)\s+по\s+(\d+\.\d+\.\d+)`)
	exceptionsRe = regexp.MustCompile(`((?:\d+\.\d+\s*[;,и\s]*)+) занятий не будет`)
	dayMonthRe   = regexp.MustCompile(`\d+\.\d+`)
	fromDateRe   = regexp.MustCompile(`с (\d+\.\d+)`)
	untilDateRe  = regexp.MustCompile(`(?:по|до) (\d+\.\d+)`)
)

// ParseTimetable extracts the schedule from a timetable page.
//
// loc is the timezone all clock times are interpreted in. subgroup
// filters split lessons: 1 or 2 keeps only that subgroup, 0 keeps both.
func ParseTimetable(body []byte, loc *time.Location, subgroup int) (*Timetable, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, parseErrorf("parsing HTML: %v", err)
	}

	// The h3 title carries the validity window of the timetable.
	title := nodeText(doc.Find("h3").First())
	m := titleDatesRe.FindStringSubmatch(title)
	if m == nil {
		return nil, parseErrorf("format of the timetable title has changed: %q", title)
	}

	from, err := time.ParseInLocation("02.01.2006", m[1], loc)
	if err != nil {
		return nil, parseErrorf("bad from-date in title: %v", err)
	}
	to, err := time.ParseInLocation("02.01.2006", m[2], loc)
	if err != nil {
		return nil, parseErrorf("bad to-date in title: %v", err)
	}
	to = to.AddDate(0, 0, 1) // inclusive -> exclusive

	table := doc.Find("table.shedultable").First()
	if table.Length() == 0 {
		return nil, parseErrorf("timetable table not found")
	}

	p := &pageParser{
		loc:      loc,
		subgroup: subgroup,
		from:     from,
		to:       to,
	}

	rows := table.Find("tr")
	for i := 0; i < rows.Length(); i++ {
		if err := p.parseRow(i, rows.Eq(i)); err != nil {
			return nil, err
		}
	}

	appLog.Info("timetable parsed",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"lessons", len(p.lessons),
	)

	return &Timetable{From: from, To: to, Lessons: p.lessons}, nil
}

// pageParser carries the row-to-row state of the table walk: which
// weekday block we are in, how many lesson rows of it remain, and the
// hours of the previous row (the hours cell is merged across rows).
type pageParser struct {
	loc      *time.Location
	subgroup int
	from     time.Time
	to       time.Time

	expectLessons int
	weekday       int
	prevHours     []string

	lessons []Lesson
}

func (p *pageParser) parseRow(i int, row *goquery.Selection) error {
	if i == 0 {
		// First row is always the table header; a changed header means
		// the column meaning may have shifted.
		header := strings.Fields(nodeText(row))
		if !equalFields(header, expectedHeader) {
			return parseErrorf("table header has changed: %v", header)
		}
		return nil
	}

	if p.expectLessons == 0 {
		return p.parseDayRow(row)
	}

	p.expectLessons--
	return p.parseLessonRow(row)
}

// parseDayRow handles a row that opens a weekday block. Its first cell
// holds the day name and a rowspan covering the day's lesson rows.
func (p *pageParser) parseDayRow(row *goquery.Selection) error {
	cell := row.Find("td").First()
	dowName := nodeText(cell.Find("b").First())

	dow := -1
	for idx, name := range daysOfWeek {
		if name == dowName {
			dow = idx
			break
		}
	}
	if dow == -1 {
		return parseErrorf("unknown day of week: %q", dowName)
	}

	span, err := strconv.Atoi(cell.AttrOr("rowspan", ""))
	if err != nil {
		return parseErrorf("day row is missing rowspan: %v", err)
	}

	p.weekday = dow
	p.expectLessons = span - 1
	return nil
}

func (p *pageParser) parseLessonRow(row *goquery.Selection) error {
	cells := row.Find("td")

	// A 6-cell row carries its own hours cell; a shorter one sits under
	// a merged hours cell and inherits the previous row's times.
	hasHours := cells.Length() == 6
	offset := 0
	var hours []string
	if hasHours {
		hours = strings.Fields(nodeText(cells.Eq(0)))
		p.prevHours = hours
		offset = 1
	} else {
		if p.prevHours == nil {
			return parseErrorf("no hours column for row")
		}
		hours = p.prevHours
	}

	// Subgroup is empty, "1)" or "2)"; split lessons are held per
	// subgroup.
	subgroup := 0
	if sg := strings.TrimSuffix(nodeText(cells.Eq(offset)), ")"); sg != "" {
		n, err := strconv.Atoi(sg)
		if err != nil {
			return parseErrorf("bad subgroup value %q", sg)
		}
		subgroup = n

		if p.subgroup != 0 && subgroup != p.subgroup {
			return nil // other subgroup's lesson
		}
	}

	subject := nodeText(cells.Eq(offset + 1))
	if !strings.HasPrefix(subject, "(") {
		// Rows whose subject does not open with a lesson-type marker
		// are free-form notes.
		return nil
	}

	teacher := nodeText(cells.Eq(offset + 2))
	location := nodeText(cells.Eq(offset + 3))
	noRoom := location == "." // a dot means no room assigned
	if noRoom {
		location = ""
	}
	comment := nodeText(cells.Eq(offset + 4))

	if noRoom && strings.Contains(comment, "ДОТ") {
		// Distance-learning course, nothing to put on the calendar.
		return nil
	}

	// Date of the first occurrence: the weekday within the first week
	// of the validity window, unless the comment says otherwise.
	first := p.from.AddDate(0, 0, mod7(p.weekday-pyWeekday(p.from)))
	until := p.to
	intervalWeeks := 1

	// "NN.MM[, NN.MM...] занятий не будет" lists cancelled dates.
	var exceptions []time.Time
	if m := exceptionsRe.FindStringSubmatch(comment); m != nil {
		for _, ds := range dayMonthRe.FindAllString(m[1], -1) {
			d, err := p.parseDayMonth(ds)
			if err != nil {
				return err
			}
			exceptions = append(exceptions, d)
		}
	}

	// "с NN.MM" delays the first occurrence.
	if m := fromDateRe.FindStringSubmatch(comment); m != nil {
		d, err := p.parseDayMonth(m[1])
		if err != nil {
			return err
		}
		first = d

		// When an unsubgrouped continuation row starts later, it is
		// taken to replace the previous row's lesson from that date on.
		if subgroup == 0 && !hasHours {
			from := len(p.lessons) - len(hours)
			if from < 0 {
				from = 0
			}
			for i := from; i < len(p.lessons); i++ {
				if p.lessons[i].Until.Equal(p.to) {
					p.lessons[i].Until = first
				}
			}
		}
	}

	// "по NN.MM" / "до NN.MM" ends the lesson early.
	if m := untilDateRe.FindStringSubmatch(comment); m != nil {
		d, err := p.parseDayMonth(m[1])
		if err != nil {
			return err
		}
		until = d.AddDate(0, 0, 1) // inclusive -> exclusive
	}

	// Alternating-week lessons; the first week of the window is the
	// upper week.
	if strings.Contains(comment, "неделе") {
		_, firstWeek := first.ISOWeek()
		_, fromWeek := p.from.ISOWeek()
		firstOnUpper := (firstWeek-fromWeek)%2 == 0

		onUpper := strings.Contains(comment, "по верхней неделе")
		if onUpper != firstOnUpper {
			first = first.AddDate(0, 0, 7)
		}
		intervalWeeks = 2
	}

	// Each listed clock time is its own lesson slot.
	for _, clock := range hours {
		t, err := time.ParseInLocation("15:04", clock, p.loc)
		if err != nil {
			return parseErrorf("bad lesson time %q: %v", clock, err)
		}

		start := time.Date(first.Year(), first.Month(), first.Day(),
			t.Hour(), t.Minute(), 0, 0, p.loc)
		if !start.Before(until) {
			appLog.Debug("lesson starts after its end date, skipping",
				"subject", subject, "start", start.Format(time.RFC3339))
			continue
		}

		exc := make([]time.Time, 0, len(exceptions))
		for _, d := range exceptions {
			exc = append(exc, time.Date(d.Year(), d.Month(), d.Day(),
				t.Hour(), t.Minute(), 0, 0, p.loc))
		}

		p.lessons = append(p.lessons, Lesson{
			Subject:       subject,
			Teacher:       teacher,
			Location:      location,
			Comment:       comment,
			Subgroup:      subgroup,
			First:         start,
			Until:         until,
			IntervalWeeks: intervalWeeks,
			Exceptions:    exc,
		})
	}

	return nil
}

// parseDayMonth parses "NN.MM" from a comment, taking the year from
// the window start.
func (p *pageParser) parseDayMonth(s string) (time.Time, error) {
	d, err := time.ParseInLocation("02.01.2006",
		fmt.Sprintf("%s.%d", s, p.from.Year()), p.loc)
	if err != nil {
		return time.Time{}, parseErrorf("bad date %q in comment: %v", s, err)
	}
	return d, nil
}

// pyWeekday maps time.Weekday (Sunday=0) onto Monday=0 numbering, which
// is what the table uses.
func pyWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func mod7(n int) int {
	return ((n % 7) + 7) % 7
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// nodeText extracts the text of a selection with single spaces between
// nodes and runs of whitespace collapsed. goquery's own Text() glues
// adjacent text nodes together, which mangles multi-line cells.
func nodeText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		collectText(n, &b)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
