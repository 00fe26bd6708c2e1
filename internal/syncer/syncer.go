// Package syncer drives one full synchronization pass: fetch the
// timetable, turn every lesson into a calendar object, upsert the
// objects into the target calendar, and remove managed objects whose
// lesson disappeared.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"novsucal/internal/caldav"
	"novsucal/internal/config"
	appLog "novsucal/internal/log"
	"novsucal/internal/novsu"
)

// uidPrefix marks calendar objects owned by this tool. Pruning only
// ever touches objects whose UID carries it; everything else on the
// calendar belongs to the user.
const uidPrefix = "novsucal-"

const icsTimestampUTC = "20060102T150405Z"

// Syncer performs timetable-to-calendar synchronization runs.
type Syncer struct {
	cfg     *config.Config
	fetcher *novsu.Fetcher
	client  *caldav.Client

	// DryRun suppresses all writes; the run still fetches, parses and
	// verifies the calendar, and logs what it would have done.
	DryRun bool
}

// New creates a Syncer from the given configuration.
func New(cfg *config.Config) *Syncer {
	return &Syncer{
		cfg:     cfg,
		fetcher: novsu.NewFetcher(cfg.HTTPTimeout()),
		client: caldav.NewClient(cfg.CalDAV.Server, cfg.CalDAV.Username,
			cfg.CalDAV.Password, cfg.HTTPTimeout()),
	}
}

// Run executes a single end-to-end pass. The first failing step aborts
// the run; there are no retries.
func (s *Syncer) Run(ctx context.Context) error {
	// Verify we are pointed at the right calendar before anything is
	// written. A wrong URL with valid credentials would otherwise let
	// the prune step eat into someone's actual calendar.
	name, err := s.client.DisplayName(ctx, s.cfg.CalDAV.Calendar)
	if err != nil {
		return err
	}
	if name != s.cfg.CalDAV.Name {
		return fmt.Errorf("syncer: calendar name mismatch: expected %q, got %q",
			s.cfg.CalDAV.Name, name)
	}

	body, err := s.fetcher.Fetch(ctx, s.cfg.Novsu.Timetable)
	if err != nil {
		return err
	}

	tt, err := novsu.ParseTimetable(body, s.cfg.Location(), s.cfg.Novsu.Subgroup)
	if err != nil {
		return err
	}

	written := make(map[string]bool, len(tt.Lessons))
	for _, lesson := range tt.Lessons {
		uid := lessonUID(lesson)
		payload := s.buildEvent(uid, lesson)
		href := s.objectURL(uid)

		if s.DryRun {
			appLog.Info("dry-run: would write event",
				"uid", uid,
				"subject", lesson.Subject,
				"start", lesson.First.Format(time.RFC3339),
			)
		} else {
			if err := s.client.Put(ctx, href, payload); err != nil {
				return err
			}
			appLog.Debug("event written", "uid", uid, "subject", lesson.Subject)
		}
		written[uid] = true
	}

	pruned, err := s.prune(ctx, tt, written)
	if err != nil {
		return err
	}

	appLog.Info("sync completed",
		"lessons", len(tt.Lessons),
		"pruned", pruned,
		"from", tt.From.Format("2006-01-02"),
		"to", tt.To.Format("2006-01-02"),
		"dry_run", s.DryRun,
	)
	return nil
}

// prune deletes managed events inside the timetable window that no
// longer correspond to a fetched lesson.
func (s *Syncer) prune(ctx context.Context, tt *novsu.Timetable, written map[string]bool) (int, error) {
	existing, err := s.client.Query(ctx, s.cfg.CalDAV.Calendar, tt.From, tt.To)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, obj := range existing {
		uid, err := objectUID(obj.Data)
		if err != nil {
			appLog.Error("skipping unparsable calendar object", err, "href", obj.Href)
			continue
		}
		if !strings.HasPrefix(uid, uidPrefix) || written[uid] {
			continue
		}

		if s.DryRun {
			appLog.Info("dry-run: would delete stale event", "uid", uid, "href", obj.Href)
		} else {
			if err := s.client.Delete(ctx, obj.Href); err != nil {
				return pruned, err
			}
			appLog.Debug("stale event deleted", "uid", uid, "href", obj.Href)
		}
		pruned++
	}
	return pruned, nil
}

// buildEvent renders one lesson as a single-VEVENT VCALENDAR payload.
func (s *Syncer) buildEvent(uid string, lesson novsu.Lesson) []byte {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)

	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(time.Now().UTC())
	ev.SetStartAt(lesson.First)
	ev.SetEndAt(lesson.First.Add(s.cfg.LessonDuration()))
	ev.SetSummary(lesson.Subject)
	if lesson.Location != "" {
		ev.SetLocation(lesson.Location)
	}
	ev.SetDescription(lessonDescription(lesson))

	if rr := recurrenceRule(lesson); rr != "" {
		ev.SetProperty(ics.ComponentPropertyRrule, rr)
	}
	// EXDATEs are written in UTC since DTSTART is stored in UTC form.
	for _, exc := range lesson.Exceptions {
		ev.AddProperty(ics.ComponentPropertyExdate, exc.UTC().Format(icsTimestampUTC))
	}

	return []byte(cal.Serialize())
}

// recurrenceRule builds the weekly RRULE for a lesson. The exclusive
// until-date doubles as the (inclusive) UNTIL timestamp: the last
// occurrence of the final included day always precedes that midnight.
func recurrenceRule(lesson novsu.Lesson) string {
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:     rrule.WEEKLY,
		Interval: lesson.IntervalWeeks,
		Until:    lesson.Until.UTC(),
	})
	if err != nil {
		// Only reachable with a malformed interval; fall back to a
		// one-off event.
		appLog.Error("building recurrence rule failed", err, "subject", lesson.Subject)
		return ""
	}
	return r.OrigOptions.RRuleString()
}

func lessonDescription(lesson novsu.Lesson) string {
	lines := []string{"Преподаватель: " + lesson.Teacher}
	if lesson.Subgroup != 0 {
		lines = append(lines, fmt.Sprintf("Подгруппа: %d", lesson.Subgroup))
	}
	if lesson.Comment != "" {
		lines = append(lines, "Комментарий: "+lesson.Comment)
	}
	return strings.Join(lines, "\n")
}

// lessonUID derives the stable identity of a lesson. Subject, first
// start, location and subgroup together decide create-vs-update: a
// rerun over an unchanged timetable maps onto the same resource names.
func lessonUID(lesson novsu.Lesson) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d",
		lesson.Subject,
		lesson.First.UTC().Format(time.RFC3339),
		lesson.Location,
		lesson.Subgroup,
	)
	return uidPrefix + hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Syncer) objectURL(uid string) string {
	return strings.TrimSuffix(s.cfg.CalDAV.Calendar, "/") + "/" + uid + ".ics"
}

// objectUID extracts the UID of the first VEVENT in an iCalendar
// payload.
func objectUID(data []byte) (string, error) {
	cal, err := ics.ParseCalendar(strings.NewReader(string(data)))
	if err != nil {
		return "", err
	}
	for _, ev := range cal.Events() {
		if p := ev.GetProperty(ics.ComponentPropertyUniqueId); p != nil {
			return p.Value, nil
		}
	}
	return "", fmt.Errorf("no VEVENT with UID in payload")
}
