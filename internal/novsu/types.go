package novsu

import "time"

// Lesson represents one scheduled class slot as published in the
// timetable. A row that lists several clock times produces one Lesson
// per time.
type Lesson struct {
	Subject  string
	Teacher  string
	Location string
	Comment  string

	// Subgroup is 1 or 2 for split lessons, 0 when the whole group
	// attends.
	Subgroup int

	// First is the start of the first occurrence, in the timetable's
	// timezone.
	First time.Time
	// Until is the exclusive end date of the recurrence (midnight in
	// the timetable's timezone).
	Until time.Time
	// IntervalWeeks is 1 for weekly lessons, 2 for alternating-week
	// ones.
	IntervalWeeks int
	// Exceptions lists occurrence start times that are cancelled.
	Exceptions []time.Time
}

// Timetable is the parsed schedule together with its validity window.
// To is exclusive.
type Timetable struct {
	From    time.Time
	To      time.Time
	Lessons []Lesson
}
