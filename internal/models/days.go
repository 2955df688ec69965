package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Weekday is positional, Monday first.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// AllWeekdays lists Monday..Sunday.
var AllWeekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

func (d Weekday) String() string {
	if d < Monday || d > Sunday {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return weekdayNames[d]
}

func (d Weekday) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Weekday) UnmarshalText(b []byte) error {
	w, err := ParseWeekday(string(b))
	if err != nil {
		return err
	}
	*d = w
	return nil
}

// ParseWeekday accepts short English names ("mon") and French ones ("lun").
func ParseWeekday(s string) (Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mon", "monday", "lun", "lundi":
		return Monday, nil
	case "tue", "tuesday", "mar", "mardi":
		return Tuesday, nil
	case "wed", "wednesday", "mer", "mercredi":
		return Wednesday, nil
	case "thu", "thursday", "jeu", "jeudi":
		return Thursday, nil
	case "fri", "friday", "ven", "vendredi":
		return Friday, nil
	case "sat", "saturday", "sam", "samedi":
		return Saturday, nil
	case "sun", "sunday", "dim", "dimanche":
		return Sunday, nil
	}
	return 0, Validation("jour inconnu : %q", s)
}

// WeekdayOf maps a calendar time onto the Monday-first weekday.
func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

// DaySet is the Mon..Sun bitmap; bit 0 is Monday.
type DaySet uint8

const Weekdays DaySet = 0b0011111

func NewDaySet(days ...Weekday) DaySet {
	var s DaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s DaySet) Has(d Weekday) bool { return d >= Monday && d <= Sunday && s&(1<<uint(d)) != 0 }
func (s DaySet) With(d Weekday) DaySet { return s | 1<<uint(d) }
func (s DaySet) Intersect(o DaySet) DaySet { return s & o }
func (s DaySet) Union(o DaySet) DaySet { return s | o }
func (s DaySet) IsEmpty() bool { return s&0x7f == 0 }
func (s DaySet) IsSubsetOf(o DaySet) bool { return s&^o == 0 }
func (s DaySet) Overlaps(o DaySet) bool { return s&o != 0 }
func (s DaySet) Valid() bool { return s&^0x7f == 0 }

// Days returns the members in Monday..Sunday order.
func (s DaySet) Days() []Weekday {
	out := make([]Weekday, 0, 7)
	for _, d := range AllWeekdays {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s DaySet) String() string {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, d.String())
	}
	return strings.Join(names, ",")
}

func (s DaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, d.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts either a list of day names or the raw bitmap.
func (s *DaySet) UnmarshalJSON(b []byte) error {
	var bits int
	if err := json.Unmarshal(b, &bits); err == nil {
		if bits < 0 || bits > 0x7f {
			return Validation("jours invalides : %d", bits)
		}
		*s = DaySet(bits)
		return nil
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return Validation("jours invalides : attendu une liste de jours")
	}
	var out DaySet
	for _, n := range names {
		d, err := ParseWeekday(n)
		if err != nil {
			return err
		}
		out = out.With(d)
	}
	*s = out
	return nil
}

// DayTimes holds one time-of-day per weekday.
type DayTimes map[Weekday]TimeOfDay

// TimeOfDay is a wall-clock time in whole minutes after midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, Validation("heure invalide : %q (attendu HH:MM)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, Validation("heure invalide : %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// Normalize wraps t into [00:00, 24:00).
func (t TimeOfDay) Normalize() TimeOfDay {
	v := int(t) % minutesPerDay
	if v < 0 {
		v += minutesPerDay
	}
	return TimeOfDay(v)
}

func (t TimeOfDay) Seconds() float64 { return float64(t) * 60 }

func (t TimeOfDay) String() string {
	n := t.Normalize()
	return fmt.Sprintf("%02d:%02d", int(n)/60, int(n)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On places t on the calendar day of date, in date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, mo, d := date.Date()
	n := t.Normalize()
	return time.Date(y, mo, d, int(n)/60, int(n)%60, 0, 0, date.Location())
}

// NextOccurrence returns the first instant at or after now that falls on
// weekday d at time t.
func NextOccurrence(now time.Time, d Weekday, t TimeOfDay) time.Time {
	ahead := (int(d) - int(WeekdayOf(now)) + 7) % 7
	at := t.On(now.AddDate(0, 0, ahead))
	if at.Before(now) {
		at = at.AddDate(0, 0, 7)
	}
	return at
}
