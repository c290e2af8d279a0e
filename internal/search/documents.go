package search

import (
	"sort"
	"time"

	"drivegrid/internal/model"
)

// ReservationDocument builds the searchable view of a reservation, resolving
// student, instructor, group and car through dir.
func ReservationDocument(r model.Reservation, dir model.Directory) Document {
	var start string
	if r.Start != nil {
		start = r.Start.Format("15:04")
	}
	var phones, plates []string
	texts := []string{r.PrivateMessage}
	if s, ok := dir.Students[r.StudentID]; ok {
		phones = append(phones, s.Phone)
		texts = append(texts, s.FullName())
	}
	if i, ok := dir.Instructors[r.InstructorID]; ok {
		texts = append(texts, i.Name)
		if g, ok := dir.Groups[i.GroupID]; ok {
			texts = append(texts, g.Name)
		}
		if c, ok := dir.Cars[i.CarID]; ok && c.Plate != "" {
			plates = append(plates, c.Plate)
			texts = append(texts, c.Plate)
		}
	}
	return NewDocument(start, phones, plates, texts)
}

// InstructorDocument builds the searchable view of an instructor column
// header. It has no start time, so time tokens never match it.
func InstructorDocument(i model.Instructor, dir model.Directory) Document {
	texts := []string{i.Name}
	var plates []string
	if g, ok := dir.Groups[i.GroupID]; ok {
		texts = append(texts, g.Name)
	}
	if c, ok := dir.Cars[i.CarID]; ok && c.Plate != "" {
		plates = append(plates, c.Plate)
		texts = append(texts, c.Plate)
	}
	return NewDocument("", nil, plates, texts)
}

// Reservations returns the reservations matching tokens, in input order.
func Reservations(tokens []Token, list []model.Reservation, dir model.Directory) []model.Reservation {
	var out []model.Reservation
	for _, r := range list {
		if Match(tokens, ReservationDocument(r, dir)) {
			out = append(out, r)
		}
	}
	return out
}

// MatchingDays returns the distinct, ascending days holding at least one
// matching reservation. Reservations without a start are ignored. An empty
// token list yields nil: "every day" is not a useful jump list.
func MatchingDays(tokens []Token, list []model.Reservation, dir model.Directory) []time.Time {
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]time.Time)
	for _, r := range list {
		if r.Start == nil {
			continue
		}
		if !Match(tokens, ReservationDocument(r, dir)) {
			continue
		}
		seen[model.DayKey(*r.Start)] = model.StartOfDay(*r.Start)
	}
	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}
