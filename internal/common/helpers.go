// Package common contains helpers used across the whole module:
// error classes, rupee arithmetic and Indian-time utilities.
package common

import (
	"time"
)

// indiaLocation falls back to a fixed +05:30 zone when tzdata is missing from the image.
func indiaLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// LoadLocation resolves a configured timezone name, defaulting to IST.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return indiaLocation()
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return indiaLocation()
	}
	return loc
}

// DayOf truncates t to midnight in Asia/Kolkata.
func DayOf(t time.Time) time.Time {
	t = t.In(indiaLocation())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
