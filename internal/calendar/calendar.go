// Package calendar converts UNIX epoch seconds into local calendar fields.
package calendar

import "fmt"

// Epoch origin and the weekday it fell on (1970-01-01 was a Thursday).
const (
	epochYear    = 1970
	epochWeekday = 4

	secondsPerHour = 3600
)

var daysInMonth = [12]uint8{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

var weekdayNames = [7]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// Time holds calendar and clock fields derived from an epoch and a UTC offset.
type Time struct {
	Year    uint16 `json:"year"`
	Month   uint8  `json:"month"`   // 1-12
	Day     uint8  `json:"day"`     // 1-31
	Hour    uint8  `json:"hour"`    // 0-23
	Minute  uint8  `json:"minute"`  // 0-59
	Second  uint8  `json:"second"`  // 0-59
	Weekday uint8  `json:"weekday"` // 0=Sunday .. 6=Saturday
}

// String formats t as "YYYY-MM-DD hh:mm:ss".
func (t Time) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
}

// CTSWeekday returns the weekday in Bluetooth Current Time Service encoding
// (1=Monday .. 7=Sunday).
func (t Time) CTSWeekday() uint8 {
	if t.Weekday == 0 {
		return 7
	}
	return t.Weekday
}

// Convert maps epoch seconds shifted by offsetHours to calendar fields.
//
// A shifted value below zero is clamped to zero, so small epochs under a
// negative offset render as 1970-01-01 00:00:00 rather than a date before
// the epoch.
func Convert(epoch uint32, offsetHours int8) Time {
	adjusted := int64(epoch) + int64(offsetHours)*secondsPerHour
	if adjusted < 0 {
		adjusted = 0
	}

	var t Time
	secs := uint64(adjusted)

	t.Second = uint8(secs % 60)
	secs /= 60
	t.Minute = uint8(secs % 60)
	secs /= 60
	t.Hour = uint8(secs % 24)
	days := secs / 24

	t.Weekday = uint8((days + epochWeekday) % 7)

	year := uint16(epochYear)
	for {
		yearLen := uint64(365)
		if IsLeapYear(year) {
			yearLen = 366
		}
		if days < yearLen {
			break
		}
		days -= yearLen
		year++
	}
	t.Year = year

	month := uint8(1)
	for {
		dim := uint64(DaysInMonth(year, month))
		if days < dim {
			break
		}
		days -= dim
		month++
	}
	t.Month = month
	t.Day = uint8(days + 1)

	return t
}

// ToEpoch is the inverse of Convert for fields at or after 1970-01-01 in
// local time. Out-of-range months and days are not validated.
func ToEpoch(t Time, offsetHours int8) int64 {
	var days int64
	for y := uint16(epochYear); y < t.Year; y++ {
		if IsLeapYear(y) {
			days += 366
		} else {
			days += 365
		}
	}
	for m := uint8(1); m < t.Month && m <= 12; m++ {
		days += int64(DaysInMonth(t.Year, m))
	}
	days += int64(t.Day) - 1

	local := days*86400 + int64(t.Hour)*secondsPerHour + int64(t.Minute)*60 + int64(t.Second)
	return local - int64(offsetHours)*secondsPerHour
}

// IsLeapYear reports whether year is a leap year in the proleptic Gregorian calendar.
func IsLeapYear(year uint16) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// DaysInMonth returns the length of month (1-12) in year, or 0 for an invalid month.
func DaysInMonth(year uint16, month uint8) uint8 {
	if month < 1 || month > 12 {
		return 0
	}
	if month == 2 && IsLeapYear(year) {
		return 29
	}
	return daysInMonth[month-1]
}

// WeekdayName returns the three-letter display name for weekday (0=Sunday).
func WeekdayName(weekday uint8) string {
	if int(weekday) >= len(weekdayNames) {
		return "???"
	}
	return weekdayNames[weekday]
}
