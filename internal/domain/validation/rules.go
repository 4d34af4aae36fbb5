package validation

import (
	"errors"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/intake/internal/domain/formdata"
)

// Date of birth input keys.
const (
	BirthDateField = "geburtsdatum"
	BirthDayField  = "geburtsdatum_tag"
	BirthMonField  = "geburtsdatum_monat"
	BirthYearField = "geburtsdatum_jahr"
)

var (
	ErrBirthDateMissing    = errors.New("birth date missing")
	ErrBirthDateIncomplete = errors.New("birth date incomplete")
	ErrBirthDateInvalid    = errors.New("birth date invalid")
	ErrBirthDateFuture     = errors.New("birth date in the future")

	ErrPhoneInvalid = errors.New("phone number invalid")
	ErrEmailInvalid = errors.New("email address invalid")
)

const minBirthYear = 1900

var (
	isoDate   = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	localDate = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4})$`)
)

// ParseBirthDate reads the date of birth from either the separate day,
// month and year fields or the combined field (YYYY-MM-DD or DD.MM.YYYY).
// A partially filled separate input yields ErrBirthDateIncomplete.
func ParseBirthDate(v formdata.Values, now time.Time) (time.Time, error) {
	day, month, year := v.Trimmed(BirthDayField), v.Trimmed(BirthMonField), v.Trimmed(BirthYearField)
	if day != "" || month != "" || year != "" {
		if day == "" || month == "" || year == "" {
			return time.Time{}, ErrBirthDateIncomplete
		}
		return birthDate(day, month, year, now)
	}

	combined := v.Trimmed(BirthDateField)
	if combined == "" {
		return time.Time{}, ErrBirthDateMissing
	}
	if m := isoDate.FindStringSubmatch(combined); m != nil {
		return birthDate(m[3], m[2], m[1], now)
	}
	if m := localDate.FindStringSubmatch(combined); m != nil {
		return birthDate(m[1], m[2], m[3], now)
	}
	return time.Time{}, ErrBirthDateInvalid
}

func birthDate(dayS, monthS, yearS string, now time.Time) (time.Time, error) {
	day, err1 := strconv.Atoi(dayS)
	month, err2 := strconv.Atoi(monthS)
	year, err3 := strconv.Atoi(yearS)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, ErrBirthDateInvalid
	}
	if day < 1 || day > 31 || month < 1 || month > 12 || year < minBirthYear || year > now.Year() {
		return time.Time{}, ErrBirthDateInvalid
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day || int(d.Month()) != month {
		return time.Time{}, ErrBirthDateInvalid
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if d.After(today) {
		return time.Time{}, ErrBirthDateFuture
	}
	return d, nil
}

// NormalizePhone keeps the digits of s and a leading plus sign.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone checks the length of the normalized number. Empty input is
// accepted; required-ness is checked separately.
func ValidatePhone(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	n := len(NormalizePhone(s))
	if n < 6 || n > 20 {
		return ErrPhoneInvalid
	}
	return nil
}

// ValidateEmail accepts a bare address. Empty input is accepted.
func ValidateEmail(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || !strings.Contains(s[strings.LastIndex(s, "@")+1:], ".") {
		return ErrEmailInvalid
	}
	return nil
}

func birthDateMessage(err error) MessageKey {
	switch {
	case errors.Is(err, ErrBirthDateMissing):
		return MsgBirthDateMissing
	case errors.Is(err, ErrBirthDateIncomplete):
		return MsgBirthDatePartial
	case errors.Is(err, ErrBirthDateFuture):
		return MsgBirthDateFuture
	default:
		return MsgBirthDateInvalid
	}
}
