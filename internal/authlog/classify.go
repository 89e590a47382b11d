// Package authlog turns sshd lines from the system authentication log into
// structured login events.
package authlog

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"nasnotifier/internal/models"
)

// Kind is the classification of a single log line
type Kind int

const (
	Unrecognized Kind = iota
	Success
	Failure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unrecognized"
	}
}

// Classification is the result of classifying one line. Event and Count are
// only set when Kind is Success or Failure.
type Classification struct {
	Kind  Kind
	Event models.LoginEvent

	// Count is how many attempts the line stands for. syslog collapses
	// identical consecutive lines into one "message repeated N times" line.
	Count int
}

var (
	// sshd and, on newer OpenSSH, its per-connection sshd-session child
	sshdRe = regexp.MustCompile(`\bsshd(?:-session)?(?:\[\d+\])?: (.*)$`)

	// lines that claim to be authentication results
	authPrefixRe = regexp.MustCompile(`^(?:(?:Accepted|Failed) \S+ for |(?:Connection closed by|Disconnected from) authenticating user )`)

	acceptedRe = regexp.MustCompile(`^Accepted (\S+) for (\S+) from (\S+)(?: port \d+)?`)
	failedRe   = regexp.MustCompile(`^Failed (\S+) for (?:invalid user )?(\S*) from (\S+)(?: port \d+)?`)
	closedRe   = regexp.MustCompile(`^(?:Connection closed by|Disconnected from) authenticating user (\S+) (\S+)(?: port \d+)?`)

	// rsyslog's reduction of repeated lines
	repeatedRe = regexp.MustCompile(`^message repeated (\d+) times: \[\s*(.*?)\s*\]$`)
)

// SupportedTimestampFormats lists the line prefixes we attempt to parse, the
// classic syslog stamp first
var SupportedTimestampFormats = []string{
	time.Stamp,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
}

// Classify turns one auth log line into a Classification. It is a pure
// function of its inputs; now supplies the year for syslog stamps and the
// timestamp for lines that carry none.
//
// A line that carries an authentication prefix but whose user or address
// cannot be extracted returns a *models.ParseError.
func Classify(line string, now time.Time) (Classification, error) {
	line = strings.TrimRight(line, "\r\n")

	m := sshdRe.FindStringSubmatch(line)
	if m == nil {
		return Classification{}, nil
	}
	msg := m[1]

	count := 1
	if rm := repeatedRe.FindStringSubmatch(msg); rm != nil {
		n, err := strconv.Atoi(rm[1])
		if err != nil || n < 1 {
			return Classification{}, &models.ParseError{Line: line, Reason: "invalid repeat count " + rm[1]}
		}
		count, msg = n, rm[2]
	}

	if !authPrefixRe.MatchString(msg) {
		return Classification{}, nil
	}

	var (
		kind         Kind
		method, user string
		addrText     string
	)

	switch {
	case strings.HasPrefix(msg, "Accepted "):
		sm := acceptedRe.FindStringSubmatch(msg)
		if sm == nil {
			return Classification{}, &models.ParseError{Line: line, Reason: "accepted line without user and address"}
		}
		kind, method, user, addrText = Success, sm[1], sm[2], sm[3]

	case strings.HasPrefix(msg, "Failed "):
		sm := failedRe.FindStringSubmatch(msg)
		if sm == nil {
			return Classification{}, &models.ParseError{Line: line, Reason: "failed line without address"}
		}
		kind, method, user, addrText = Failure, sm[1], sm[2], sm[3]

	default:
		sm := closedRe.FindStringSubmatch(msg)
		if sm == nil {
			return Classification{}, &models.ParseError{Line: line, Reason: "closed line without user and address"}
		}
		kind, user, addrText = Failure, sm[1], sm[2]
	}

	addr, err := netip.ParseAddr(addrText)
	if err != nil {
		return Classification{}, &models.ParseError{Line: line, Reason: "invalid source address " + addrText}
	}
	outcome := models.OutcomeFailure
	if kind == Success {
		outcome = models.OutcomeSuccess
	}

	ev := models.LoginEvent{
		User:      user,
		Address:   addr,
		Outcome:   outcome,
		Method:    method,
		Timestamp: ParseTimestamp(line, now),
		Line:      line,
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return Classification{}, &models.ParseError{Line: line, Reason: err.Error()}
	}

	return Classification{Kind: kind, Event: ev, Count: count}, nil
}

// ParseTimestamp reads the timestamp at the start of a log line. Syslog
// stamps carry no year, so the year of now is used, stepping back one year
// when that would put the line more than a day in the future (a December line
// read in January). Lines without a recognised stamp get now.
func ParseTimestamp(line string, now time.Time) time.Time {
	for _, format := range SupportedTimestampFormats {
		if format == time.Stamp {
			if len(line) < len(time.Stamp) {
				continue
			}
			t, err := time.ParseInLocation(time.Stamp, line[:len(time.Stamp)], now.Location())
			if err != nil {
				continue
			}
			t = t.AddDate(now.Year(), 0, 0)
			if t.After(now.Add(24 * time.Hour)) {
				t = t.AddDate(-1, 0, 0)
			}
			return t
		}

		field, _, _ := strings.Cut(line, " ")
		if t, err := time.ParseInLocation(format, field, now.Location()); err == nil {
			return t
		}
	}
	return now
}
