package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Calendar holds session dates whose afternoons are blocked for new
// entries, typically FOMC announcement days.
type Calendar struct {
	blockedAfternoons map[string]struct{}
}

type calendarFile struct {
	BlockedAfternoons []string `json:"blocked_afternoons"`
}

// LoadCalendar reads the event calendar JSON. A missing or unreadable file
// yields an empty calendar; entries are best effort.
func LoadCalendar(path string, logger *logrus.Logger) *Calendar {
	cal := &Calendar{blockedAfternoons: make(map[string]struct{})}
	if path == "" {
		return cal
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided calendar path
	if err != nil {
		logger.WithError(err).Warn("Event calendar unavailable, continuing without it")
		return cal
	}

	var parsed calendarFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		logger.WithError(err).Warn("Event calendar unparseable, continuing without it")
		return cal
	}

	for _, day := range parsed.BlockedAfternoons {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			logger.WithField("date", day).Warn("Skipping malformed calendar date")
			continue
		}
		cal.blockedAfternoons[day] = struct{}{}
	}
	logger.WithField("blocked_afternoons", len(cal.blockedAfternoons)).
		Info("Event calendar loaded")
	return cal
}

// BlocksAfternoon reports whether the given local time falls in a blocked
// afternoon (12:00 onward on a listed date).
func (c *Calendar) BlocksAfternoon(local time.Time) bool {
	key := fmt.Sprintf("%04d-%02d-%02d", local.Year(), local.Month(), local.Day())
	if _, ok := c.blockedAfternoons[key]; !ok {
		return false
	}
	return local.Hour() >= 12
}
