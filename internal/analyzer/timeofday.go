package analyzer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// TimeConfig tunes the time-of-day rule.
type TimeConfig struct {
	// SuspiciousHours are hours of day (0-23) considered risky.
	SuspiciousHours []int
	// WeekendMultiplier scales the weekend contribution.
	WeekendMultiplier float64
	// HolidayMultiplier scales the holiday contribution.
	HolidayMultiplier float64
	// HolidayDetection enables the fixed-date holiday check.
	HolidayDetection bool
	// CustomHolidays extends the fixed holiday set (month/day are used).
	CustomHolidays []time.Time
	// TimezoneThresholdHours is the offset gap between the transaction's
	// reported timezone and its location's timezone above which the
	// mismatch penalty applies.
	TimezoneThresholdHours int
	// MaxSamples caps the per-user hour histogram.
	MaxSamples int
}

// DefaultTimeConfig returns the stock time-of-day tuning: small hours are
// suspicious and holidays are checked.
func DefaultTimeConfig() TimeConfig {
	return TimeConfig{
		SuspiciousHours:        []int{0, 1, 2, 3, 4, 5},
		WeekendMultiplier:      1.0,
		HolidayMultiplier:      1.0,
		HolidayDetection:       true,
		TimezoneThresholdHours: 6,
		MaxSamples:             100,
	}
}

type hourSample struct {
	hour    int
	weekday time.Weekday
}

type timeHistory struct {
	samples []hourSample
}

// countryUTCOffsets maps countries to a representative UTC offset in
// hours, used for the timezone mismatch check. Coarse on purpose.
var countryUTCOffsets = map[string]int{
	"US": -6, "CA": -5, "MX": -6, "BR": -3, "AR": -3,
	"GB": 0, "IE": 0, "PT": 0, "FR": 1, "DE": 1, "ES": 1, "IT": 1,
	"NL": 1, "PL": 1, "SE": 1, "NO": 1, "CH": 1, "AT": 1,
	"GR": 2, "FI": 2, "UA": 2, "TR": 3, "RU": 3, "SA": 3,
	"AE": 4, "IR": 4, "PK": 5, "IN": 5, "BD": 6, "TH": 7,
	"SG": 8, "CN": 8, "HK": 8, "TW": 8, "PH": 8, "MY": 8,
	"JP": 9, "KR": 9, "AU": 10, "NZ": 12,
}

// TimeOfDay scores transactions by when they happen: suspicious hours,
// weekends, holidays, deviation from the user's usual hours, and a
// reported-timezone versus location mismatch.
type TimeOfDay struct {
	cfg       TimeConfig
	suspect   map[int]struct{}
	holidays  map[[2]int]struct{} // month, day
	locks     keyedLock
	histories sync.Map // userID -> *timeHistory
}

// NewTimeOfDay builds a time-of-day analyzer with the given tuning.
func NewTimeOfDay(cfg TimeConfig) *TimeOfDay {
	if len(cfg.SuspiciousHours) == 0 {
		cfg.SuspiciousHours = []int{0, 1, 2, 3, 4, 5}
	}
	if cfg.WeekendMultiplier <= 0 {
		cfg.WeekendMultiplier = 1.0
	}
	if cfg.HolidayMultiplier <= 0 {
		cfg.HolidayMultiplier = 1.0
	}
	if cfg.TimezoneThresholdHours <= 0 {
		cfg.TimezoneThresholdHours = 6
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 100
	}

	t := &TimeOfDay{
		cfg:      cfg,
		suspect:  make(map[int]struct{}, len(cfg.SuspiciousHours)),
		holidays: map[[2]int]struct{}{{1, 1}: {}, {12, 25}: {}, {12, 31}: {}},
	}
	for _, h := range cfg.SuspiciousHours {
		t.suspect[h] = struct{}{}
	}
	for _, d := range cfg.CustomHolidays {
		t.holidays[[2]int{int(d.Month()), d.Day()}] = struct{}{}
	}
	return t
}

func (t *TimeOfDay) Name() string { return domain.RuleTime }

func (t *TimeOfDay) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := t.locks.lock(tx.UserID)
	defer unlock()

	h := t.history(tx.UserID)

	at := tx.Timestamp
	hour := at.Hour()
	score := 0.0

	if _, ok := t.suspect[hour]; ok {
		score += 0.4
	}
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		score += 0.2 * t.cfg.WeekendMultiplier
	}
	if t.cfg.HolidayDetection && t.isHoliday(at) {
		score += 0.3 * t.cfg.HolidayMultiplier
	}

	score += t.habitTerm(h, hour)

	if t.timezoneMismatch(tx) {
		score += 0.4
	}

	h.samples = append(h.samples, hourSample{hour: hour, weekday: at.Weekday()})
	if len(h.samples) > t.cfg.MaxSamples {
		h.samples = h.samples[len(h.samples)-t.cfg.MaxSamples:]
	}

	return clamp01(score), nil
}

// habitTerm compares the hour against the user's histogram of past
// transaction hours. First-ever transactions get a mild unknown-habit
// term; hours the user rarely transacts at get penalized.
func (t *TimeOfDay) habitTerm(h *timeHistory, hour int) float64 {
	if len(h.samples) == 0 {
		return 0.1
	}
	n := 0
	for _, s := range h.samples {
		if s.hour == hour {
			n++
		}
	}
	freq := float64(n) / float64(len(h.samples))
	switch {
	case freq < 0.1:
		return 0.3
	case freq < 0.3:
		return 0.1
	default:
		return 0
	}
}

func (t *TimeOfDay) isHoliday(at time.Time) bool {
	_, ok := t.holidays[[2]int{int(at.Month()), at.Day()}]
	return ok
}

// timezoneMismatch compares the transaction's reported UTC offset (the
// "tz_offset" metadata key, in hours) against the location country's
// representative offset.
func (t *TimeOfDay) timezoneMismatch(tx *domain.Transaction) bool {
	raw := tx.Meta("tz_offset")
	if raw == "" || tx.Location == nil {
		return false
	}
	reported, err := strconv.Atoi(raw)
	if err != nil {
		return false
	}
	expected, ok := countryUTCOffsets[tx.Location.Country]
	if !ok {
		return false
	}
	diff := reported - expected
	if diff < 0 {
		diff = -diff
	}
	return diff > t.cfg.TimezoneThresholdHours
}

func (t *TimeOfDay) history(userID string) *timeHistory {
	if h, ok := t.histories.Load(userID); ok {
		return h.(*timeHistory)
	}
	h, _ := t.histories.LoadOrStore(userID, &timeHistory{})
	return h.(*timeHistory)
}

// SampleLen reports how many hour samples are retained for the user.
func (t *TimeOfDay) SampleLen(userID string) int {
	unlock := t.locks.lock(userID)
	defer unlock()
	return len(t.history(userID).samples)
}

// CommonHour returns the hour of day the user transacts in most often,
// or -1 when no samples are retained.
func (t *TimeOfDay) CommonHour(userID string) int {
	unlock := t.locks.lock(userID)
	defer unlock()

	h := t.history(userID)
	if len(h.samples) == 0 {
		return -1
	}

	var counts [24]int
	for _, s := range h.samples {
		counts[s.hour]++
	}
	best := 0
	for hour, c := range counts {
		if c > counts[best] {
			best = hour
		}
	}
	return best
}
