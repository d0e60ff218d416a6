package update

import (
	"time"

	"github.com/feedstash/feedstash/internal/types"
)

// DefaultConfig is the update cadence used when no configuration tag
// is set: hourly, no jitter.
var DefaultConfig = types.UpdateConfig{Interval: 60, Jitter: 0}

// updateAfterStart anchors interval alignment on a Monday, so weekly
// intervals land on consistent weekdays.
var updateAfterStart = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// NextUpdateAfter returns the next interval boundary after now, with
// up to jitter × interval added. randFloat provides the jitter source
// and may be nil when jitter is zero.
func NextUpdateAfter(now time.Time, config types.UpdateConfig, randFloat func() float64) time.Time {
	interval := config.Interval
	if interval < 1 {
		interval = DefaultConfig.Interval
	}
	intervalS := int64(interval) * 60

	nowS := now.UTC().Unix() - updateAfterStart.Unix()

	jitter := 0.0
	if config.Jitter > 0 && randFloat != nil {
		jitter = randFloat() * config.Jitter
	}

	rvS := int64((float64(nowS/intervalS+1) + jitter) * float64(intervalS))
	rvS = rvS / 60 * 60

	return time.Unix(rvS+updateAfterStart.Unix(), 0).UTC()
}

// FlattenConfig merges a JSON-decoded update config value into a
// default, ignoring invalid fields.
func FlattenConfig(value map[string]any, defaults types.UpdateConfig) types.UpdateConfig {
	rv := defaults

	if raw, ok := value["interval"]; ok {
		if interval, ok := toInt(raw); ok && interval >= 1 {
			rv.Interval = interval
		}
	}
	if raw, ok := value["jitter"]; ok {
		if jitter, ok := toFloat(raw); ok && jitter >= 0 && jitter <= 1 {
			rv.Jitter = jitter
		}
	}
	return rv
}

func toInt(v any) (int, bool) {
	switch v := v.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
