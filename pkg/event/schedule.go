// pkg/event/schedule.go
package event

import (
	"errors"

	"github.com/robfig/cron/v3"
)

// cronParser accepts five-field expressions, an optional leading
// seconds field, and @descriptors. Validation and scheduling share
// this one parser.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron resolves a cron schedule into its occurrence computer,
// applying the schedule's timezone when one is set.
func ParseCron(cs *CronSchedule) (cron.Schedule, error) {
	if cs == nil {
		return nil, errors.New("nil cron schedule")
	}
	spec := cs.Expression
	if cs.Timezone != "" {
		spec = "CRON_TZ=" + cs.Timezone + " " + spec
	}
	return cronParser.Parse(spec)
}
