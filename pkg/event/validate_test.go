// pkg/event/validate_test.go
package event

import (
	"strings"
	"testing"
	"time"
)

func TestValidateType(t *testing.T) {
	if err := ValidateType("github.push"); err != nil {
		t.Errorf("expected valid type, got %v", err)
	}
	if err := ValidateType("tick"); err != nil {
		t.Errorf("expected single-segment type to be valid, got %v", err)
	}
	if err := ValidateType(""); err == nil {
		t.Error("expected empty type to fail")
	}
	if err := ValidateType("github..push"); err == nil {
		t.Error("expected empty segment to fail")
	}
	if err := ValidateType(".push"); err == nil {
		t.Error("expected leading dot to fail")
	}
}

func TestValidateEvent(t *testing.T) {
	ev := sampleEvent()
	if errs := ValidateEvent(&ev); len(errs) != 0 {
		t.Errorf("expected valid event, got %v", errs)
	}

	ev.Metadata.Source = "pager"
	errs := ValidateEvent(&ev)
	if len(errs) != 1 || errs[0].Field != "metadata.source" {
		t.Errorf("expected metadata.source error, got %v", errs)
	}

	// Empty priority is allowed; the broker fills in normal.
	ev = sampleEvent()
	ev.Metadata.Priority = ""
	if errs := ValidateEvent(&ev); len(errs) != 0 {
		t.Errorf("expected empty priority to pass, got %v", errs)
	}
}

func TestValidateDeliveryChannels(t *testing.T) {
	errs := ValidateDelivery(DeliveryPreferences{})
	if len(errs) == 0 {
		t.Fatal("expected empty channels to fail")
	}
	if errs[0].Field != "delivery.channels" {
		t.Errorf("expected delivery.channels error, got %v", errs[0])
	}

	errs = ValidateDelivery(DeliveryPreferences{Channels: []Channel{"carrier-pigeon"}})
	found := false
	for _, e := range errs {
		if strings.HasPrefix(e.Field, "delivery.channels[") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unknown channel error, got %v", errs)
	}
}

func TestValidateDeliveryCronRequiresSchedule(t *testing.T) {
	d := DeliveryPreferences{Channels: []Channel{ChannelCron}}
	errs := ValidateDelivery(d)
	if len(errs) != 1 || errs[0].Field != "delivery.cronSchedule" {
		t.Errorf("expected cronSchedule required error, got %v", errs)
	}

	d.CronSchedule = &CronSchedule{Expression: "*/5 * * * *"}
	if errs := ValidateDelivery(d); len(errs) != 0 {
		t.Errorf("expected valid cron delivery, got %v", errs)
	}
}

func TestValidateDeliveryCronAndScheduledExclusive(t *testing.T) {
	d := DeliveryPreferences{
		Channels:          []Channel{ChannelCron, ChannelScheduled},
		CronSchedule:      &CronSchedule{Expression: "@hourly"},
		ScheduledDelivery: &ScheduledDelivery{DeliverAt: time.Now().Add(time.Hour)},
	}
	errs := ValidateDelivery(d)
	if len(errs) != 1 || errs[0].Field != "delivery.channels" {
		t.Errorf("expected mutual exclusion error, got %v", errs)
	}
}

func TestValidateDeliveryBadCronExpression(t *testing.T) {
	d := DeliveryPreferences{
		Channels:     []Channel{ChannelCron},
		CronSchedule: &CronSchedule{Expression: "not a cron line"},
	}
	errs := ValidateDelivery(d)
	if len(errs) == 0 {
		t.Fatal("expected parse error")
	}
	if errs[0].Field != "delivery.cronSchedule.expression" {
		t.Errorf("expected expression error, got %v", errs[0])
	}
}

func TestValidateDeliveryBadTimezone(t *testing.T) {
	d := DeliveryPreferences{
		Channels: []Channel{ChannelCron},
		CronSchedule: &CronSchedule{
			Expression: "0 9 * * *",
			Timezone:   "Mars/Olympus",
		},
	}
	errs := ValidateDelivery(d)
	found := false
	for _, e := range errs {
		if e.Field == "delivery.cronSchedule.timezone" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected timezone error, got %v", errs)
	}
}

func TestValidateDeliveryScheduledRequiresDeliverAt(t *testing.T) {
	d := DeliveryPreferences{
		Channels:          []Channel{ChannelScheduled},
		ScheduledDelivery: &ScheduledDelivery{},
	}
	errs := ValidateDelivery(d)
	if len(errs) != 1 || errs[0].Field != "delivery.scheduledDelivery.deliverAt" {
		t.Errorf("expected deliverAt error, got %v", errs)
	}
}

func TestValidateDeliveryScheduleWithoutChannel(t *testing.T) {
	d := DeliveryPreferences{
		Channels:     []Channel{ChannelWebSocket},
		CronSchedule: &CronSchedule{Expression: "@daily"},
	}
	errs := ValidateDelivery(d)
	if len(errs) != 1 || errs[0].Field != "delivery.cronSchedule" {
		t.Errorf("expected orphan cronSchedule error, got %v", errs)
	}
}

func TestValidateFilterPatterns(t *testing.T) {
	f := EventFilter{EventTypes: []string{"github.*", ""}}
	errs := ValidateFilter(f)
	if len(errs) != 1 || errs[0].Field != "filter.eventTypes[1]" {
		t.Errorf("expected pattern error on second entry, got %v", errs)
	}
}

func TestParseCronTimezone(t *testing.T) {
	sched, err := ParseCron(&CronSchedule{Expression: "0 9 * * *", Timezone: "America/New_York"})
	if err != nil {
		t.Fatal(err)
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	after := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next := sched.Next(after)
	if next.In(loc).Hour() != 9 {
		t.Errorf("expected next occurrence at 09:00 New York time, got %v", next.In(loc))
	}
}

func TestParseCronSecondsOptional(t *testing.T) {
	if _, err := ParseCron(&CronSchedule{Expression: "*/10 * * * * *"}); err != nil {
		t.Errorf("expected six-field expression to parse, got %v", err)
	}
	if _, err := ParseCron(&CronSchedule{Expression: "@every 30s"}); err != nil {
		t.Errorf("expected descriptor to parse, got %v", err)
	}
}
