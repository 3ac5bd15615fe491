package ingest

import "pagewise/internal/models"

// Event is one of Progress, Complete or Failed.
type Event interface {
	JobState() models.IngestionJob
	isEvent()
}

type Progress struct {
	Job models.IngestionJob
}

type Complete struct {
	Job      models.IngestionJob
	Document models.Document
}

type Failed struct {
	Job    models.IngestionJob
	Reason string
}

func (e Progress) JobState() models.IngestionJob { return e.Job }
func (e Complete) JobState() models.IngestionJob { return e.Job }
func (e Failed) JobState() models.IngestionJob   { return e.Job }

func (Progress) isEvent() {}
func (Complete) isEvent() {}
func (Failed) isEvent()   {}

// Notifier receives job events for a user. Events for one job arrive in
// order from a single goroutine. Implementations must not block.
type Notifier interface {
	Notify(userID string, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, Event) {}
