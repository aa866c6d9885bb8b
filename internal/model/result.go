package model

import (
	"net/url"
	"time"
)

// DocumentResult is the measurement of one fetched page
type DocumentResult struct {
	URI           string `json:"uri"`
	StatusCode    int    `json:"statusCode"`
	ContentType   string `json:"contentType,omitempty"`
	ContentLength int64  `json:"contentLength"`
	Title         string `json:"title,omitempty"`
	Depth         int    `json:"depth"`
	// DownloadTime is in milliseconds, from request start until the body was fully read
	DownloadTime int64  `json:"downloadTime"`
	Error        string `json:"error,omitempty"`
}

// ScanResult is the terminal payload of a scan session
type ScanResult struct {
	ID         string           `json:"id"`
	Target     string           `json:"target"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Pages      []DocumentResult `json:"pages"`
}

// ScanEvent is a lifecycle notification produced by a scan engine.
// It is either MeasurementStarted or MeasurementEnded.
type ScanEvent interface {
	scanEvent()
}

// MeasurementStarted fires before a page is fetched
type MeasurementStarted struct {
	Target *url.URL
}

// MeasurementEnded fires once a page measurement is complete
type MeasurementEnded struct {
	Document DocumentResult
}

func (MeasurementStarted) scanEvent() {}
func (MeasurementEnded) scanEvent()   {}
