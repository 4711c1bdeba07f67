// Package task models one account's lifecycle row and selects the rows due
// for work each tick.
package task

import (
	"strconv"
	"strings"

	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/sheet"
)

// Status values carried in the status column. Anything else is free text
// and never eligible for a queue.
const (
	StatusActive = "active"
	StatusPaused = "paused"
	StatusEmpty  = "empty"
)

// Intent is the action a row was drawn for, fixed for one attempt.
type Intent string

const (
	IntentPause  Intent = "pause"
	IntentResume Intent = "resume"
)

// Row is the decoded form of one worker-tab row. Raw cell text is kept for
// the time fields; parsing happens at filter time against the configured
// zone.
type Row struct {
	Number int // 1-based sheet row

	Email         string
	Password      string
	RecoveryEmail string
	TOTPSecret    string

	Status             string
	NextBillingDate    string
	ScheduledTimeOfDay string
	ResultText         string
	RetryCount         int
	LockValue          string
	PaymentFirstSeen   string
	PaymentNextRetry   string
}

// DecodeRow maps a sheet row onto semantic fields via the column mapping.
// A malformed retry count reads as zero; the sheet stays authoritative.
func DecodeRow(r sheet.Row, cols config.Columns) Row {
	row := Row{
		Number:             r.Number,
		Email:              strings.TrimSpace(r.Get(cols.Email)),
		Password:           r.Get(cols.Password),
		RecoveryEmail:      strings.TrimSpace(r.Get(cols.RecoveryEmail)),
		TOTPSecret:         strings.TrimSpace(r.Get(cols.TOTPSecret)),
		Status:             strings.ToLower(strings.TrimSpace(r.Get(cols.Status))),
		NextBillingDate:    strings.TrimSpace(r.Get(cols.NextBillingDate)),
		ScheduledTimeOfDay: strings.TrimSpace(r.Get(cols.ScheduledTimeOfDay)),
		ResultText:         r.Get(cols.ResultText),
		LockValue:          strings.TrimSpace(r.Get(cols.LockValue)),
		PaymentFirstSeen:   strings.TrimSpace(r.Get(cols.PaymentFirstSeen)),
		PaymentNextRetry:   strings.TrimSpace(r.Get(cols.PaymentNextRetry)),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(r.Get(cols.RetryCount))); err == nil && n >= 0 {
		row.RetryCount = n
	}
	return row
}

// DecodeRows decodes a full tab read.
func DecodeRows(rows []sheet.Row, cols config.Columns) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, DecodeRow(r, cols))
	}
	return out
}
