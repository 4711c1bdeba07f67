package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Columns maps the semantic fields of the worker and mapping tabs to
// physical spreadsheet column letters. All other packages address cells by
// semantic name; the letters live only here.
type Columns struct {
	Email              string `yaml:"email"`
	Password           string `yaml:"password"`
	RecoveryEmail      string `yaml:"recovery_email"`
	TOTPSecret         string `yaml:"totp_secret"`
	Status             string `yaml:"status"`
	NextBillingDate    string `yaml:"next_billing_date"`
	ScheduledTimeOfDay string `yaml:"scheduled_time_of_day"`
	ResultText         string `yaml:"result_text"`
	RetryCount         string `yaml:"retry_count"`
	LockValue          string `yaml:"lock_value"`
	PaymentFirstSeen   string `yaml:"payment_first_seen"`
	PaymentNextRetry   string `yaml:"payment_next_retry"`

	// Mapping tab
	MappingProfileNumber string `yaml:"mapping_profile_number"`
	MappingProfileID     string `yaml:"mapping_profile_id"`
	MappingGroup         string `yaml:"mapping_group"`
	MappingEmail         string `yaml:"mapping_email"`
}

// DefaultColumns matches the sheet layout the fleet was originally built on.
func DefaultColumns() Columns {
	return Columns{
		Email:              "A",
		Password:           "B",
		RecoveryEmail:      "C",
		TOTPSecret:         "D",
		Status:             "E",
		NextBillingDate:    "F",
		ScheduledTimeOfDay: "G",
		ResultText:         "H",
		RetryCount:         "I",
		LockValue:          "J",
		PaymentFirstSeen:   "K",
		PaymentNextRetry:   "L",

		MappingProfileNumber: "A",
		MappingProfileID:     "B",
		MappingGroup:         "C",
		MappingEmail:         "D",
	}
}

// LoadColumns reads a column mapping YAML file. An empty path returns the
// defaults. Fields omitted in the file keep their default letter.
func LoadColumns(path string) (Columns, error) {
	cols := DefaultColumns()
	if path == "" {
		return cols, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cols, fmt.Errorf("columns: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cols); err != nil {
		return cols, fmt.Errorf("columns: parse %s: %w", path, err)
	}
	if err := cols.validate(); err != nil {
		return cols, fmt.Errorf("columns: %s: %w", path, err)
	}
	return cols, nil
}

func (c Columns) validate() error {
	letters := []string{
		c.Email, c.Password, c.RecoveryEmail, c.TOTPSecret,
		c.Status, c.NextBillingDate, c.ScheduledTimeOfDay, c.ResultText,
		c.RetryCount, c.LockValue, c.PaymentFirstSeen, c.PaymentNextRetry,
	}
	seen := make(map[string]bool, len(letters))
	for _, l := range letters {
		if !isColumnLetter(l) {
			return fmt.Errorf("invalid column letter %q", l)
		}
		if seen[l] {
			return fmt.Errorf("duplicate column letter %q", l)
		}
		seen[l] = true
	}
	return nil
}

// CellA1 renders the A1 reference for a column letter and a 1-based sheet
// row number.
func CellA1(column string, rowNumber int) string {
	return column + strconv.Itoa(rowNumber)
}

func isColumnLetter(s string) bool {
	if s == "" || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
