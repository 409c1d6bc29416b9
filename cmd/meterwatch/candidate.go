package main

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

// candidateInput accepts the submission form's field names. Numbers may be
// sent as JSON numbers or numeric strings.
type candidateInput struct {
	MeterReading  json.RawMessage `json:"meterReading"`
	KillowatRead  json.RawMessage `json:"killowatRead"`
	MonthlyUsage  json.RawMessage `json:"monthlyUsage"`
	SubmittedAt   string          `json:"submittedAt"`
	DateSubmitted string          `json:"dateOfSubmission"`
}

func parseCandidate(data []byte) (models.Candidate, error) {
	var in candidateInput
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&in); err != nil {
		return models.Candidate{}, apperr.InvalidInput("candidate", "decode candidate: %v", err)
	}

	var c models.Candidate
	var err error
	meter := in.MeterReading
	if isAbsent(meter) {
		meter = in.KillowatRead
	}
	if c.MeterReading, err = parseNumber("meterReading", meter); err != nil {
		return c, err
	}
	if c.MonthlyUsage, err = parseNumber("monthlyUsage", in.MonthlyUsage); err != nil {
		return c, err
	}

	at := in.SubmittedAt
	if at == "" {
		at = in.DateSubmitted
	}
	if at != "" {
		ts, ok := series.ParseTimestamp(at)
		if !ok {
			return c, apperr.InvalidInput("candidate", "unparsable submission time %q", at)
		}
		c.SubmittedAt = ts
	}
	return c, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseNumber returns nil for an absent field so the scorer can report it.
func parseNumber(field string, raw json.RawMessage) (*float64, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return &v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.InvalidInput("candidate", "%s must be a number", field)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, apperr.InvalidInput("candidate", "%s %q is not a number", field, s)
	}
	return &v, nil
}
