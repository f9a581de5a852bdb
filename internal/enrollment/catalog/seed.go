package catalog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is a reference data file loaded by `enrollctl seed`.
//
//	students:
//	  - requester_id: "218001234"
//	    full_name: Ana Torres
//	periods:
//	  - period_id: 1-2025
//	groups:
//	  - group_id: ELC108-A
//	    period_id: 1-2025
//	    subject_code: ELC108
//	    capacity: 30
//	    schedule: {days: [MO, WE], starts_at: "08:00", ends_at: "10:00"}
type Seed struct {
	Students []Student   `yaml:"students"`
	Periods  []Period    `yaml:"periods"`
	Groups   []seedGroup `yaml:"groups"`
}

type seedGroup struct {
	GroupID     string       `yaml:"group_id"`
	PeriodID    string       `yaml:"period_id"`
	SubjectCode string       `yaml:"subject_code"`
	Capacity    int          `yaml:"capacity"`
	Schedule    seedSchedule `yaml:"schedule"`
}

type seedSchedule struct {
	Days     []string  `yaml:"days"`
	StartsAt clockTime `yaml:"starts_at"`
	EndsAt   clockTime `yaml:"ends_at"`
}

// clockTime accepts "HH:MM" or minutes since midnight.
type clockTime int

func (c *clockTime) UnmarshalYAML(n *yaml.Node) error {
	if m, err := strconv.Atoi(n.Value); err == nil {
		*c = clockTime(m)
		return nil
	}
	h, m, ok := strings.Cut(n.Value, ":")
	if !ok {
		return fmt.Errorf("line %d: invalid time %q", n.Line, n.Value)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return fmt.Errorf("line %d: invalid time %q", n.Line, n.Value)
	}
	*c = clockTime(hh*60 + mm)
	return nil
}

func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(raw []byte) (*Seed, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var s Seed
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("catalog: parse seed: %w", err)
	}
	for i, g := range s.Groups {
		if g.GroupID == "" || g.PeriodID == "" {
			return nil, fmt.Errorf("catalog: seed group %d: group_id and period_id are required", i)
		}
		if g.Capacity < 0 {
			return nil, fmt.Errorf("catalog: seed group %s: negative capacity", g.GroupID)
		}
		if g.Schedule.EndsAt < g.Schedule.StartsAt {
			return nil, fmt.Errorf("catalog: seed group %s: schedule ends before it starts", g.GroupID)
		}
	}
	return &s, nil
}

// SeedCounts reports how many rows Apply wrote.
type SeedCounts struct {
	Students int `json:"students"`
	Periods  int `json:"periods"`
	Groups   int `json:"groups"`
}

// Apply upserts every row of the seed. Periods go before groups.
func (s *Seed) Apply(ctx context.Context, c *Catalog) (SeedCounts, error) {
	var n SeedCounts
	for _, st := range s.Students {
		if err := c.UpsertStudent(ctx, st); err != nil {
			return n, err
		}
		n.Students++
	}
	for _, p := range s.Periods {
		if err := c.UpsertPeriod(ctx, p); err != nil {
			return n, err
		}
		n.Periods++
	}
	for _, sg := range s.Groups {
		g := Group{
			GroupID:     sg.GroupID,
			PeriodID:    sg.PeriodID,
			SubjectCode: sg.SubjectCode,
			Capacity:    sg.Capacity,
			Schedule: Schedule{
				Days:     sg.Schedule.Days,
				StartsAt: int(sg.Schedule.StartsAt),
				EndsAt:   int(sg.Schedule.EndsAt),
			},
		}
		if err := c.UpsertGroup(ctx, g); err != nil {
			return n, err
		}
		n.Groups++
	}
	return n, nil
}
