// Package db demo data seeding for offline evaluation builds.
package db

import (
	"encoding/json"

	"github.com/ecofield/fieldsync/internal/models"
)

// SeedDemoData loads sample schedules, job cards, and earnings so the app is
// usable offline before the first successful sync. Audits are not seeded:
// they only exist once a user creates one.
func (r *Repository) SeedDemoData() error {
	if err := r.CacheSchedules(demoSchedules()); err != nil {
		return err
	}
	if err := r.CacheJobCards(demoJobCards()); err != nil {
		return err
	}
	return r.CacheEarnings(demoEarnings())
}

func demoSchedules() []models.Schedule {
	return []models.Schedule{
		{
			Date:     "2024-01-15",
			JobTitle: "Residential Renovation",
			Location: "123 Main St, Springfield",
			Data:     mustJSON(map[string]interface{}{"start_time": "08:00", "end_time": "16:00", "status": "scheduled", "crew_size": 4, "equipment": []string{"Excavator", "Concrete mixer"}}),
		},
		{
			Date:     "2024-01-16",
			JobTitle: "Commercial Building - Floor 3",
			Location: "456 Business Ave, Downtown",
			Data:     mustJSON(map[string]interface{}{"start_time": "07:00", "end_time": "15:00", "status": "scheduled", "crew_size": 6, "equipment": []string{"Scaffolding", "Power tools"}}),
		},
		{
			Date:     "2024-01-17",
			JobTitle: "Landscape Installation",
			Location: "789 Park Rd, Suburbs",
			Data:     mustJSON(map[string]interface{}{"start_time": "08:30", "end_time": "17:00", "status": "scheduled", "crew_size": 3, "equipment": []string{"Bobcat", "Hand tools"}}),
		},
	}
}

func demoJobCards() []models.JobCard {
	return []models.JobCard{
		{
			JobNumber: "JOB-2024-001",
			Client:    "ABC Construction Co.",
			Status:    models.JobCardStatusActive,
			Data:      mustJSON(map[string]interface{}{"title": "Foundation Repair", "priority": "high", "assigned_to": "John Smith", "progress": 65, "notes": "Weather dependent - check forecast"}),
		},
		{
			JobNumber: "JOB-2024-002",
			Client:    "XYZ Properties Ltd.",
			Status:    models.JobCardStatusActive,
			Data:      mustJSON(map[string]interface{}{"title": "Roof Replacement", "priority": "medium", "assigned_to": "Jane Doe", "progress": 30, "notes": "Client wants premium shingles"}),
		},
		{
			JobNumber: "JOB-2024-003",
			Client:    "Green Spaces Inc.",
			Status:    models.JobCardStatusActive,
			Data:      mustJSON(map[string]interface{}{"title": "Park Restoration", "priority": "low", "assigned_to": "Mike Johnson", "progress": 10, "notes": "Spring planting preferred"}),
		},
	}
}

func demoEarnings() []models.Earning {
	return []models.Earning{
		{Amount: 4250.00, Period: "2024-01", Description: "January 2024 - Regular hours"},
		{Amount: 3980.00, Period: "2023-12", Description: "December 2023 - Regular hours"},
		{Amount: 4410.00, Period: "2023-11", Description: "November 2023 - Regular hours plus overtime"},
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
