package db

import (
	"fmt"

	"github.com/iiTONELOC/safe-pc/internal/models"
)

// RecordEvent appends one lifecycle event to the build history.
func (db *DB) RecordEvent(jobID string, eventType models.EventType, bootMode, detail string) error {
	query := `
		INSERT INTO build_events (job_id, event_type, boot_mode, detail)
		VALUES (?, ?, ?, ?)
	`

	if _, err := db.Exec(query, jobID, eventType, bootMode, detail); err != nil {
		return fmt.Errorf("failed to insert build event: %w", err)
	}

	return nil
}

// GetRecentEvents returns the newest events, most recent first.
func (db *DB) GetRecentEvents(limit int) ([]models.BuildEvent, error) {
	query := `
		SELECT id, job_id, event_type, boot_mode, detail, created_at
		FROM build_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query build events: %w", err)
	}
	defer rows.Close()

	var events []models.BuildEvent
	for rows.Next() {
		var ev models.BuildEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &ev.BootMode, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetEventStatsPerDay returns event counts grouped by day and type
// for the trailing window.
func (db *DB) GetEventStatsPerDay(days int) (map[string]map[string]int, error) {
	query := `
		SELECT DATE(created_at) as day, event_type, COUNT(*) as count
		FROM build_events
		WHERE created_at >= datetime('now', '-' || ? || ' days')
		GROUP BY day, event_type
		ORDER BY day DESC
	`

	rows, err := db.Query(query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]map[string]int)
	for rows.Next() {
		var day, eventType string
		var count int

		if err := rows.Scan(&day, &eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}

		if stats[day] == nil {
			stats[day] = make(map[string]int)
		}
		stats[day][eventType] = count
	}

	return stats, rows.Err()
}

// CountEventsByType returns total counts per event type.
func (db *DB) CountEventsByType() (map[string]int, error) {
	rows, err := db.Query(`SELECT event_type, COUNT(*) FROM build_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[eventType] = count
	}

	return counts, rows.Err()
}

// CleanOldEvents removes history older than the retention window.
func (db *DB) CleanOldEvents(daysToKeep int) error {
	query := `DELETE FROM build_events WHERE created_at < datetime('now', '-' || ? || ' days')`
	_, err := db.Exec(query, daysToKeep)
	return err
}
