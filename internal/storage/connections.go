package storage

import "time"

// EventCallStarted marks a call coming up; any later event for the same
// endpoint ends it.
const EventCallStarted = "call_started"

// Connection is one row of the connection history.
type Connection struct {
	ID         int64
	EndpointID string
	Username   string
	Role       string
	Event      string
	At         time.Time
}

// RecordConnection appends an event to the connection history.
func (d *DB) RecordConnection(endpointID, username, role, event string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO connections (endpoint_id, username, role, event) VALUES (?, ?, ?, ?)`,
		endpointID, username, role, event)
	return err
}

// Connections returns the most recent history rows, newest first. limit <= 0
// returns everything.
func (d *DB) Connections(limit int) ([]Connection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 {
		limit = -1
	}
	return d.queryConnections(`
		SELECT id, endpoint_id, username, role, event, at
		FROM connections ORDER BY id DESC LIMIT ?`, limit)
}

// ActiveConnections returns, per endpoint, the call_started row of a call
// that has not ended yet, newest first.
func (d *DB) ActiveConnections() ([]Connection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queryConnections(`
		SELECT c.id, c.endpoint_id, c.username, c.role, c.event, c.at
		FROM connections c
		JOIN (SELECT endpoint_id, MAX(id) AS last FROM connections GROUP BY endpoint_id) l
			ON c.id = l.last
		WHERE c.event = ?
		ORDER BY c.id DESC`, EventCallStarted)
}

// queryConnections scans history rows. Callers hold d.mu.
func (d *DB) queryConnections(query string, args ...any) ([]Connection, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		var at string
		if err := rows.Scan(&c.ID, &c.EndpointID, &c.Username, &c.Role, &c.Event, &at); err != nil {
			return nil, err
		}
		c.At = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}
