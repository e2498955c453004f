package app

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/petervdpas/livecam/internal/storage"
	"github.com/petervdpas/livecam/internal/util"
)

// AddUser creates a login for the sender. The password and, when profile is
// empty, the supervisor choice are asked for on in. The first user is
// always a supervisor.
func AddUser(in *bufio.Reader, out io.Writer, db *storage.DB, username, password, profile string) error {
	name, err := util.ValidateUsername(username)
	if err != nil {
		return err
	}
	n, err := db.CountUsers()
	if err != nil {
		return err
	}
	if password == "" {
		password = askString(in, out, "Password for "+name, "")
	}
	if n == 0 && profile != storage.ProfileSupervisor {
		fmt.Fprintln(out, "First user: creating a supervisor.")
		profile = storage.ProfileSupervisor
	}
	if profile == "" {
		profile = storage.ProfileOperator
		if askBool(in, out, "Supervisor profile", false) {
			profile = storage.ProfileSupervisor
		}
	}
	if err := db.CreateUser(name, password, profile); err != nil {
		return err
	}
	fmt.Fprintf(out, "user %s created (%s)\n", name, profile)
	return nil
}

// UpdateUser sets a new password and, when profile is not empty, a new
// profile. The password is asked for on in when empty.
func UpdateUser(in *bufio.Reader, out io.Writer, db *storage.DB, username, password, profile string) error {
	name, err := util.ValidateUsername(username)
	if err != nil {
		return err
	}
	if password == "" {
		password = askString(in, out, "New password for "+name, "")
	}
	if err := db.UpdateUser(name, password, profile); err != nil {
		return err
	}
	fmt.Fprintf(out, "user %s updated\n", name)
	return nil
}

// ListUsers prints the known logins as a table.
func ListUsers(out io.Writer, db *storage.DB) error {
	users, err := db.ListUsers()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tPROFILE\tCREATED")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.Profile, u.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

// ListConnections prints the most recent connection events, or only the
// calls still in progress when active is set.
func ListConnections(out io.Writer, db *storage.DB, limit int, active bool) error {
	var rows []storage.Connection
	var err error
	if active {
		rows, err = db.ActiveConnections()
	} else {
		rows, err = db.Connections(limit)
	}
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tENDPOINT\tUSER\tROLE\tEVENT")
	for _, c := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.At.Format("2006-01-02 15:04:05"), c.EndpointID, c.Username, c.Role, c.Event)
	}
	return tw.Flush()
}
