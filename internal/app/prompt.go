// internal/app/prompt.go
package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/petervdpas/livecam/internal/storage"
	"github.com/petervdpas/livecam/internal/util"
)

// loginAttempts is how often the sender may retry a wrong password.
const loginAttempts = 3

// PromptLogin signs in a user holding profile. username and password are
// asked for on out/in when not given.
func PromptLogin(in *bufio.Reader, out io.Writer, db *storage.DB, username, password, profile string) (storage.User, error) {
	failure := storage.ErrBadCredentials
	for attempt := 0; attempt < loginAttempts; attempt++ {
		name := username
		if name == "" {
			name = askString(in, out, "Username", "")
		}
		name, err := util.ValidateUsername(name)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		pw := password
		if pw == "" {
			pw = askString(in, out, "Password", "")
		}
		u, err := db.Login(name, pw, profile)
		switch {
		case err == nil:
			return u, nil
		case errors.Is(err, storage.ErrBadCredentials):
			fmt.Fprintln(out, "Wrong username or password.")
		case errors.Is(err, storage.ErrWrongProfile):
			fmt.Fprintf(out, "%s cannot sign in as %s.\n", name, profile)
		default:
			return storage.User{}, err
		}
		failure = err
		if username != "" && password != "" {
			break
		}
	}
	return storage.User{}, failure
}

// RequireSupervisor signs in a supervisor before an administrative command.
// An empty user table needs no sign-in so the first supervisor can be made.
func RequireSupervisor(in *bufio.Reader, out io.Writer, db *storage.DB, username, password string) (storage.User, error) {
	n, err := db.CountUsers()
	if err != nil {
		return storage.User{}, err
	}
	if n == 0 {
		log.Infow("no users yet, skipping supervisor sign-in")
		return storage.User{}, nil
	}
	return PromptLogin(in, out, db, username, password, storage.ProfileSupervisor)
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
