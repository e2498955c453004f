package storage

import (
	"errors"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPreferences(t *testing.T) {
	db := openTest(t)

	if _, ok := db.Get("link"); ok {
		t.Fatalf("unset key should be missing")
	}
	if !db.GetBool("video", true) {
		t.Fatalf("missing bool should return the default")
	}

	if err := db.Set("link", "https://a/?r=1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Set("link", "https://a/?r=2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Get("link"); v != "https://a/?r=2" {
		t.Fatalf("link = %q", v)
	}

	if err := db.SetBool("video", false); err != nil {
		t.Fatal(err)
	}
	if db.GetBool("video", true) {
		t.Fatalf("stored false should win over the default")
	}

	if err := db.Delete("link"); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("link"); err != nil {
		t.Fatalf("deleting twice: %v", err)
	}
	if _, ok := db.Get("link"); ok {
		t.Fatalf("link should be gone")
	}
}

func TestPreferencesPersist(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Set("endpoint_id", "abc"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if v, _ := db.Get("endpoint_id"); v != "abc" {
		t.Fatalf("endpoint_id = %q", v)
	}
}

func TestUsers(t *testing.T) {
	db := openTest(t)

	if err := db.CreateUser("ana", "s3cret", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateUser("ana", "other", ProfileSupervisor); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate = %v", err)
	}
	if err := db.CreateUser("bo", "pw", "admin"); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("bad profile = %v", err)
	}
	if err := db.CreateUser("bo", "", ProfileOperator); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("empty password = %v", err)
	}

	u, err := db.Authenticate("ana", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if u.Profile != ProfileOperator {
		t.Fatalf("profile = %q", u.Profile)
	}
	if _, err := db.Authenticate("ana", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password = %v", err)
	}
	if _, err := db.Authenticate("nobody", "x"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user = %v", err)
	}

	users, err := db.ListUsers()
	if err != nil || len(users) != 1 || users[0].Username != "ana" {
		t.Fatalf("users = %+v (%v)", users, err)
	}
	if err := db.DeleteUser("ana"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteUser("ana"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func TestConnectionHistory(t *testing.T) {
	db := openTest(t)
	for _, ev := range []string{"initialized", "call_started", "terminated"} {
		if err := db.RecordConnection("ep1", "ana", "sender", ev); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := db.Connections(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Event != "terminated" || rows[1].Event != "call_started" {
		t.Fatalf("rows = %+v", rows)
	}
	all, _ := db.Connections(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
}

func TestLoginChecksProfile(t *testing.T) {
	db := openTest(t)
	if err := db.CreateUser("ana", "pw", ProfileOperator); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Login("ana", "pw", ProfileOperator); err != nil {
		t.Fatalf("matching profile: %v", err)
	}
	if _, err := db.Login("ana", "pw", ProfileSupervisor); !errors.Is(err, ErrWrongProfile) {
		t.Fatalf("other profile = %v", err)
	}
	if _, err := db.Login("ana", "nope", ProfileOperator); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password = %v", err)
	}
}

func TestUpdateUser(t *testing.T) {
	db := openTest(t)
	if err := db.CreateUser("root", "pw", ProfileSupervisor); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateUser("ana", "old", ProfileOperator); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateUser("ana", "new", ProfileSupervisor); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Authenticate("ana", "old"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := db.Login("ana", "new", ProfileSupervisor); err != nil {
		t.Fatalf("promoted login: %v", err)
	}

	// Empty profile keeps the current one.
	if err := db.UpdateUser("ana", "newer", ""); err != nil {
		t.Fatal(err)
	}
	if u, _ := db.Authenticate("ana", "newer"); u.Profile != ProfileSupervisor {
		t.Fatalf("profile = %q", u.Profile)
	}

	if err := db.UpdateUser("ana", "", ""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("empty password = %v", err)
	}
	if err := db.UpdateUser("ana", "x", "admin"); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("bad profile = %v", err)
	}
	if err := db.UpdateUser("nobody", "x", ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user = %v", err)
	}

	if err := db.DeleteUser("ana"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateUser("root", "pw", ProfileOperator); !errors.Is(err, ErrLastSupervisor) {
		t.Fatalf("demoting the last supervisor = %v", err)
	}
	if err := db.DeleteUser("root"); !errors.Is(err, ErrLastSupervisor) {
		t.Fatalf("deleting the last supervisor = %v", err)
	}
	if n, _ := db.CountUsers(); n != 1 {
		t.Fatalf("users = %d", n)
	}
}

func TestActiveConnections(t *testing.T) {
	db := openTest(t)
	record := func(ep, ev string) {
		t.Helper()
		if err := db.RecordConnection(ep, "ana", "sender", ev); err != nil {
			t.Fatal(err)
		}
	}
	record("ep1", "initialized")
	record("ep1", EventCallStarted)
	record("ep2", EventCallStarted)
	record("ep2", "call_ended")
	record("ep3", EventCallStarted)
	record("ep3", "terminated")

	active, err := db.ActiveConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].EndpointID != "ep1" {
		t.Fatalf("active = %+v", active)
	}

	record("ep1", "call_ended")
	if active, _ := db.ActiveConnections(); len(active) != 0 {
		t.Fatalf("ended call still active: %+v", active)
	}
}
