// Command flowauth-seed provisions a flowauth entity database with a ready
// to run login/logout fixture:
//
//	flowauth-seed -db flows.db -user admin -password hunter2-correct-horse
//
// The seeded "default-login" flow identifies by name or email with inline
// password verification and binds the user to the session; "default-logout"
// removes the binding. Running it again replaces the fixture rows in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	flowauth "github.com/auricle/flowauth"
	"github.com/auricle/flowauth/password"
	"github.com/auricle/flowauth/store"
)

func main() {
	var (
		dbPath = flag.String("db", "flowauth.db", "path to the sqlite entity database")
		name   = flag.String("user", "admin", "username to seed")
		email  = flag.String("email", "", "email for the seeded user (defaults to <user>@localhost)")
		pw     = flag.String("password", "", "password for the seeded user (required)")
		admin  = flag.Bool("admin", true, "mark the seeded user as admin")
	)
	flag.Parse()

	if *pw == "" {
		fmt.Fprintln(os.Stderr, "a -password is required")
		os.Exit(2)
	}
	if *email == "" {
		*email = *name + "@localhost"
	}

	if err := run(*dbPath, *name, *email, *pw, *admin); err != nil {
		fmt.Fprintf(os.Stderr, "flowauth-seed: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath, name, email, pw string, admin bool) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	hasher, err := password.NewArgon2(password.Default())
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(pw)
	if err != nil {
		return err
	}

	ctx := context.Background()

	uid, err := store.SaveUser(ctx, db, &flowauth.User{
		UUID:              uuid.NewString(),
		Name:              name,
		Email:             email,
		PasswordHash:      hash,
		PasswordChangedAt: time.Now(),
		IsAdmin:           admin,
	})
	if err != nil {
		return err
	}
	fmt.Printf("user %q (id %d)\n", name, uid)

	pwRef := flowauth.BySlug[*flowauth.Stage]("default-password")
	stages := []*flowauth.Stage{
		{Slug: "default-identification", Kind: flowauth.StageIdentification,
			Identification: &flowauth.IdentificationConfig{
				UserFields:    []flowauth.UserField{flowauth.UserFieldName, flowauth.UserFieldEmail},
				PasswordStage: &pwRef,
			}},
		{Slug: "default-password", Kind: flowauth.StagePassword,
			Password: &flowauth.PasswordStageConfig{
				Backends: []flowauth.PasswordBackend{flowauth.BackendInternal},
			}},
		{Slug: "default-login", Kind: flowauth.StageUserLogin},
		{Slug: "default-logout", Kind: flowauth.StageUserLogout},
	}
	for _, s := range stages {
		if _, err := store.SaveStage(ctx, db, s); err != nil {
			return err
		}
		fmt.Printf("stage %q\n", s.Slug)
	}

	flows := []*flowauth.Flow{
		{Slug: "default-login", Title: "Welcome", Designation: "authentication",
			Authentication: flowauth.AuthenticationNone,
			Entries: []flowauth.FlowEntry{
				{Order: 10, Stage: flowauth.BySlug[*flowauth.Stage]("default-identification")},
				{Order: 20, Stage: flowauth.BySlug[*flowauth.Stage]("default-login")},
			}},
		{Slug: "default-logout", Title: "Goodbye", Designation: "invalidation",
			Authentication: flowauth.AuthenticationRequired,
			Entries: []flowauth.FlowEntry{
				{Order: 10, Stage: flowauth.BySlug[*flowauth.Stage]("default-logout")},
			}},
	}
	for _, f := range flows {
		if _, err := store.SaveFlow(ctx, db, f); err != nil {
			return err
		}
		fmt.Printf("flow %q\n", f.Slug)
	}
	return nil
}
