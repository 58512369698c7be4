package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/beyondessential/tamanu-sync/internal/central"
	"github.com/beyondessential/tamanu-sync/internal/device"
	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Sign in to the central server and link this device to facilities",
	Long: `Sign in to the central server.

The refresh token and the chosen facilities are stored in the device file
(default device.toml, mode 0600). Later syncs use the refresh token and
never need the password again.

When stdin is a terminal, missing values are asked for interactively.
Otherwise pass --email, and the password through TSYNC_PASSWORD.`,
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		facilities, _ := cmd.Flags().GetStringSlice("facility")
		password := os.Getenv("TSYNC_PASSWORD")
		interactive := term.IsTerminal(int(os.Stdin.Fd()))

		if err := cfg.ValidateForSync(); err != nil {
			fail(err)
		}
		dev, err := device.Open(cfg.Device.File)
		if err != nil {
			fail(err)
		}

		if email == "" || password == "" {
			if !interactive {
				fail(errors.New("--email and TSYNC_PASSWORD are required when not on a terminal"))
			}
			if email == "" {
				email = dev.Identity().Email
			}
			if err := askCredentials(&email, &password); err != nil {
				fail(err)
			}
		}

		client, err := newClient(dev)
		if err != nil {
			fail(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		resp, err := client.Login(ctx, email, password)
		if err != nil {
			fail(err)
		}

		if len(facilities) == 0 {
			facilities, err = chooseFacilities(resp.AllowedFacilities, interactive)
			if err != nil {
				fail(err)
			}
		}

		err = dev.Update(func(id *device.Identity) {
			id.Email = email
			id.UserID = resp.User.ID
			id.ServerURL = cfg.Server.URL
			id.FacilityIDs = facilities
		})
		if err != nil {
			fail(err)
		}

		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), resp.User.DisplayName)
		fmt.Println(ui.RenderRow("   Device", dev.DeviceID()))
		fmt.Println(ui.RenderRow("   Facilities", fmt.Sprint(facilities)))
		fmt.Println(ui.RenderRow("   Saved to", dev.Path()))
	},
}

func init() {
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().StringSlice("facility", nil, "Facility id to sync (repeatable)")
	rootCmd.AddCommand(loginCmd)
}

func askCredentials(email, password *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email").
				Value(email).
				Validate(huh.ValidateNotEmpty()),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(password).
				Validate(huh.ValidateNotEmpty()),
		),
	)
	return form.Run()
}

// chooseFacilities picks the facilities to link. A single allowed facility
// is taken without asking.
func chooseFacilities(allowed []central.Facility, interactive bool) ([]string, error) {
	switch {
	case len(allowed) == 0:
		return nil, errors.New("this account has no facility it may sync")
	case len(allowed) == 1:
		return []string{allowed[0].ID}, nil
	case !interactive:
		return nil, fmt.Errorf("account has %d facilities, pass --facility", len(allowed))
	}

	options := make([]huh.Option[string], len(allowed))
	for i, f := range allowed {
		options[i] = huh.NewOption(f.Name, f.ID)
	}
	var chosen []string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Facilities to sync").
				Options(options...).
				Value(&chosen).
				Validate(func(ids []string) error {
					if len(ids) == 0 {
						return errors.New("choose at least one facility")
					}
					return nil
				}),
		),
	).Run()
	return chosen, err
}
