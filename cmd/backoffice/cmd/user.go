package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/gateway/local"
	"github.com/jmcleod/backoffice/internal/util"
)

var (
	userEmail    string
	userName     string
	userRole     string
	userPassword string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local staff accounts",
	Long: `Commands for the accounts of the local auth backend. They operate on the
configured storage directly, so they also work while the server is down.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an active account",
	Long: `Creates an active account. The password is taken from --password or,
when that is empty, from the first line of standard input.`,
	Args: cobra.NoArgs,
	RunE: runUserAdd,
}

var userSetStatusCmd = &cobra.Command{
	Use:   "set-status <email> <active|inactive|suspended>",
	Short: "Change an account's status",
	Long: `Changes an account's status. Moving an account out of active revokes
all of its sessions; signed-in browsers are signed out when the server
notices the revocation.`,
	Args: cobra.ExactArgs(2),
	RunE: runUserSetStatus,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userSetStatusCmd, userListCmd)

	userAddCmd.Flags().StringVar(&userEmail, "email", "", "Account email")
	userAddCmd.Flags().StringVar(&userName, "name", "", "Full name")
	userAddCmd.Flags().StringVar(&userRole, "role", string(auth.RoleAgent), "Role (admin, manager, agent, owner)")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (read from stdin when empty)")
	_ = userAddCmd.MarkFlagRequired("email")
}

// withLocalGateway opens storage and a local gateway without its
// background sweeper and runs fn.
func withLocalGateway(cmd *cobra.Command, fn func(ctx context.Context, gw *local.Gateway) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closeRepo, err := openPersistentRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	gw, err := openLocalGateway(ctx, repo, newLogger(logLevel), local.WithSweepInterval(0))
	if err != nil {
		return err
	}
	defer gw.Close()
	return fn(ctx, gw)
}

func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required")
	}
	return pw, nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	role := auth.Role(strings.ToLower(userRole))
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", userRole)
	}
	password := userPassword
	if password == "" {
		var err error
		if password, err = readPassword(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	return withLocalGateway(cmd, func(ctx context.Context, gw *local.Gateway) error {
		profile, err := gw.CreateAccount(ctx, userEmail, password, userName, role)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s) as %s\n", util.NormalizeEmail(userEmail), profile.UserID, profile.Role)
		return nil
	})
}

func runUserSetStatus(cmd *cobra.Command, args []string) error {
	status := auth.Status(strings.ToLower(args[1]))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q (want active, inactive or suspended)", args[1])
	}
	return withLocalGateway(cmd, func(ctx context.Context, gw *local.Gateway) error {
		profile, err := gw.SetStatus(ctx, args[0], status)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", util.NormalizeEmail(args[0]), profile.Status)
		return nil
	})
}

func runUserList(cmd *cobra.Command, args []string) error {
	return withLocalGateway(cmd, func(ctx context.Context, gw *local.Gateway) error {
		profiles, err := gw.ListProfiles(ctx)
		if err != nil {
			return err
		}
		emails := make([]string, 0, len(profiles))
		for email := range profiles {
			emails = append(emails, email)
		}
		sort.Strings(emails)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "EMAIL\tNAME\tROLE\tSTATUS\tUSER ID")
		for _, email := range emails {
			p := profiles[email]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", email, p.FullName, p.Role, p.Status, p.UserID)
		}
		return tw.Flush()
	})
}
