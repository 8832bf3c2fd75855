// ABOUTME: Subcommand implementations for the spendsense CLI
// ABOUTME: Each command parses its own pflag set and talks to the core through the console

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/2389/spendsense/internal/access"
	"github.com/2389/spendsense/internal/api"
	"github.com/2389/spendsense/internal/console"
	"github.com/2389/spendsense/internal/credential"
	"github.com/2389/spendsense/internal/gateway"
)

var errNotLoggedIn = errors.New("not logged in (run `spendsense login`)")

type app struct {
	console *console.Console
	stdin   io.Reader
	out     io.Writer
	errOut  io.Writer
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":           cmdLogin,
	"signup":          cmdSignup,
	"logout":          cmdLogout,
	"whoami":          cmdWhoami,
	"profile":         cmdProfile,
	"recommendations": cmdRecommendations,
	"transactions":    cmdTransactions,
	"consent":         cmdConsent,
	"users":           cmdUsers,
	"review":          cmdReview,
	"route":           cmdRoute,
}

func newFlags(name string, a *app) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlags("login", a)
	username := fs.StringP("username", "u", "", "account username")
	passwordFile := fs.String("password-file", "", "read the password from a file (- prompts)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *username == "" {
		var err error
		if *username, err = a.prompt("Username: "); err != nil {
			return err
		}
	}
	password, err := a.readPassword(*passwordFile, "Password: ")
	if err != nil {
		return err
	}

	auth, err := a.console.API.Login(ctx, *username, password)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(a.out, "Logged in as %s (%s)\n", auth.UserID, auth.Role)
	return nil
}

func cmdSignup(ctx context.Context, a *app, args []string) error {
	fs := newFlags("signup", a)
	userID := fs.String("user-id", "", "new account user id")
	email := fs.String("email", "", "masked email to record (optional)")
	passwordFile := fs.String("password-file", "", "read the password from a file (- prompts)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userID == "" {
		var err error
		if *userID, err = a.prompt("User ID: "); err != nil {
			return err
		}
	}
	password, err := a.readPassword(*passwordFile, "Password: ")
	if err != nil {
		return err
	}
	confirm := password
	if *passwordFile == "" || *passwordFile == "-" {
		if confirm, err = a.readPassword("", "Confirm password: "); err != nil {
			return err
		}
	}

	auth, err := a.console.API.Signup(ctx, api.SignupRequest{
		UserID:          *userID,
		EmailMasked:     *email,
		Password:        password,
		PasswordConfirm: confirm,
	})
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(a.out, "Welcome, %s\n", auth.UserID)
	return nil
}

func cmdLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.console.API.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func cmdWhoami(_ context.Context, a *app, _ []string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	state := a.console.Session.State()
	fmt.Fprintln(a.out)
	cyan.Fprintln(a.out, "  Session")
	cyan.Fprintln(a.out, "  -------")
	fmt.Fprintf(a.out, "  Status:   %s\n", state.Status())
	if state.Principal == nil {
		fmt.Fprintln(a.out, "  Identity: (none)")
		fmt.Fprintln(a.out)
		return nil
	}
	fmt.Fprintf(a.out, "  User ID:  %s\n", state.Principal.SubjectID)
	green.Fprintf(a.out, "  Role:     %s\n", roleLabel(state.Principal.Role))
	fmt.Fprintf(a.out, "  Home:     %s\n", a.console.Gate.Home(*state.Principal))
	fmt.Fprintln(a.out)
	return nil
}

func cmdProfile(ctx context.Context, a *app, args []string) error {
	fs := newFlags("profile", a)
	window := fs.StringP("window", "w", "30", "lookback window in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := a.subject(fs.Args())
	if err != nil {
		return err
	}
	body, err := a.console.API.Profile(ctx, userID, *window)
	return a.show(body, err)
}

func cmdRecommendations(ctx context.Context, a *app, args []string) error {
	fs := newFlags("recommendations", a)
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := a.subject(fs.Args())
	if err != nil {
		return err
	}
	body, err := a.console.API.Recommendations(ctx, userID)
	return a.show(body, err)
}

func cmdTransactions(ctx context.Context, a *app, args []string) error {
	fs := newFlags("transactions", a)
	window := fs.StringP("window", "w", "30", "lookback window in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := a.subject(fs.Args())
	if err != nil {
		return err
	}
	body, err := a.console.API.Transactions(ctx, userID, *window)
	return a.show(body, err)
}

func cmdConsent(ctx context.Context, a *app, args []string) error {
	fs := newFlags("consent", a)
	reason := fs.String("reason", "", "reason recorded with the change")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: spendsense consent grant|revoke [user]")
	}

	var action api.ConsentAction
	switch rest[0] {
	case "grant", "opt-in", "opt_in":
		action = api.ConsentOptIn
	case "revoke", "opt-out", "opt_out":
		action = api.ConsentOptOut
	default:
		return fmt.Errorf("unknown consent subcommand: %s (use grant, revoke)", rest[0])
	}

	userID, err := a.subject(rest[1:])
	if err != nil {
		return err
	}
	req := api.ConsentRequest{UserID: userID, Action: action, Reason: *reason}
	if p, ok := a.console.Session.Principal(); ok && p.SubjectID != userID {
		req.By = p.SubjectID
	}

	resp, err := a.console.API.SetConsent(ctx, req)
	if err != nil {
		return err
	}
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("consent %s recorded for %s", resp.Action, resp.UserID)
	}
	color.New(color.FgGreen).Fprintln(a.out, msg)
	return nil
}

// userRow is the subset of a directory record the table shows.
type userRow struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	ConsentStatus *bool  `json:"consent_status"`
}

func cmdUsers(ctx context.Context, a *app, _ []string) error {
	if err := a.requirePrincipal(); err != nil {
		return err
	}
	body, err := a.console.API.Users(ctx)
	if errors.Is(err, gateway.ErrRoleDenied) {
		return fmt.Errorf("the user directory is only available to operators")
	}
	if err != nil {
		return err
	}

	rows, err := api.Decode[[]userRow](body)
	if err != nil {
		// Unknown shape; show it raw.
		return a.show(body, nil)
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(a.out)
	cyan.Fprintln(a.out, "  Users")
	cyan.Fprintln(a.out, "  -----")
	if len(rows) == 0 {
		fmt.Fprintln(a.out, "  (no users)")
		fmt.Fprintln(a.out)
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USER\tNAME\tCONSENT")
	fmt.Fprintln(w, "  ----\t----\t-------")
	for _, r := range rows {
		consent := "unknown"
		if r.ConsentStatus != nil {
			consent = map[bool]string{true: "granted", false: "revoked"}[*r.ConsentStatus]
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", r.UserID, r.Name, consent)
	}
	w.Flush()
	fmt.Fprintln(a.out)
	return nil
}

func cmdReview(ctx context.Context, a *app, args []string) error {
	fs := newFlags("review", a)
	notes := fs.String("notes", "", "notes recorded with the decision")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requirePrincipal(); err != nil {
		return err
	}

	rest := fs.Args()
	subcmd := "list"
	if len(rest) > 0 {
		subcmd = rest[0]
		rest = rest[1:]
	}

	switch subcmd {
	case "list", "ls":
		body, err := a.console.API.ReviewQueue(ctx)
		return a.show(body, err)
	case "approve", "reject":
		if len(rest) != 1 {
			return fmt.Errorf("usage: spendsense review %s <recommendation-id>", subcmd)
		}
		body, err := a.console.API.ReviewRecommendation(ctx, rest[0], api.Decision(subcmd), *notes)
		return a.show(body, err)
	default:
		return fmt.Errorf("unknown review subcommand: %s (use list, approve, reject)", subcmd)
	}
}

func cmdRoute(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: spendsense route <path>")
	}
	d := a.console.Route(args[0])
	switch d.Outcome {
	case access.Allow:
		color.New(color.FgGreen).Fprintf(a.out, "allow %s\n", args[0])
	case access.Redirect:
		color.New(color.FgYellow).Fprintf(a.out, "redirect %s -> %s\n", args[0], d.Path)
	default:
		fmt.Fprintf(a.out, "pending %s\n", args[0])
	}
	return nil
}

// subject returns the explicit user argument or the logged-in principal's id.
func (a *app) subject(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	p, ok := a.console.Session.Principal()
	if !ok {
		return "", errNotLoggedIn
	}
	return p.SubjectID, nil
}

func (a *app) requirePrincipal() error {
	if _, ok := a.console.Session.Principal(); !ok {
		return errNotLoggedIn
	}
	return nil
}

// show pretty-prints a resource body. Forbidden and expired outcomes were
// already announced by the gateway, so they only need a short error here.
func (a *app) show(body json.RawMessage, err error) error {
	switch {
	case errors.Is(err, gateway.ErrConsentRequired):
		return fmt.Errorf("consent not granted for this data (run `spendsense consent grant`)")
	case errors.Is(err, gateway.ErrExpired):
		return errNotLoggedIn
	case err != nil:
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") != nil {
		_, werr := a.out.Write(body)
		return werr
	}
	pretty.WriteByte('\n')
	_, werr := pretty.WriteTo(a.out)
	return werr
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.errOut, label)
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%s is required", strings.TrimSuffix(strings.TrimSpace(label), ":"))
	}
	return line, nil
}

// readPassword reads from passwordFile, or prompts with echo disabled when
// it is empty or "-".
func (a *app) readPassword(passwordFile, label string) (string, error) {
	if passwordFile != "" && passwordFile != "-" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", passwordFile, err)
		}
		pw := strings.TrimRight(string(data), "\r\n")
		if pw == "" {
			return "", fmt.Errorf("file %s is empty", passwordFile)
		}
		return pw, nil
	}

	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("no terminal available for password prompt (use --password-file)")
	}
	fmt.Fprint(a.errOut, label)
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.errOut)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func roleLabel(r credential.Role) string {
	switch r {
	case credential.RoleSteward:
		return "operator"
	case credential.RoleSubject:
		return "card user"
	default:
		return string(r)
	}
}
