package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bcombuddy/sessionbridge/pkg/orchestrator"
	"github.com/bcombuddy/sessionbridge/pkg/page"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// PasswordEnv supplies the password when --password is not given
const PasswordEnv = "SESSIONBRIDGE_PASSWORD"

func newOpenCommand(app *App) *Command {
	cmd := newCommand("open", "open [--json] <url>", "Load the app at a URL, consuming any SSO token on it")
	asJSON := cmd.Flags.Bool("json", false, "Print the state as JSON")
	cmd.Run = func(args []string) error {
		if len(args) != 1 {
			return ErrUsage
		}
		ctx := context.Background()
		p, release, err := app.load(ctx, args[0])
		if err != nil {
			return err
		}
		defer release()

		if len(p.Location.Replaced()) > 0 {
			fmt.Fprintf(app.Out, "location: %s\n", p.Location.URL())
		}
		return printState(app.Out, p.Orchestrator.State(), *asJSON)
	}
	return cmd
}

func newWhoamiCommand(app *App) *Command {
	cmd := newCommand("whoami", "whoami [--json]", "Show who the app resolves to")
	asJSON := cmd.Flags.Bool("json", false, "Print the state as JSON")
	cmd.Run = func(args []string) error {
		ctx := context.Background()
		p, release, err := app.load(ctx, app.appURL())
		if err != nil {
			return err
		}
		defer release()
		return printState(app.Out, p.Orchestrator.State(), *asJSON)
	}
	return cmd
}

func newLoginCommand(app *App) *Command {
	cmd := newCommand("login", "login --email <email> [--password <password>]", "Sign in with email and password")
	email := cmd.Flags.String("email", "", "Account email")
	password := cmd.Flags.String("password", "", "Account password (default $"+PasswordEnv+")")
	cmd.Run = func(args []string) error {
		secret := firstNonEmpty(*password, os.Getenv(PasswordEnv))
		if *email == "" || secret == "" {
			return ErrUsage
		}
		return app.withPage(func(ctx context.Context, p *page.Page) error {
			if _, err := p.Orchestrator.SignIn(ctx, *email, secret); err != nil {
				return app.authError(err)
			}
			return printState(app.Out, p.Orchestrator.State(), false)
		})
	}
	return cmd
}

func newFederatedCommand(app *App) *Command {
	cmd := newCommand("login-federated", "login-federated", "Sign in through the identity provider's login page")
	cmd.Run = func(args []string) error {
		return app.withPage(func(ctx context.Context, p *page.Page) error {
			if _, err := p.Orchestrator.SignInWithFederatedPopup(ctx); err != nil {
				return app.authError(err)
			}
			return printState(app.Out, p.Orchestrator.State(), false)
		})
	}
	return cmd
}

func newSignupCommand(app *App) *Command {
	cmd := newCommand("signup", "signup --email <email> [--password <password>]", "Create an account and sign in")
	email := cmd.Flags.String("email", "", "Account email")
	password := cmd.Flags.String("password", "", "Account password (default $"+PasswordEnv+")")
	cmd.Run = func(args []string) error {
		secret := firstNonEmpty(*password, os.Getenv(PasswordEnv))
		if *email == "" || secret == "" {
			return ErrUsage
		}
		return app.withPage(func(ctx context.Context, p *page.Page) error {
			if _, err := p.Orchestrator.CreateAccount(ctx, *email, secret); err != nil {
				return app.authError(err)
			}
			return printState(app.Out, p.Orchestrator.State(), false)
		})
	}
	return cmd
}

func newResetPasswordCommand(app *App) *Command {
	cmd := newCommand("reset-password", "reset-password --email <email>", "Send a password reset email")
	email := cmd.Flags.String("email", "", "Account email")
	cmd.Run = func(args []string) error {
		if *email == "" {
			return ErrUsage
		}
		return app.withPage(func(ctx context.Context, p *page.Page) error {
			if err := p.Orchestrator.SendPasswordReset(ctx, *email); err != nil {
				return app.authError(err)
			}
			fmt.Fprintf(app.Out, "Password reset email sent to %s\n", *email)
			return nil
		})
	}
	return cmd
}

func newLogoutCommand(app *App) *Command {
	cmd := newCommand("logout", "logout", "End the current session")
	cmd.Run = func(args []string) error {
		return app.withPage(func(ctx context.Context, p *page.Page) error {
			res, err := p.Logout.Logout(ctx)
			if err != nil {
				return err
			}
			if res.Method == "" {
				fmt.Fprintln(app.Out, "Not signed in")
				return nil
			}
			fmt.Fprintf(app.Out, "Signed out (%s)\n", res.Method)
			if res.Redirect != "" {
				fmt.Fprintf(app.Out, "Return to %s\n", res.Redirect)
			}
			return nil
		})
	}
	return cmd
}

// withPage loads the app at its own address and runs fn against it
func (a *App) withPage(fn func(ctx context.Context, p *page.Page) error) error {
	ctx := context.Background()
	p, release, err := a.load(ctx, a.appURL())
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, p)
}

// authError turns sign-in failures into their user-facing message
func (a *App) authError(err error) error {
	if errors.Is(err, orchestrator.ErrNoProvider) {
		return err
	}
	a.logger().WithError(err).Debug("provider call failed")
	code := provider.CodeOf(err)
	return fmt.Errorf("%s (%s)", code.Message(), code)
}

type stateView struct {
	Phase   orchestrator.Phase `json:"phase"`
	Loading bool               `json:"loading"`
	Method  string             `json:"method,omitempty"`
	UID     string             `json:"uid,omitempty"`
	Email   string             `json:"email,omitempty"`
	Name    string             `json:"name,omitempty"`
	Role    string             `json:"role,omitempty"`
}

func printState(out io.Writer, st orchestrator.State, asJSON bool) error {
	v := stateView{Phase: st.Phase, Loading: st.Loading(), Method: string(st.Method())}
	if st.Identity != nil {
		v.UID = st.Identity.ID
		v.Email = st.Identity.Email
		v.Name = st.Identity.DisplayName
		v.Role = st.Identity.Role
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "phase:\t%s\n", v.Phase)
	if st.Identity != nil {
		fmt.Fprintf(tw, "method:\t%s\n", v.Method)
		fmt.Fprintf(tw, "user:\t%s\n", st.Identity.Label())
		fmt.Fprintf(tw, "email:\t%s\n", v.Email)
		fmt.Fprintf(tw, "uid:\t%s\n", v.UID)
		if v.Role != "" {
			fmt.Fprintf(tw, "role:\t%s\n", v.Role)
		}
	}
	return tw.Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
