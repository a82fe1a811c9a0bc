package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/trezcool/mathsapp/core"
	"github.com/trezcool/mathsapp/services/mathsapi"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp        = errors.New("help provided")
	errNotLoggedIn = errors.New("not logged in: run `mathsapp login -username USERNAME` first")
)

type commandLine struct {
	client     *mathsapi.Client
	translator ut.Translator
	printer
}

func newCommandLine(client *mathsapi.Client, translator ut.Translator, out, errOut io.Writer) *commandLine {
	cli := &commandLine{
		client:     client,
		translator: translator,
		printer:    printer{out: out, errOut: errOut},
	}
	client.OnExpire(func() {
		cli.fail("%s", mathsapi.ErrSessionExpired)
		cli.warn("run `mathsapp login -username USERNAME` to sign in again")
	})
	return cli
}

func (cli *commandLine) printUsage() {
	cli.info("Usage:")
	cli.info("  login -username USERNAME          - log in (the password is prompted)")
	cli.info("  logout                            - log out")
	cli.info("  whoami                            - show the logged in user")
	cli.info("  refresh                           - renew the session")
	cli.info("  cards                             - list the subject cards")
	cli.info("  addcard -title T -subject S -kind K [-content C] [-position N] [-published]")
	cli.info("                                    - create a card (kind: %s)", strings.Join(mathsapi.AllKinds, "|"))
	cli.info("  editcard -id ID [-title T] [-subject S] [-kind K] [-content C] [-position N] [-published=BOOL]")
	cli.info("                                    - update a card")
	cli.info("  rmcard -id ID                     - delete a card")
}

func (cli *commandLine) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errHelp
		}
		return err
	}
	return nil
}

// run dispatches args[1] and turns a session failure into mathsapi.ErrSessionExpired.
func (cli *commandLine) run(ctx context.Context, args []string) error {
	return cli.client.Handle(ctx, cli.dispatch(ctx, args))
}

func (cli *commandLine) dispatch(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "login":
		return cli.loginCmd(ctx, args[2:])
	case "logout":
		return cli.logout(ctx)
	case "whoami":
		return cli.whoAmI(ctx)
	case "refresh":
		return cli.refresh(ctx)
	case "cards":
		return cli.listCards(ctx)
	case "addcard":
		return cli.addCardCmd(ctx, args[2:])
	case "editcard":
		return cli.editCardCmd(ctx, args[2:])
	case "rmcard":
		return cli.removeCardCmd(ctx, args[2:])
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) loginCmd(ctx context.Context, args []string) error {
	loginCmd := cli.flagSet("login")
	loginUname := loginCmd.String("username", "", "Your username. The password will be prompted next.")
	if err := parse(loginCmd, args); err != nil {
		return err
	}
	if *loginUname == "" {
		loginCmd.Usage()
		return errHelp
	}

	_, _ = fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	_, _ = fmt.Fprintln(cli.out)
	if err != nil {
		return err
	}
	if len(pwd) == 0 {
		loginCmd.Usage()
		return errHelp
	}
	return cli.login(ctx, *loginUname, string(pwd))
}

func (cli *commandLine) addCardCmd(ctx context.Context, args []string) error {
	addCmd := cli.flagSet("addcard")
	title := addCmd.String("title", "", "The card title.")
	subject := addCmd.String("subject", "", "The subject the card belongs to.")
	kind := addCmd.String("kind", mathsapi.KindContent, "The card kind.")
	content := addCmd.String("content", "", "The card content.")
	position := addCmd.Int("position", 0, "The card position in its subject.")
	published := addCmd.Bool("published", false, "Publish the card right away.")
	if err := parse(addCmd, args); err != nil {
		return err
	}

	return cli.addCard(ctx, mathsapi.NewCard{
		Title:     *title,
		Subject:   *subject,
		Kind:      *kind,
		Content:   *content,
		Position:  *position,
		Published: *published,
	})
}

func (cli *commandLine) editCardCmd(ctx context.Context, args []string) error {
	editCmd := cli.flagSet("editcard")
	id := editCmd.String("id", "", "The card ID.")
	title := editCmd.String("title", "", "The card title.")
	subject := editCmd.String("subject", "", "The subject the card belongs to.")
	kind := editCmd.String("kind", "", "The card kind.")
	content := editCmd.String("content", "", "The card content.")
	position := editCmd.Int("position", 0, "The card position in its subject.")
	published := editCmd.Bool("published", false, "Whether the card is published.")
	if err := parse(editCmd, args); err != nil {
		return err
	}
	if *id == "" {
		editCmd.Usage()
		return errHelp
	}

	// only send the flags that were given
	var upd mathsapi.UpdateCard
	editCmd.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			upd.Title = title
		case "subject":
			upd.Subject = subject
		case "kind":
			upd.Kind = kind
		case "content":
			upd.Content = content
		case "position":
			upd.Position = position
		case "published":
			upd.Published = published
		}
	})
	return cli.editCard(ctx, *id, upd)
}

func (cli *commandLine) removeCardCmd(ctx context.Context, args []string) error {
	rmCmd := cli.flagSet("rmcard")
	id := rmCmd.String("id", "", "The card ID.")
	if err := parse(rmCmd, args); err != nil {
		return err
	}
	if *id == "" {
		rmCmd.Usage()
		return errHelp
	}
	return cli.removeCard(ctx, *id)
}

// printErr reports err to the user, field by field for validation failures.
func (cli *commandLine) printErr(err error) {
	if err == mathsapi.ErrSessionExpired {
		return // reported by the expiry hook
	}
	if fldErrs := core.FieldErrors(err, cli.translator); len(fldErrs) > 0 {
		cli.fail("invalid input:")
		for _, fld := range core.SortedFields(fldErrs) {
			cli.fail("  %s: %s", fld, fldErrs[fld])
		}
		return
	}
	cli.fail("error: %s", err)
}
