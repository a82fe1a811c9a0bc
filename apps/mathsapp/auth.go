package main

import (
	"context"

	"github.com/trezcool/mathsapp/core/user"
)

func (cli *commandLine) login(ctx context.Context, uname, pwd string) error {
	usr, err := cli.client.Login(ctx, user.Credentials{Username: uname, Password: pwd})
	if err != nil {
		return err
	}
	cli.success("Logged in as %s (%s)", usr.DisplayName(), usr.Role)
	return nil
}

func (cli *commandLine) logout(ctx context.Context) error {
	if err := cli.client.Logout(ctx); err != nil {
		return err
	}
	cli.success("Logged out")
	return nil
}

func (cli *commandLine) whoAmI(ctx context.Context) error {
	if !cli.client.State().Authenticated() {
		return errNotLoggedIn
	}
	usr, err := cli.client.WhoAmI(ctx)
	if err != nil {
		return err
	}
	return cli.table(
		[]string{"ID", "Name", "Username", "Email", "Role"},
		[][]string{{usr.ID, usr.Name, usr.Username, usr.Email, usr.Role}},
	)
}

func (cli *commandLine) refresh(ctx context.Context) error {
	if !cli.client.State().Authenticated() {
		return errNotLoggedIn
	}
	if err := cli.client.Refresh(ctx); err != nil {
		return err
	}
	cli.success("Session refreshed")
	return nil
}
