package main

import (
	"context"
	"strconv"

	"github.com/trezcool/mathsapp/services/mathsapi"
)

func (cli *commandLine) listCards(ctx context.Context) error {
	cards, err := cli.client.AdminCards(ctx)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		cli.info("No cards yet")
		return nil
	}

	rows := make([][]string, 0, len(cards))
	for _, c := range cards {
		rows = append(rows, []string{
			c.ID, c.Title, c.Subject, c.Kind, strconv.Itoa(c.Position), strconv.FormatBool(c.Published),
		})
	}
	return cli.table([]string{"ID", "Title", "Subject", "Kind", "Position", "Published"}, rows)
}

func (cli *commandLine) addCard(ctx context.Context, card mathsapi.NewCard) error {
	created, err := cli.client.CreateCard(ctx, card)
	if err != nil {
		return err
	}
	cli.success("Created card %s", created.ID)
	return nil
}

func (cli *commandLine) editCard(ctx context.Context, id string, upd mathsapi.UpdateCard) error {
	updated, err := cli.client.UpdateCard(ctx, id, upd)
	if err != nil {
		return err
	}
	cli.success("Updated card %s", updated.ID)
	return nil
}

func (cli *commandLine) removeCard(ctx context.Context, id string) error {
	if err := cli.client.DeleteCard(ctx, id); err != nil {
		return err
	}
	cli.success("Deleted card %s", id)
	return nil
}
