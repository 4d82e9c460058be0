package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/lotus/chain/types"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/util"
)

var cmdChannels = &cli.Command{
	Name:  "channels",
	Usage: "Manage the payer's channels",
	Flags: []cli.Flag{
		nodeFlag,
		storeFlag,
		fromFlag,
		keyFlag,
	},
	Subcommands: []*cli.Command{
		cmdChannelsList,
		cmdChannelsDeposit,
		cmdChannelsClose,
		cmdChannelsFinalize,
	},
}

var cmdChannelsList = &cli.Command{
	Name:  "list",
	Usage: "List tracked channels",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "sync",
			Usage: "reconcile with the chain first",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := util.ReqContext(cctx)

		p, err := openPayer(ctx, cctx)
		if err != nil {
			return err
		}
		defer p.closer()

		mgr := p.buyer.Manager()
		if cctx.Bool("sync") {
			if err := mgr.Sync(ctx); err != nil {
				return err
			}
		}

		chs, err := mgr.Channels(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tRECEIVER\tVALUE\tSPENT\tSTATE\tSETTLING AT")
		for _, ch := range chs {
			settlingAt := ""
			if ch.State == common.ChannelSettling {
				settlingAt = ch.SettlingAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ch.ID, ch.Address, ch.Receiver,
				types.FIL(ch.Value), types.FIL(ch.Spent), ch.State, settlingAt)
		}
		return w.Flush()
	},
}

var cmdChannelsDeposit = &cli.Command{
	Name:      "deposit",
	Usage:     "Add funds to an open channel",
	ArgsUsage: "<channel id> <amount>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected a channel id and an amount")
		}
		id, err := common.ParseChannelID(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		amount, err := types.ParseFIL(cctx.Args().Get(1))
		if err != nil {
			return xerrors.Errorf("amount: %w", err)
		}

		ctx := util.ReqContext(cctx)
		p, err := openPayer(ctx, cctx)
		if err != nil {
			return err
		}
		defer p.closer()

		ch, err := p.buyer.Deposit(ctx, id, big.Int(amount))
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "%s value %s\n", ch.ID, types.FIL(ch.Value))
		return nil
	},
}

var cmdChannelsClose = &cli.Command{
	Name:      "close",
	Usage:     "Close a channel",
	ArgsUsage: "<channel id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected a channel id")
		}
		id, err := common.ParseChannelID(cctx.Args().First())
		if err != nil {
			return err
		}

		ctx := util.ReqContext(cctx)
		p, err := openPayer(ctx, cctx)
		if err != nil {
			return err
		}
		defer p.closer()

		ch, err := p.buyer.Close(ctx, id)
		if err != nil {
			return err
		}
		if ch.State == common.ChannelSettling {
			fmt.Fprintf(cctx.App.Writer, "%s settling until %s\n", ch.ID, ch.SettlingAt)
			return nil
		}
		fmt.Fprintf(cctx.App.Writer, "%s %s\n", ch.ID, ch.State)
		return nil
	},
}

var cmdChannelsFinalize = &cli.Command{
	Name:      "finalize",
	Usage:     "Settle a channel whose dispute window elapsed",
	ArgsUsage: "<channel id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected a channel id")
		}
		id, err := common.ParseChannelID(cctx.Args().First())
		if err != nil {
			return err
		}

		ctx := util.ReqContext(cctx)
		p, err := openPayer(ctx, cctx)
		if err != nil {
			return err
		}
		defer p.closer()

		ch, err := p.buyer.Manager().Finalize(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "%s %s\n", ch.ID, ch.State)
		return nil
	},
}
