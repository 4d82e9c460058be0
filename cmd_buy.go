package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/util"
)

var cmdBuy = &cli.Command{
	Name:      "buy",
	Usage:     "Pay for a paywalled url out of a payment channel",
	ArgsUsage: "<url>",
	Flags: []cli.Flag{
		nodeFlag,
		storeFlag,
		fromFlag,
		keyFlag,
		multiplierFlag,
		&cli.StringFlag{
			Name:  "purchase-meta",
			Usage: "opaque note delivered with the payment",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected one url")
		}
		ctx := util.ReqContext(cctx)

		p, err := openPayer(ctx, cctx)
		if err != nil {
			return err
		}
		defer p.closer()

		res, err := p.buyer.BuyURL(ctx, cctx.Args().First(), cctx.String("purchase-meta"))
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]interface{}{
			"token":   res.Token,
			"channel": res.Channel,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, string(out))
		return nil
	},
}
