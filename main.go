package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var (
	log = logging.Logger("machinomy")
)

func main() {
	if err := logging.SetLogLevel("*", "info"); err != nil {
		log.Fatal(err)
	}
	app := &cli.App{
		Name:    "machinomy",
		Usage:   "micropayments over payment channels",
		Version: "0.3.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"MACHINOMY_LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			if err := loadEnv(); err != nil {
				return err
			}
			if err := logging.SetLogLevel("*", cctx.String("log-level")); err != nil {
				return err
			}
			return logging.SetLogLevel("rpc", "error")
		},
		Commands: []*cli.Command{
			cmdInitDb,
			cmdServe,
			cmdBuy,
			cmdChannels,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
