package main

import (
	"github.com/urfave/cli/v2"

	"github.com/ericyoungson/machinomy/escrow"
	"github.com/ericyoungson/machinomy/initdb"
	"github.com/ericyoungson/machinomy/util"
)

var cmdInitDb = &cli.Command{
	Name:  "initdb",
	Usage: "Create the payee tables and reset the redis cache",
	Flags: []cli.Flag{
		dbFlag,
		redisFlag,
		&cli.StringFlag{
			Name:  "contract",
			Usage: "escrow contract id the database is bound to",
			Value: escrow.LotusContractID(),
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := util.ReqContext(cctx)

		db, err := openDatabase(cctx.String(dbFlag.Name))
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		rds, err := openRedis(ctx, cctx.String(redisFlag.Name))
		if err != nil {
			return err
		}
		defer rds.Close()

		if err := initdb.InitDatabase(ctx, db, rds, cctx.String("contract")); err != nil {
			return err
		}

		log.Info("init database success")
		return nil
	},
}
