package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/dao"
	"github.com/ericyoungson/machinomy/escrow"
	"github.com/ericyoungson/machinomy/initdb"
	"github.com/ericyoungson/machinomy/metrics"
	"github.com/ericyoungson/machinomy/negotiation"
	"github.com/ericyoungson/machinomy/paychmgr"
	"github.com/ericyoungson/machinomy/util"
	"github.com/ericyoungson/machinomy/wallet"

	_ "net/http/pprof"
)

var cmdServe = &cli.Command{
	Name:  "serve",
	Usage: "Start the payee gateway and paywall",
	Flags: []cli.Flag{
		nodeFlag,
		dbFlag,
		redisFlag,
		&cli.StringFlag{
			Name:    "receiver",
			Usage:   "address payments are made to, held by the node wallet",
			EnvVars: []string{"MACHINOMY_RECEIVER"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Value:   ":8080",
			EnvVars: []string{"MACHINOMY_LISTEN"},
		},
		&cli.StringFlag{
			Name:  "base",
			Usage: "path the accept and verify endpoints are mounted on",
			Value: "/machinomy",
		},
		&cli.StringFlag{
			Name:    "paywall",
			Usage:   "yaml file of priced routes",
			EnvVars: []string{"MACHINOMY_PAYWALL"},
		},
		&cli.DurationFlag{
			Name:  "settle-interval",
			Usage: "how often expired settling channels are finalized",
			Value: paychmgr.DefaultSettleInterval,
		},
		&cli.StringFlag{
			Name:  "pprof",
			Usage: "pprof listen address, disabled when empty",
		},
	},
	Action: func(cctx *cli.Context) error {
		if addr := cctx.String("pprof"); addr != "" {
			go func() {
				http.ListenAndServe(addr, nil) //nolint:errcheck
			}()
		}

		ctx := util.ReqContext(cctx)

		if err := view.Register(metrics.DefaultViews...); err != nil {
			return err
		}

		receiver, err := address.NewFromString(cctx.String("receiver"))
		if err != nil {
			return xerrors.Errorf("--receiver: %w", err)
		}

		node, closer, err := connectNode(ctx, cctx)
		if err != nil {
			return err
		}
		defer closer()

		signer := wallet.NewNodeSigner(node)
		if ok, err := signer.Has(ctx, receiver); err != nil {
			return err
		} else if !ok {
			return xerrors.Errorf("node wallet does not hold %s", receiver)
		}

		contract := escrow.NewLotus(node)

		db, err := openDatabase(cctx.String(dbFlag.Name))
		if err != nil {
			return err
		}
		if err := initdb.CheckDatabase(ctx, db, contract.ID()); err != nil {
			return err
		}

		rds, err := openRedis(ctx, cctx.String(redisFlag.Name))
		if err != nil {
			return err
		}
		d := dao.NewDao(db, rds)
		defer d.Close() //nolint:errcheck

		listen := cctx.String("listen")
		if err := dao.GetDatabaseLock(db, listen); err != nil {
			return err
		}
		defer dao.ReleaseDatabaseLock(db) //nolint:errcheck

		mgr, err := paychmgr.New(paychmgr.Config{
			Store:          d.Channels(),
			Contract:       contract,
			Signer:         signer,
			SettleInterval: cctx.Duration("settle-interval"),
		})
		if err != nil {
			return err
		}
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		defer mgr.Stop()

		payee, err := negotiation.NewPayee(negotiation.PayeeConfig{
			Channels: mgr,
			Store:    d.Payments(),
			Signer:   signer,
		})
		if err != nil {
			return err
		}

		engine := gin.New()
		engine.Use(gin.Recovery())

		base := "/" + strings.Trim(cctx.String("base"), "/")
		gw := &negotiation.Gateway{Payee: payee, Base: engine.Group(base)}
		gw.Register()

		if path := cctx.String("paywall"); path != "" {
			cfg, err := loadPaywallConfig(path)
			if err != nil {
				return err
			}
			gateway := cfg.Gateway
			if gateway == "" {
				gateway = "http://" + listen + base
			}
			for i := range cfg.Routes {
				route := cfg.Routes[i]
				terms, err := route.Terms(receiver, gateway, contract.ID())
				if err != nil {
					return err
				}
				engine.GET(route.Path, negotiation.Paywall(payee, terms), route.Handler())
				log.Infow("paywalled route", "path", route.Path, "price", terms.Price, "meta", terms.Meta)
			}
		}

		srv := &http.Server{
			Addr:    listen,
			Handler: engine,
		}
		go func() {
			log.Infow("gateway listening", "addr", listen, "base", base, "receiver", receiver)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("gateway stopped", "err", err)
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
