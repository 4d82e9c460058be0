package main

import (
	"context"
	"errors"
	"io/fs"
	syslog "log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/lotus/api"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ericyoungson/machinomy/buyer"
	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/escrow"
	"github.com/ericyoungson/machinomy/localstore"
	"github.com/ericyoungson/machinomy/negotiation"
	"github.com/ericyoungson/machinomy/paychmgr"
	"github.com/ericyoungson/machinomy/util"
	"github.com/ericyoungson/machinomy/wallet"
)

var (
	nodeFlag = &cli.StringFlag{
		Name:    "node",
		Usage:   "lotus fullnode api info, <token>:<maddr>",
		EnvVars: []string{"MACHINOMY_NODE", "FULLNODE_API_INFO"},
	}
	dbFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "root:123456@tcp(127.0.0.1:3306)/machinomy?parseTime=true",
		EnvVars: []string{"MACHINOMY_DB"},
	}
	redisFlag = &cli.StringFlag{
		Name:    "redis",
		Usage:   "127.0.0.1:6379",
		Value:   "127.0.0.1:6379",
		EnvVars: []string{"MACHINOMY_REDIS"},
	}
	storeFlag = &cli.StringFlag{
		Name:    "store",
		Usage:   "badger directory holding the payer's channels",
		Value:   "machinomy-data",
		EnvVars: []string{"MACHINOMY_STORE"},
	}
	fromFlag = &cli.StringFlag{
		Name:    "from",
		Usage:   "address paying out of its channels",
		EnvVars: []string{"MACHINOMY_FROM"},
	}
	keyFlag = &cli.StringFlag{
		Name:    "key",
		Usage:   "hex key exported by `lotus wallet export`; the node wallet signs when unset",
		EnvVars: []string{"MACHINOMY_KEY"},
	}
	multiplierFlag = &cli.Uint64Flag{
		Name:    "deposit-multiplier",
		Usage:   "new channels are funded with price times this",
		Value:   paychmgr.DefaultDepositMultiplier,
		EnvVars: []string{"MACHINOMY_DEPOSIT_MULTIPLIER"},
	}
)

// loadEnv reads .env from the working directory when there is one.
func loadEnv() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type (
	// RouteConfig prices one paywalled path.
	RouteConfig struct {
		Path  string `yaml:"path"`
		Price string `yaml:"price"`
		Meta  string `yaml:"meta,omitempty"`
		File  string `yaml:"file,omitempty"`
		Body  string `yaml:"body,omitempty"`
	}
	// PaywallConfig is the yaml file given to serve.
	PaywallConfig struct {
		// Gateway is the public url of the accept/verify endpoints.
		Gateway string        `yaml:"gateway"`
		Routes  []RouteConfig `yaml:"routes"`
	}
)

func loadPaywallConfig(path string) (*PaywallConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read paywall config: %w", err)
	}

	var cfg PaywallConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.Errorf("parse paywall config %s: %w", path, err)
	}
	for i, r := range cfg.Routes {
		if r.Path == "" {
			return nil, xerrors.Errorf("route %d: path is required", i)
		}
	}
	return &cfg, nil
}

func (r *RouteConfig) Terms(receiver address.Address, gateway string, contract string) (common.PaymentTerms, error) {
	price, err := big.FromString(r.Price)
	if err != nil || price.Sign() <= 0 {
		return common.PaymentTerms{}, xerrors.Errorf("route %s: price %q must be a positive integer", r.Path, r.Price)
	}
	return common.PaymentTerms{
		Receiver: receiver,
		Price:    price,
		Gateway:  gateway,
		Contract: contract,
		Meta:     r.Meta,
	}, nil
}

func (r *RouteConfig) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if r.File != "" {
			ctx.File(r.File)
			return
		}
		ctx.String(http.StatusOK, "%s", r.Body)
	}
}

func openDatabase(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, xerrors.New("no database dsn")
	}

	newLogger := logger.New(
		syslog.New(os.Stdout, "\r\n", syslog.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, xerrors.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	log.Info("sql ping success")
	return db, nil
}

func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rds := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("MACHINOMY_REDIS_PASSWORD"),
		DB:       0,
	})
	pong, err := rds.Ping(ctx).Result()
	if err != nil {
		_ = rds.Close()
		return nil, err
	}
	log.Info("redis response ", pong)
	return rds, nil
}

func connectNode(ctx context.Context, cctx *cli.Context) (api.FullNode, jsonrpc.ClientCloser, error) {
	apiInfo := cctx.String(nodeFlag.Name)
	if apiInfo == "" {
		return nil, nil, xerrors.New("no api info")
	}

	node, closer, err := util.ConnectFullNode(ctx, apiInfo)
	if err != nil {
		return nil, nil, err
	}

	v, err := node.Version(ctx)
	if err != nil {
		closer()
		return nil, nil, err
	}
	log.Infof("Remote version: %v", v.Version)

	return util.MetricedFullNode(node), closer, nil
}

// payer wires the paying side: lotus escrow, a badger channel store and the
// signer for --from.
type payer struct {
	sender address.Address
	buyer  *buyer.Buyer
	closer func()
}

func openPayer(ctx context.Context, cctx *cli.Context) (*payer, error) {
	sender, err := address.NewFromString(strings.TrimSpace(cctx.String(fromFlag.Name)))
	if err != nil {
		return nil, xerrors.Errorf("--from: %w", err)
	}

	node, closeNode, err := connectNode(ctx, cctx)
	if err != nil {
		return nil, err
	}

	var signer wallet.Signer = wallet.NewNodeSigner(node)
	if exported := cctx.String(keyFlag.Name); exported != "" {
		ks := wallet.NewKeyStore()
		imported, err := ks.ImportExported(exported)
		if err != nil {
			closeNode()
			return nil, err
		}
		if imported != sender {
			closeNode()
			return nil, xerrors.Errorf("--key holds %s, not %s", imported, sender)
		}
		signer = ks
	}

	store, err := localstore.Open(cctx.String(storeFlag.Name))
	if err != nil {
		closeNode()
		return nil, err
	}

	mgr, err := paychmgr.New(paychmgr.Config{
		Store:             store,
		Contract:          escrow.NewLotus(node),
		Signer:            signer,
		DepositMultiplier: cctx.Uint64(multiplierFlag.Name),
	})
	if err != nil {
		_ = store.Close()
		closeNode()
		return nil, err
	}

	return &payer{
		sender: sender,
		buyer:  buyer.New(sender, mgr, negotiation.NewClient(nil)),
		closer: func() {
			if err := store.Close(); err != nil {
				log.Warnw("close store", "err", err)
			}
			closeNode()
		},
	}, nil
}
