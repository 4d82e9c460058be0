package util

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/lotus/build"
	"github.com/urfave/cli/v2"
)

// better way?
func IsActorNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "actor not found")
}

const (
	MainNetStart = 1598306400
)

func EpochToTimestamp(epoch abi.ChainEpoch) int64 {
	return MainNetStart + int64(epoch)*int64(build.BlockDelaySecs)
}

func EpochToTime(epoch abi.ChainEpoch) time.Time {
	return time.Unix(EpochToTimestamp(epoch), 0)
}

// ReqContext is cancelled on SIGINT, SIGTERM or SIGHUP.
func ReqContext(cctx *cli.Context) context.Context {
	ctx, done := context.WithCancel(cctx.Context)

	sigChan := make(chan os.Signal, 2)
	go func() {
		<-sigChan
		done()
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	return ctx
}
