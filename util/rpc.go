package util

import (
	"context"
	"net/http"
	"strings"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/lotus/api"
	"github.com/filecoin-project/lotus/api/v1api"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/xerrors"
)

func NewFullNodeRPCV1(ctx context.Context, addr string, requestHeader http.Header) (api.FullNode, jsonrpc.ClientCloser, error) {
	var res v1api.FullNodeStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, "Filecoin",
		api.GetInternalStructs(&res), requestHeader)

	return &res, closer, err
}

// ConnectFullNode dials a node given as "<token>:<maddr>" or a bare multiaddr.
func ConnectFullNode(ctx context.Context, apiInfo string) (api.FullNode, jsonrpc.ClientCloser, error) {
	token := ""
	listenAddr := apiInfo
	if !strings.HasPrefix(apiInfo, "/") {
		tos := strings.SplitN(apiInfo, ":", 2)
		if len(tos) != 2 {
			return nil, nil, xerrors.Errorf("invalid api info, expected <token>:<maddr>, got: %s", apiInfo)
		}
		token, listenAddr = tos[0], tos[1]
	}

	parsedAddr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, nil, err
	}

	_, addr, err := manet.DialArgs(parsedAddr)
	if err != nil {
		return nil, nil, err
	}

	return NewFullNodeRPCV1(ctx, apiURI(addr), headers(token))
}

func apiURI(addr string) string {
	return "ws://" + addr + "/rpc/v1"
}

func headers(token string) http.Header {
	headers := http.Header{}
	if token != "" {
		headers.Add("Authorization", "Bearer "+token)
	}
	return headers
}
