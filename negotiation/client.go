package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodySize    = 1 << 20
)

// Client is the payer's side of the protocol.
type Client struct {
	http      *http.Client
	preflight singleflight.Group
}

// NewClient wraps hc; nil means a plain client with DefaultTimeout.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{http: hc}
}

// DoPreflight requests uri and returns the terms of the 402 answer. Terms are
// read from the JSON body, or from X-Payment-* headers when the body is
// empty. Concurrent preflights of the same uri share one request, which
// outlives any single caller giving up on it.
func (c *Client) DoPreflight(ctx context.Context, uri string) (*common.PaymentTerms, error) {
	ch := c.preflight.DoChan(uri, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
		defer cancel()
		return c.doPreflight(sctx, uri)
	})

	select {
	case <-ctx.Done():
		return nil, common.WithKind(common.ErrPreflight, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debugw("preflight shared", "uri", uri)
		}
		terms := *res.Val.(*common.PaymentTerms)
		return &terms, nil
	}
}

func (c *Client) doPreflight(ctx context.Context, uri string) (*common.PaymentTerms, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, common.WithKind(common.ErrPreflight, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnw("preflight", "uri", uri, "err", err)
		return nil, common.WithKind(common.ErrPreflight, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, common.WithKind(common.ErrPreflight, xerrors.Errorf("%s answered %d, want %d", uri, resp.StatusCode, http.StatusPaymentRequired))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, common.WithKind(common.ErrPreflight, err)
	}

	var terms *common.PaymentTerms
	if len(bytes.TrimSpace(body)) == 0 {
		terms, err = common.TermsFromHeaders(resp.Header)
	} else {
		terms, err = common.DecodeTerms(body)
	}
	if err != nil {
		return nil, common.WithKind(common.ErrPreflight, err)
	}

	log.Debugw("preflight terms", "uri", uri, "receiver", terms.Receiver, "price", terms.Price, "gateway", terms.Gateway)
	return terms, nil
}

func endpoint(gateway string, path string) string {
	return strings.TrimRight(gateway, "/") + path
}

func (c *Client) post(ctx context.Context, url string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return xerrors.Errorf("read %s: %w", url, err)
	}

	if resp.StatusCode >= 400 {
		var e ErrorResponse
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}

		cause := xerrors.Errorf("%s answered %d: %s", url, resp.StatusCode, e.Error)
		if kind := reasonKind(e.Reason); kind != nil {
			cause = common.WithKind(kind, cause)
		}
		if resp.StatusCode < 500 {
			return common.WithKind(common.ErrPaymentRejected, cause)
		}
		return cause
	}

	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Errorf("decode %s answer: %w", url, err)
	}
	return nil
}

// DoPayment delivers p to gateway and returns the token the payee issued.
// A refusal by the payee fails with common.ErrPaymentRejected, with the
// payee's reason reachable through errors.Is.
func (c *Client) DoPayment(ctx context.Context, p *common.Payment, gateway string, purchaseMeta string) (string, error) {
	if gateway == "" {
		return "", common.ErrMissingGateway
	}

	raw, err := p.Bytes()
	if err != nil {
		return "", err
	}

	var out AcceptResponse
	if err := c.post(ctx, endpoint(gateway, AcceptPath), &AcceptRequest{Payment: raw, PurchaseMeta: purchaseMeta}, &out); err != nil {
		log.Warnw("payment not accepted", "channel", p.ChannelID, "value", p.Value, "err", err)
		return "", err
	}
	if out.Token == "" {
		return "", common.WithKind(common.ErrPaymentRejected, xerrors.New("gateway returned no token"))
	}
	return out.Token, nil
}

// DoVerify asks gateway whether token stands for an accepted payment.
func (c *Client) DoVerify(ctx context.Context, gateway string, token string) (*VerifyResponse, error) {
	if gateway == "" {
		return nil, common.ErrMissingGateway
	}

	var out VerifyResponse
	if err := c.post(ctx, endpoint(gateway, VerifyPath), &VerifyRequest{Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
