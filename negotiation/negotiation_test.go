package negotiation_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/escrow/mock"
	"github.com/ericyoungson/machinomy/localstore"
	"github.com/ericyoungson/machinomy/negotiation"
	"github.com/ericyoungson/machinomy/paychmgr"
	"github.com/ericyoungson/machinomy/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	sender   address.Address
	receiver address.Address
	keys     *wallet.KeyStore
	payer    *paychmgr.Manager
	channels *paychmgr.Manager
	payee    *negotiation.Payee
	store    *localstore.Store
	server   *httptest.Server
	client   *negotiation.Client
	terms    common.PaymentTerms
}

func openStore(t *testing.T) *localstore.Store {
	s, err := localstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T) *fixture {
	ledger := mock.New(mock.Config{})

	senderKeys := wallet.NewKeyStore()
	sender, err := senderKeys.Generate()
	require.NoError(t, err)
	receiverKeys := wallet.NewKeyStore()
	receiver, err := receiverKeys.Generate()
	require.NoError(t, err)

	payer, err := paychmgr.New(paychmgr.Config{Store: openStore(t), Contract: ledger, Signer: senderKeys})
	require.NoError(t, err)
	receiving, err := paychmgr.New(paychmgr.Config{Store: openStore(t), Contract: ledger, Signer: receiverKeys})
	require.NoError(t, err)

	store := openStore(t)
	payee, err := negotiation.NewPayee(negotiation.PayeeConfig{
		Channels: receiving,
		Store:    store,
		Signer:   receiverKeys,
	})
	require.NoError(t, err)

	f := &fixture{
		sender:   sender,
		receiver: receiver,
		keys:     receiverKeys,
		payer:    payer,
		channels: receiving,
		payee:    payee,
		store:    store,
		client:   negotiation.NewClient(nil),
	}

	e := gin.New()
	gw := &negotiation.Gateway{Payee: payee, Base: e.Group("/machinomy")}
	gw.Register()

	f.server = httptest.NewServer(e)
	t.Cleanup(f.server.Close)

	f.terms = common.PaymentTerms{
		Receiver: receiver,
		Price:    big.NewInt(100),
		Gateway:  f.server.URL + "/machinomy",
		Contract: ledger.ID(),
		Meta:     "articles",
	}
	e.GET("/articles/:id", negotiation.Paywall(payee, f.terms), func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "content of %s", ctx.Param("id"))
	})
	e.GET("/free", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "free")
	})
	e.GET("/broken", func(ctx *gin.Context) {
		ctx.String(http.StatusPaymentRequired, `{"receiver": 1}`)
	})
	e.GET("/headers", func(ctx *gin.Context) {
		f.terms.WriteHeaders(ctx.Writer.Header())
		ctx.Status(http.StatusPaymentRequired)
	})

	return f
}

func (f *fixture) mint(t *testing.T, increment int64, meta string) *common.Payment {
	ctx := context.Background()
	ch, err := f.payer.RequireOpenChannel(ctx, f.sender, f.receiver, big.NewInt(increment))
	require.NoError(t, err)
	p, err := f.payer.NextPayment(ctx, ch.ID, big.NewInt(increment), meta)
	require.NoError(t, err)
	return p
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	terms, err := f.client.DoPreflight(ctx, f.server.URL+"/articles/1")
	require.NoError(t, err)
	assert.Equal(t, f.receiver, terms.Receiver)
	assert.True(t, terms.Price.Equals(big.NewInt(100)))
	assert.Equal(t, f.terms.Gateway, terms.Gateway)
	assert.Equal(t, mock.ContractID, terms.Contract)
	assert.Equal(t, "articles", terms.Meta)

	fromHeaders, err := f.client.DoPreflight(ctx, f.server.URL+"/headers")
	require.NoError(t, err)
	assert.Equal(t, f.receiver, fromHeaders.Receiver)
	assert.True(t, fromHeaders.Price.Equals(big.NewInt(100)))

	_, err = f.client.DoPreflight(ctx, f.server.URL+"/free")
	assert.ErrorIs(t, err, common.ErrPreflight)

	_, err = f.client.DoPreflight(ctx, f.server.URL+"/broken")
	assert.ErrorIs(t, err, common.ErrPreflight)
	assert.ErrorIs(t, err, common.ErrMalformedTerms)

	_, err = f.client.DoPreflight(ctx, "http://127.0.0.1:0/nowhere")
	assert.ErrorIs(t, err, common.ErrPreflight)
}

func TestPaymentAndVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.mint(t, 100, "articles")
	token, err := f.client.DoPayment(ctx, p, f.terms.Gateway, "article 1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	res, err := f.client.DoVerify(ctx, f.terms.Gateway, token)
	require.NoError(t, err)
	assert.True(t, res.Status)
	require.NotNil(t, res.Payment)
	assert.True(t, res.Payment.Value.Equals(big.NewInt(100)))
	assert.Equal(t, p.ChannelID, res.Payment.ChannelID)

	res, err = f.client.DoVerify(ctx, f.terms.Gateway, "unknown")
	require.NoError(t, err)
	assert.False(t, res.Status)

	for name, set := range map[string]func(r *http.Request){
		"authorization": func(r *http.Request) { r.Header.Set("Authorization", "Paywall "+token) },
		"header":        func(r *http.Request) { r.Header.Set(negotiation.TokenHeader, token) },
		"query": func(r *http.Request) {
			q := r.URL.Query()
			q.Set(negotiation.TokenQuery, token)
			r.URL.RawQuery = q.Encode()
		},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/articles/7", nil)
			set(req)
			assert.Equal(t, token, negotiation.TokenFromRequest(req))
		})
	}

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/articles/7", nil)
	require.NoError(t, err)
	req.Header.Set(negotiation.TokenHeader, token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Set(negotiation.TokenHeader, "forged")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, f.receiver.String(), resp.Header.Get(common.HeaderReceiver))
}

func TestPaywallChecksMeta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.mint(t, 100, "videos")
	token, err := f.client.DoPayment(ctx, p, f.terms.Gateway, "")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/articles/7", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Paywall "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestPaywallChecksPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.mint(t, 1, "articles")
	token, err := f.client.DoPayment(ctx, p, f.terms.Gateway, "")
	require.NoError(t, err)

	res, err := f.payee.Verify(ctx, token)
	require.NoError(t, err)
	require.True(t, res.Status)
	assert.True(t, res.Payment.Increment.Equals(big.NewInt(1)))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/articles/7", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Paywall "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestIncrementAssignedByPayee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.mint(t, 1, "articles")
	p.Increment = big.NewInt(100)
	_, err := f.payee.AcceptPayment(ctx, acceptRequest(t, p))
	assert.ErrorIs(t, err, common.ErrMalformedPayment)
}

func acceptRequest(t *testing.T, p *common.Payment) []byte {
	data, err := p.Bytes()
	require.NoError(t, err)
	return []byte(`{"payment":` + string(data) + `}`)
}

// failingStore fails the next failures saves.
type failingStore struct {
	negotiation.PaymentStore
	failures int
}

func (s *failingStore) SavePayment(ctx context.Context, p *common.Payment) error {
	if s.failures > 0 {
		s.failures--
		return xerrors.New("disk full")
	}
	return s.PaymentStore.SavePayment(ctx, p)
}

func TestAcceptRetriedAfterSaveFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	store := &failingStore{PaymentStore: openStore(t), failures: 1}
	payee, err := negotiation.NewPayee(negotiation.PayeeConfig{Channels: f.channels, Store: store, Signer: f.keys})
	require.NoError(t, err)

	p := f.mint(t, 100, "articles")
	_, err = payee.AcceptPayment(ctx, acceptRequest(t, p))
	require.Error(t, err)

	out, err := payee.AcceptPayment(ctx, acceptRequest(t, p))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Token)

	res, err := payee.Verify(ctx, out.Token)
	require.NoError(t, err)
	require.True(t, res.Status)
	assert.True(t, res.Payment.Increment.Equals(big.NewInt(100)))

	_, err = payee.AcceptPayment(ctx, acceptRequest(t, p))
	assert.ErrorIs(t, err, common.ErrStalePayment)

	_, err = f.payer.SpendChannel(ctx, p)
	require.NoError(t, err)

	next := f.mint(t, 100, "articles")
	assert.True(t, next.Value.Equals(big.NewInt(200)))
	out, err = payee.AcceptPayment(ctx, acceptRequest(t, next))
	require.NoError(t, err)

	res, err = payee.Verify(ctx, out.Token)
	require.NoError(t, err)
	assert.True(t, res.Payment.Increment.Equals(big.NewInt(100)))
}

func TestAcceptRetryMustMatchRecordedPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	store := &failingStore{PaymentStore: openStore(t), failures: 1}
	payee, err := negotiation.NewPayee(negotiation.PayeeConfig{Channels: f.channels, Store: store, Signer: f.keys})
	require.NoError(t, err)

	p := f.mint(t, 100, "articles")
	_, err = payee.AcceptPayment(ctx, acceptRequest(t, p))
	require.Error(t, err)

	// same value, different payment
	other := f.mint(t, 100, "videos")
	_, err = payee.AcceptPayment(ctx, acceptRequest(t, other))
	assert.ErrorIs(t, err, common.ErrStalePayment)
}

func TestPreflightOutlivesCanceledCaller(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		f.terms.WriteHeaders(w.Header())
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	t.Cleanup(slow.Close)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.client.DoPreflight(first, slow.URL+"/report")
		firstErr <- err
	}()
	<-entered

	type result struct {
		terms *common.PaymentTerms
		err   error
	}
	second := make(chan result, 1)
	go func() {
		terms, err := f.client.DoPreflight(context.Background(), slow.URL+"/report")
		second <- result{terms, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, common.ErrPreflight)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled preflight did not return")
	}

	close(release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, f.receiver, res.terms.Receiver)
	case <-time.After(5 * time.Second):
		t.Fatal("shared preflight did not return")
	}
}

func TestStalePaymentRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.mint(t, 100, "")
	_, err := f.client.DoPayment(ctx, p, f.terms.Gateway, "")
	require.NoError(t, err)

	_, err = f.client.DoPayment(ctx, p, f.terms.Gateway, "")
	assert.ErrorIs(t, err, common.ErrPaymentRejected)
	assert.ErrorIs(t, err, common.ErrStalePayment)
}

func TestTamperedPaymentRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.mint(t, 100, "")
	p.Value = big.NewInt(999)

	_, err := f.client.DoPayment(ctx, p, f.terms.Gateway, "")
	assert.ErrorIs(t, err, common.ErrPaymentRejected)
	assert.ErrorIs(t, err, common.ErrInvalidSignature)

	_, err = f.client.DoPayment(ctx, p, "", "")
	assert.ErrorIs(t, err, common.ErrMissingGateway)
}

func TestMalformedAcceptRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for name, body := range map[string]string{
		"unknown field":   `{"payment": {}, "extra": true}`,
		"missing payment": `{"purchaseMeta": "x"}`,
		"not json":        `payment please`,
		"bad payment":     `{"payment": {"version": 1, "channelId": "nope"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.payee.AcceptPayment(ctx, []byte(body))
			assert.ErrorIs(t, err, common.ErrMalformedPayment)
		})
	}

	resp, err := http.Post(f.terms.Gateway+negotiation.AcceptPath, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type countingAcceptor struct {
	calls int
}

func (c *countingAcceptor) AcceptPayment(ctx context.Context, p *common.Payment) (*common.PaymentChannel, error) {
	c.calls++
	return &common.PaymentChannel{ID: p.ChannelID, Spent: p.Value, Value: p.ChannelValue}, nil
}

func TestPayeeFreshnessIndependentOfChannels(t *testing.T) {
	ctx := context.Background()

	keys := wallet.NewKeyStore()
	sender, err := keys.Generate()
	require.NoError(t, err)
	receiver, err := keys.Generate()
	require.NoError(t, err)
	escrowAddr, err := address.NewIDAddress(1001)
	require.NoError(t, err)

	id, err := common.NewChannelID(sender, receiver, 1)
	require.NoError(t, err)

	sign := func(value int64) *common.Payment {
		p := &common.Payment{
			ChannelID:    id,
			Channel:      escrowAddr,
			Sender:       sender,
			Receiver:     receiver,
			ChannelValue: big.NewInt(1000),
			Value:        big.NewInt(value),
		}
		require.NoError(t, wallet.SignPayment(ctx, keys, p))
		return p
	}

	store := openStore(t)
	require.NoError(t, store.SavePayment(ctx, sign(500).Accepted("earlier", big.NewInt(500))))

	acceptor := &countingAcceptor{}
	payee, err := negotiation.NewPayee(negotiation.PayeeConfig{Channels: acceptor, Store: store, Signer: keys})
	require.NoError(t, err)

	raw := func(p *common.Payment) []byte {
		data, err := p.Bytes()
		require.NoError(t, err)
		return []byte(`{"payment":` + string(data) + `}`)
	}

	_, err = payee.AcceptPayment(ctx, raw(sign(300)))
	assert.ErrorIs(t, err, common.ErrStalePayment)
	assert.Zero(t, acceptor.calls)

	_, err = payee.AcceptPayment(ctx, raw(sign(1500)))
	assert.ErrorIs(t, err, common.ErrInsufficientChannelValue)

	out, err := payee.AcceptPayment(ctx, raw(sign(600)))
	require.NoError(t, err)
	assert.Equal(t, 1, acceptor.calls)

	res, err := payee.AcceptVerify(ctx, []byte(`{"token":"`+out.Token+`"}`))
	require.NoError(t, err)
	assert.True(t, res.Status)

	_, err = payee.AcceptVerify(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, common.ErrInvalidParameters)

	stranger := wallet.NewKeyStore()
	other, err := negotiation.NewPayee(negotiation.PayeeConfig{Channels: acceptor, Store: openStore(t), Signer: stranger})
	require.NoError(t, err)
	_, err = other.AcceptPayment(ctx, raw(sign(700)))
	assert.ErrorIs(t, err, common.ErrNotParticipant)
}
