package negotiation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
)

// Gateway serves the payee's accept and verify endpoints.
type Gateway struct {
	Payee *Payee
	// Base is the gin group the endpoints are registered on.
	Base gin.IRoutes
}

func (g *Gateway) Register() {
	g.Base.POST(AcceptPath, g.accept)
	g.Base.POST(VerifyPath, g.verify)
}

func statusOf(err error) int {
	switch {
	case xerrors.Is(err, common.ErrMalformedPayment), xerrors.Is(err, common.ErrInvalidParameters):
		return http.StatusBadRequest
	case xerrors.Is(err, common.ErrStalePayment):
		return http.StatusConflict
	case xerrors.Is(err, common.ErrChainSubmission):
		return http.StatusBadGateway
	case Reason(err) != "internal":
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func abort(ctx *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorw("gateway request failed", "path", ctx.FullPath(), "err", err)
		msg = http.StatusText(status)
	}
	ctx.AbortWithStatusJSON(status, &ErrorResponse{Error: msg, Reason: Reason(err)})
}

func (g *Gateway) accept(ctx *gin.Context) {
	raw, err := ctx.GetRawData()
	if err != nil {
		abort(ctx, common.WithKind(common.ErrMalformedPayment, err))
		return
	}

	out, err := g.Payee.AcceptPayment(ctx.Request.Context(), raw)
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, out)
}

func (g *Gateway) verify(ctx *gin.Context) {
	raw, err := ctx.GetRawData()
	if err != nil {
		abort(ctx, common.Invalidf("read body: %w", err))
		return
	}

	out, err := g.Payee.AcceptVerify(ctx.Request.Context(), raw)
	if err != nil {
		abort(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, out)
}

const (
	TokenHeader = "X-Payment-Token"
	TokenQuery  = "payment_token"
	authScheme  = "Paywall "
)

// TokenFromRequest reads a payment token from the Authorization header
// ("Paywall <token>"), the X-Payment-Token header or the payment_token query
// parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, authScheme) {
		return strings.TrimSpace(strings.TrimPrefix(auth, authScheme))
	}
	if token := r.Header.Get(TokenHeader); token != "" {
		return token
	}
	return r.URL.Query().Get(TokenQuery)
}

// Paywall admits requests carrying a token for a payment of at least
// terms.Price made to terms.Receiver (and tagged with terms.Meta when set).
// Everyone else gets a 402 with the terms.
func Paywall(payee *Payee, terms common.PaymentTerms) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if token := TokenFromRequest(ctx.Request); token != "" {
			res, err := payee.Verify(ctx.Request.Context(), token)
			if err != nil {
				abort(ctx, err)
				return
			}
			if res.Status && admits(&terms, res.Payment) {
				ctx.Set(TokenHeader, token)
				ctx.Next()
				return
			}
			log.Debugw("paywall token refused", "path", ctx.FullPath(), "token", token)
		}

		terms.WriteHeaders(ctx.Writer.Header())
		ctx.AbortWithStatusJSON(http.StatusPaymentRequired, &terms)
	}
}

func admits(terms *common.PaymentTerms, p *common.Payment) bool {
	if p == nil || p.Receiver != terms.Receiver {
		return false
	}
	if p.Increment.Int == nil || p.Increment.LessThan(terms.Price) {
		return false
	}
	return terms.Meta == "" || p.Meta == terms.Meta
}
