package mpesa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrGateway  = errors.New("mpesa: gateway error")
	ErrRejected = errors.New("mpesa: push rejected")
)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

type PushRequest struct {
	OrderID string
	Phone   string
	Amount  decimal.Decimal
	Desc    string
}

type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client talks to the Daraja API. Tokens are cached until shortly before
// expiry and concurrent refreshes collapse into one request.
type Client struct {
	cfg  Config
	http *resty.Client
	cb   *gobreaker.CircuitBreaker[*PushResponse]
	log  *zap.Logger
	now  func() time.Time

	sf      singleflight.Group
	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.Timeout),
		log:  log,
		now:  time.Now,
	}
	c.cb = gobreaker.NewCircuitBreaker[*PushResponse](gobreaker.Settings{
		Name:        "mpesa-stk",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// a rejected push means the gateway is healthy
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state change", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// AccessToken returns a cached OAuth token, fetching a new one when stale.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expires) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	// the fetch is shared, so it must not die with whichever caller started it
	ch := c.sf.DoChan("token", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		var out tokenResponse
		resp, err := c.http.R().
			SetContext(fctx).
			SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
			SetQueryParam("grant_type", "client_credentials").
			SetResult(&out).
			Get("/oauth/v1/generate")
		if err != nil {
			return "", fmt.Errorf("%w: token: %v", ErrGateway, err)
		}
		if resp.IsError() || out.AccessToken == "" {
			return "", fmt.Errorf("%w: token: status %d", ErrGateway, resp.StatusCode())
		}

		ttl := 3599 * time.Second
		if secs, err := time.ParseDuration(out.ExpiresIn + "s"); err == nil && secs > 0 {
			ttl = secs
		}
		c.mu.Lock()
		c.token = out.AccessToken
		c.expires = c.now().Add(ttl - time.Minute)
		c.mu.Unlock()
		return out.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Initiate sends an STK push. The returned CheckoutRequestID is what the
// callback will carry.
func (c *Client) Initiate(ctx context.Context, req PushRequest) (*PushResponse, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	amount := req.Amount.Round(0).IntPart()
	if amount < 1 {
		return nil, fmt.Errorf("%w: amount %s below minimum", ErrRejected, req.Amount)
	}

	return c.cb.Execute(func() (*PushResponse, error) {
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		ts := Timestamp(c.now())
		desc := req.Desc
		if desc == "" {
			desc = "Payment for order " + req.OrderID
		}
		body := stkPayload{
			BusinessShortCode: c.cfg.Shortcode,
			Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
			Timestamp:         ts,
			TransactionType:   "CustomerPayBillOnline",
			Amount:            amount,
			PartyA:            phone,
			PartyB:            c.cfg.Shortcode,
			PhoneNumber:       phone,
			CallBackURL:       c.cfg.CallbackURL,
			AccountReference:  req.OrderID,
			TransactionDesc:   desc,
		}

		var out PushResponse
		var apiErr apiError
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(tok).
			SetBody(body).
			SetResult(&out).
			SetError(&apiErr).
			Post("/mpesa/stkpush/v1/processrequest")
		if err != nil {
			return nil, fmt.Errorf("%w: stk push: %v", ErrGateway, err)
		}
		if resp.StatusCode() == 401 {
			c.invalidateToken()
		}
		if resp.StatusCode() >= 500 || resp.StatusCode() == 401 {
			return nil, fmt.Errorf("%w: stk push: status %d %s", ErrGateway, resp.StatusCode(), apiErr.ErrorMessage)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: %s %s", ErrRejected, apiErr.ErrorCode, apiErr.ErrorMessage)
		}
		if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
			return nil, fmt.Errorf("%w: response %s %s", ErrRejected, out.ResponseCode, out.ResponseDescription)
		}
		c.log.Info("stk push accepted",
			zap.String("order_id", req.OrderID),
			zap.String("checkout_request_id", out.CheckoutRequestID))
		return &out, nil
	})
}
