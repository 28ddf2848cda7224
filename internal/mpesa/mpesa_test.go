package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
		err      bool
	}{
		{in: "0712345678", want: "254712345678"},
		{in: "+254712345678", want: "254712345678"},
		{in: "254112345678", want: "254112345678"},
		{in: "712 345 678", want: "254712345678"},
		{in: "0812345678", err: true},
		{in: "07123", err: true},
		{in: "07123456ab", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		if tc.err {
			assert.ErrorIs(t, err, ErrInvalidPhone, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestPassword(t *testing.T) {
	ts := Timestamp(time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC))
	assert.Equal(t, "20240309070501", ts)

	raw, err := base64.StdEncoding.DecodeString(Password("174379", "key", ts))
	require.NoError(t, err)
	assert.Equal(t, "174379key20240309070501", string(raw))
}

func TestParseCallback(t *testing.T) {
	ok := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":650},{"Name":"MpesaReceiptNumber","Value":"QKJ123"}]}}}}`)
	cb, err := ParseCallback(ok)
	require.NoError(t, err)
	assert.True(t, cb.Success())
	assert.Equal(t, "ws_CO_1", cb.CheckoutRequestID)
	assert.Equal(t, "QKJ123", cb.Receipt())

	failed := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"cancelled by user"}}}`)
	cb, err = ParseCallback(failed)
	require.NoError(t, err)
	assert.False(t, cb.Success())
	assert.Equal(t, 1032, cb.ResultCode)
	assert.Empty(t, cb.Receipt())

	for _, bad := range []string{`not json`, `{}`, `{"Body":{"stkCallback":{"ResultCode":0}}}`} {
		_, err := ParseCallback([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformedCallback, bad)
	}
}

type fakeDaraja struct {
	tokenCalls atomic.Int32
	// tokenGate, when set, holds token responses until closed
	tokenGate    chan struct{}
	tokenStarted chan struct{}
	pushStatus   int
	pushBody     string
	mu           sync.Mutex
	lastPush     stkPayload
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ck", user)
		assert.Equal(t, "cs", pass)
		assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))
		f.tokenCalls.Add(1)
		if f.tokenGate != nil {
			select {
			case f.tokenStarted <- struct{}{}:
			default:
			}
			<-f.tokenGate
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var p stkPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		f.mu.Lock()
		f.lastPush = p
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if f.pushStatus != 0 {
			w.WriteHeader(f.pushStatus)
		}
		_, _ = w.Write([]byte(f.pushBody))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeDaraja) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL: srv.URL, ConsumerKey: "ck", ConsumerSecret: "cs",
		Shortcode: "174379", Passkey: "pk", CallbackURL: "https://shop.example.com/api/mpesa/callback",
		Timeout: 2 * time.Second,
	}, nil)
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func TestAccessToken_CachedAndShared(t *testing.T) {
	f := &fakeDaraja{}
	c := newTestClient(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()

	_, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, f.tokenCalls.Load(), int32(8))
	before := f.tokenCalls.Load()
	_, _ = c.AccessToken(context.Background())
	assert.Equal(t, before, f.tokenCalls.Load(), "cached token reused")
}

func TestAccessToken_FetchOutlivesCancelledCaller(t *testing.T) {
	f := &fakeDaraja{tokenGate: make(chan struct{}), tokenStarted: make(chan struct{}, 1)}
	c := newTestClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.AccessToken(ctx)
		errc <- err
	}()
	<-f.tokenStarted
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(f.tokenGate)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.token == "tok-1"
	}, time.Second, 10*time.Millisecond, "shared fetch completes for later callers")

	tok, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestInitiate_Success(t *testing.T) {
	f := &fakeDaraja{pushBody: `{"MerchantRequestID":"m-9","CheckoutRequestID":"ws_CO_9","ResponseCode":"0","ResponseDescription":"Success"}`}
	c := newTestClient(t, f)

	resp, err := c.Initiate(context.Background(), PushRequest{OrderID: "ord-1", Phone: "0712345678", Amount: decimal.RequireFromString("649.6")})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_9", resp.CheckoutRequestID)

	p := f.lastPush
	assert.Equal(t, int64(650), p.Amount)
	assert.Equal(t, "254712345678", p.PhoneNumber)
	assert.Equal(t, "254712345678", p.PartyA)
	assert.Equal(t, "174379", p.PartyB)
	assert.Equal(t, "20240102030405", p.Timestamp)
	assert.Equal(t, Password("174379", "pk", "20240102030405"), p.Password)
	assert.Equal(t, "CustomerPayBillOnline", p.TransactionType)
	assert.Equal(t, "ord-1", p.AccountReference)
}

func TestInitiate_Failures(t *testing.T) {
	ctx := context.Background()

	f := &fakeDaraja{pushStatus: http.StatusBadRequest, pushBody: `{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`}
	_, err := newTestClient(t, f).Initiate(ctx, PushRequest{OrderID: "o", Phone: "0712345678", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrRejected)

	f = &fakeDaraja{pushStatus: http.StatusServiceUnavailable, pushBody: `{}`}
	_, err = newTestClient(t, f).Initiate(ctx, PushRequest{OrderID: "o", Phone: "0712345678", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrGateway)

	f = &fakeDaraja{pushBody: `{"ResponseCode":"1","ResponseDescription":"nope"}`}
	_, err = newTestClient(t, f).Initiate(ctx, PushRequest{OrderID: "o", Phone: "0712345678", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = newTestClient(t, &fakeDaraja{}).Initiate(ctx, PushRequest{OrderID: "o", Phone: "12", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrInvalidPhone)
}
