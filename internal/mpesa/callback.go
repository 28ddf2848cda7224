package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedCallback = errors.New("mpesa: malformed callback")

type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Items             map[string]any
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a Daraja STK result notification.
func ParseCallback(payload []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := env.Body.StkCallback
	if stk == nil || stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing stkCallback.CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := stk.ResultCode.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: ResultCode %q", ErrMalformedCallback, stk.ResultCode)
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        int(code),
		ResultDesc:        stk.ResultDesc,
		Items:             map[string]any{},
	}
	if stk.CallbackMetadata != nil {
		for _, it := range stk.CallbackMetadata.Item {
			cb.Items[it.Name] = it.Value
		}
	}
	return cb, nil
}

func (c *Callback) Success() bool { return c.ResultCode == 0 }

// Receipt returns the MpesaReceiptNumber item, or "" when absent.
func (c *Callback) Receipt() string {
	v, ok := c.Items["MpesaReceiptNumber"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
