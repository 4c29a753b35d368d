package dflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// orderResponse is the body of GET /order.
type orderResponse struct {
	Transaction   string `json:"transaction"`
	ExecutionMode string `json:"executionMode"`
	Quote         struct {
		InputAmount  amount `json:"inputAmount"`
		OutputAmount amount `json:"outputAmount"`
		Price        string `json:"price"`
	} `json:"quote"`
}

// orderStatusResponse is the body of GET /order-status.
type orderStatusResponse struct {
	Status             string `json:"status"`
	FilledOutputAmount amount `json:"filledOutputAmount"`
	Fills              []struct {
		OutputAmount amount `json:"outputAmount"`
	} `json:"fills"`
}

// marketResponse is the body of GET /api/v1/market/{ticker}.
type marketResponse struct {
	Market struct {
		Ticker   string `json:"ticker"`
		Title    string `json:"title"`
		Status   string `json:"status"`
		Accounts struct {
			YesMint string `json:"yesMint"`
			NoMint  string `json:"noMint"`
		} `json:"accounts"`
	} `json:"market"`
}

// errorResponse covers the error bodies the venue returns.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func (e errorResponse) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	default:
		return e.Msg
	}
}

// amount is a smallest-unit quantity that the venue encodes either as a JSON
// string or as a number.
type amount uint64

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("dflow: parse amount %q: %w", b, err)
	}
	*a = amount(v)
	return nil
}

var _ json.Unmarshaler = (*amount)(nil)
