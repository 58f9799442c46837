// Package nodeclient is a JSON-RPC 2.0 client for the upstream Bitcoin-family
// full node klingdex treats as its sole source of chain and mempool truth.
// klingdex never does consensus itself; every fact here is taken from the
// node as given.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klingontech/klingdex/internal/xerrors"
)

// Client is a JSON-RPC 2.0 HTTP client for a bitcoind-compatible node.
type Client struct {
	endpoint string
	user     string
	pass     string
	http     *http.Client
}

// New creates a client targeting addr (host:port, no scheme) with the
// given basic-auth credentials and call timeout.
func New(addr, user, pass string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: "http://" + addr,
		user:     user,
		pass:     pass,
		http:     &http.Client{Timeout: timeout},
	}
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when the node accepts the request but reports an
// application-level error (e.g. "transaction already in block chain").
// It is distinct from a transport failure, which is classified Unavailable.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method with params and unmarshals the result into result
// (which may be nil to discard it). Any transport-level failure (dial
// refused, timeout, non-2xx with unparseable body) is wrapped in
// xerrors.Unavailable, since it signals the upstream node is the problem,
// not the request.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal node rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build node rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.Unavailable, "node rpc %s: %v", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(xerrors.Unavailable, "node rpc %s: reading response: %v", method, err)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return xerrors.Wrap(xerrors.Unavailable, "node rpc %s: decoding response: %v", method, err)
	}

	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("node rpc %s: decoding result: %w", method, err)
		}
	}
	return nil
}
