// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"
)

// UpstreamClient talks to the backing full node, both its REST surface
// (chain info, blocks, transactions, sendmany) and its JSON-RPC surface
// (getblocktemplate, submitblock), the way the source's ask.py module does.
type UpstreamClient struct {
	baseURL string
	user    string
	pass    string
	http    *http.Client
}

// NewUpstreamClient builds a client against baseURL, authenticating
// JSON-RPC calls with user/pass.
func NewUpstreamClient(baseURL, user, pass string) *UpstreamClient {
	return &UpstreamClient{
		baseURL: baseURL,
		user:    user,
		pass:    pass,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// rpcRequest is the JSON-RPC 1.0 envelope the upstream node expects.
type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     interface{}   `json:"id"`
}

// rpcResponse is the JSON-RPC 1.0 response envelope.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  interface{}     `json:"error"`
	ID     interface{}     `json:"id"`
}

// Get issues a GET against baseURL+method with query params, decoding the
// JSON body into out. A non-200 status is reported as ErrUpstreamTransient,
// mirroring ask_get's ConnectionError.
func (c *UpstreamClient) Get(ctx context.Context, method string, params map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+method, nil)
	if err != nil {
		return wrapf(ErrFatal, "unable to build request: %v", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapf(ErrUpstreamTransient, "REST GET method=%s error=%v", method, err)
	}
	defer resp.Body.Close()

	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return wrapf(ErrUpstreamTransient, "REST GET method=%s error=%s", method, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return wrapf(ErrUpstreamTransient, "REST GET method=%s decode error=%v", method, err)
		}
	}
	log.Debugf("REST GET method=%s params=%v success", method, params)
	return nil
}

// Post issues a POST of payload against baseURL+method, decoding the JSON
// body into out.
func (c *UpstreamClient) Post(ctx context.Context, method string, payload interface{}, out interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return wrapf(ErrFatal, "unable to encode payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(buf))
	if err != nil {
		return wrapf(ErrFatal, "unable to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapf(ErrUpstreamTransient, "REST POST method=%s error=%v", method, err)
	}
	defer resp.Body.Close()

	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return wrapf(ErrUpstreamTransient, "REST POST method=%s error=%s", method, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return wrapf(ErrUpstreamTransient, "REST POST method=%s decode error=%v", method, err)
		}
	}
	log.Debugf("REST POST method=%s success", method)
	return nil
}

// RPC issues a JSON-RPC 1.0 call against the node's RPC endpoint, using
// HTTP basic auth, and returns the decoded result field.
func (c *UpstreamClient) RPC(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: nil})
	if err != nil {
		return wrapf(ErrFatal, "unable to encode rpc request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return wrapf(ErrFatal, "unable to build rpc request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapf(ErrUpstreamTransient, "JSON-RPC method=%s error=%v", method, err)
	}
	defer resp.Body.Close()

	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return wrapf(ErrUpstreamTransient, "JSON-RPC method=%s error=%s", method, string(body))
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return wrapf(ErrUpstreamTransient, "JSON-RPC method=%s decode error=%v", method, err)
	}
	if rr.Error != nil {
		return wrapf(ErrUpstreamTransient, "JSON-RPC method=%s rpc error=%v", method, rr.Error)
	}
	if result != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return wrapf(ErrUpstreamTransient, "JSON-RPC method=%s result decode error=%v", method, err)
		}
	}
	log.Debugf("JSON-RPC method=%s params=%v success", method, params)
	return nil
}

// BlockTemplate is the subset of getblocktemplate's response the job
// builder needs.
type BlockTemplate struct {
	Version       int32        `json:"version"`
	PreviousHash  string       `json:"previousblockhash"`
	Transactions  []TemplateTx `json:"transactions"`
	CoinbaseTxn   CoinbaseTxn  `json:"coinbasetxn"`
	CoinbaseValue int64        `json:"coinbasevalue"`
	Target        string       `json:"target"`
	Bits          string       `json:"bits"`
	Height        int64        `json:"height"`
	CurTime       int64        `json:"curtime"`
	Mutable       []string     `json:"mutable"`
}

// TemplateTx is one non-coinbase transaction offered by the block template.
type TemplateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
	Fee  int64  `json:"fee"`
}

// CoinbaseTxn carries the node-supplied, ready-to-split coinbase
// transaction from the template's "coinbasetxn" field. GetBlockTemplate's
// params carry only the rules list; no capabilities are requested.
type CoinbaseTxn struct {
	Data string `json:"data"`
}

// GetBlockTemplate fetches a fresh block template, the trigger for
// add_new_job's force_renew branch.
func (c *UpstreamClient) GetBlockTemplate(ctx context.Context, rules []string) (*BlockTemplate, error) {
	var tmpl BlockTemplate
	params := []interface{}{map[string]interface{}{"rules": rules}}
	if err := c.RPC(ctx, "getblocktemplate", params, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// SubmitBlock submits a fully assembled block (hex-encoded) to the node.
func (c *UpstreamClient) SubmitBlock(ctx context.Context, blockHex string) error {
	var result interface{}
	if err := c.RPC(ctx, "submitblock", []interface{}{blockHex}, &result); err != nil {
		return err
	}
	if result != nil {
		return wrapf(ErrUpstreamTransient, "submitblock rejected: %v", result)
	}
	return nil
}

// ChainInfo is the subset of getchaininfo's response the payout scheduler
// needs: the current best block height.
type ChainInfo struct {
	Best struct {
		Height int64 `json:"height"`
	} `json:"best"`
}

// GetChainInfo fetches the upstream node's current best chain height
// (REST GET /public/getchaininfo).
func (c *UpstreamClient) GetChainInfo(ctx context.Context) (*ChainInfo, error) {
	var info ChainInfo
	if err := c.Get(ctx, "/public/getchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// TxOutput decodes one `[address, coin_id, amount]` triplet as emitted by
// the upstream node's block/transaction JSON.
type TxOutput struct {
	Address string
	CoinID  int64
	Amount  int64
}

// UnmarshalJSON decodes a TxOutput from its 3-element array wire form.
func (o *TxOutput) UnmarshalJSON(data []byte) error {
	var raw [3]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	addr, _ := raw[0].(string)
	o.Address = addr
	if f, ok := raw[1].(float64); ok {
		o.CoinID = int64(f)
	}
	if f, ok := raw[2].(float64); ok {
		o.Amount = int64(f)
	}
	return nil
}

// MarshalJSON encodes a TxOutput back to its 3-element array wire form, the
// shape /private/sendmany expects for each payout pair.
func (o TxOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{o.Address, o.CoinID, o.Amount})
}

// BlockTx is one transaction inside a getblockbyhash/getblockbyheight
// response (with txinfo=true), carrying its outputs; the payout scheduler
// reads the block reward from the first one.
type BlockTx struct {
	Outputs []TxOutput `json:"outputs"`
}

// BlockDetail is the subset of getblockbyhash/getblockbyheight's response
// the payout scheduler needs.
type BlockDetail struct {
	Height int64     `json:"height"`
	Orphan bool      `json:"f_orphan"`
	Txs    []BlockTx `json:"txs"`
}

// GetBlockByHash fetches block details by hash with transaction info
// (REST GET /public/getblockbyhash?hash&txinfo=true).
func (c *UpstreamClient) GetBlockByHash(ctx context.Context, hashHex string) (*BlockDetail, error) {
	var b BlockDetail
	params := map[string]string{"hash": hashHex, "txinfo": "true"}
	if err := c.Get(ctx, "/public/getblockbyhash", params, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlockByHeight fetches block details by height with transaction info
// (REST GET /public/getblockbyheight?height&txinfo=true).
func (c *UpstreamClient) GetBlockByHeight(ctx context.Context, height int64) (*BlockDetail, error) {
	var b BlockDetail
	params := map[string]string{"height": fmt.Sprintf("%d", height), "txinfo": "true"}
	if err := c.Get(ctx, "/public/getblockbyheight", params, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// TxDetail is the subset of gettxbyhash's response needed to confirm a
// transaction outside the block-reward accounting path.
type TxDetail struct {
	Hash        string     `json:"hash"`
	Outputs     []TxOutput `json:"outputs"`
	Confirmed   bool       `json:"f_confirmed"`
	BlockHeight int64      `json:"height"`
}

// GetTxByHash fetches a transaction by hash
// (REST GET /public/gettxbyhash?hash).
func (c *UpstreamClient) GetTxByHash(ctx context.Context, hashHex string) (*TxDetail, error) {
	var tx TxDetail
	if err := c.Get(ctx, "/public/gettxbyhash", map[string]string{"hash": hashHex}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// sendManyResult is /private/sendmany's response envelope.
type sendManyResult struct {
	Hash string `json:"hash"`
}

// SendMany posts a batched payout to the upstream node
// (REST POST /private/sendmany {pairs: [[address,coin_id,amount],...]}),
// returning the resulting transaction hash hex.
func (c *UpstreamClient) SendMany(ctx context.Context, pairs []TxOutput) (string, error) {
	var result sendManyResult
	payload := map[string]interface{}{"pairs": pairs}
	if err := c.Post(ctx, "/private/sendmany", payload, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

