// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/hex"
	"encoding/json"
)

// Stratum method names exchanged over a session.
const (
	MethodSubscribe            = "mining.subscribe"
	MethodAuthorize            = "mining.authorize"
	MethodSubmit               = "mining.submit"
	MethodExtranonceSubscribe  = "mining.extranonce.subscribe"
	MethodGetTransactions      = "mining.get_transactions"
	MethodSuggestDifficulty    = "mining.suggest_difficulty"
	MethodSuggestTarget        = "mining.suggest_target"
	MethodNotify               = "mining.notify"
	MethodSetDifficulty        = "mining.set_difficulty"
	MethodClientReconnect      = "client.reconnect"
	MethodClientShowMessage    = "client.show_message"
)

// StratumError codes, following the numeric taxonomy the source assigns
// to each failure class.
var (
	ErrCodeOther              = [2]interface{}{20, "Other/Unknown"}
	ErrCodeJobNotFound        = [2]interface{}{21, "Job not found"}
	ErrCodeDuplicateShare     = [2]interface{}{22, "Duplicate share"}
	ErrCodeLowDifficultyShare = [2]interface{}{23, "Low difficulty share"}
	ErrCodeUnauthorizedWorker = [2]interface{}{24, "Unauthorized worker"}
	ErrCodeNotSubscribed      = [2]interface{}{25, "Not subscribed"}
)

// Request is a client-to-server or server-to-client (notification) frame.
// ID is nil for notifications, matching the JSON-RPC-over-newlines wire
// format every Stratum session speaks.
type Request struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a server-to-client reply to a Request with a non-nil ID.
type Response struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Message is the common interface implemented by Request and Response so
// the session's send loop can treat both uniformly.
type Message interface {
	MessageType() int
}

// Message type discriminants.
const (
	RequestMessageType = iota
	ResponseMessageType
)

// MessageType satisfies Message.
func (r *Request) MessageType() int { return RequestMessageType }

// MessageType satisfies Message.
func (r *Response) MessageType() int { return ResponseMessageType }

// IdentifyMessage inspects a raw newline-delimited JSON frame and decodes
// it as either a Request or a Response, the way the teacher's client.go
// dispatches inbound bytes before handing them to the session state
// machine.
func IdentifyMessage(data []byte) (Message, int, error) {
	var probe struct {
		ID     *uint64         `json:"id"`
		Method *string         `json:"method"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, 0, wrapf(ErrProtocolViolation, "malformed json frame: %v", err)
	}
	if probe.Method != nil {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, 0, wrapf(ErrProtocolViolation, "malformed request frame: %v", err)
		}
		return &req, RequestMessageType, nil
	}
	if probe.Result != nil || probe.ID != nil {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, 0, wrapf(ErrProtocolViolation, "malformed response frame: %v", err)
		}
		return &resp, ResponseMessageType, nil
	}
	return nil, 0, wrapf(ErrProtocolViolation, "unrecognized frame shape")
}

// SuccessResponse builds a successful JSON-RPC reply.
func SuccessResponse(id uint64, result interface{}) *Response {
	return &Response{ID: id, Result: result, Error: nil}
}

// FailureResponse builds a failed JSON-RPC reply carrying a
// (code, message, traceback) triple, the shape the source's
// response_failed sends.
func FailureResponse(id uint64, code [2]interface{}) *Response {
	return &Response{ID: id, Result: nil, Error: []interface{}{code[0], code[1], nil}}
}

// notification builds a server-initiated Request with a nil id.
func notification(method string, params interface{}) *Request {
	raw, _ := json.Marshal(params)
	return &Request{ID: nil, Method: method, Params: raw}
}

// NotifyNotification builds a mining.notify frame. coinb1/coinb2 and the
// merkle branch are hex strings, matching the wire encoding the source
// sends over the socket.
func NotifyNotification(jobID string, prevHashLE string, coinb1, coinb2 string, merkleBranch []string, version, nBits, nTime string, cleanJobs bool) *Request {
	params := []interface{}{
		jobID, prevHashLE, coinb1, coinb2, merkleBranch, version, nBits, nTime, cleanJobs,
	}
	return notification(MethodNotify, params)
}

// SetDifficultyNotification builds a mining.set_difficulty frame.
func SetDifficultyNotification(difficulty float64) *Request {
	return notification(MethodSetDifficulty, []interface{}{difficulty})
}

// ClientReconnectNotification builds a client.reconnect frame redirecting
// the miner to a new host/port.
func ClientReconnectNotification(host string, port int, waitTime int) *Request {
	return notification(MethodClientReconnect, []interface{}{host, port, waitTime})
}

// ClientShowMessageNotification builds a client.show_message frame,
// surfaced to the operator-facing logs the way the source's close/ban
// events use it.
func ClientShowMessageNotification(message string) *Request {
	return notification(MethodClientShowMessage, []interface{}{message})
}

// ParseSubscribeParams decodes mining.subscribe's optional (version,
// subscription_id) positional params.
func ParseSubscribeParams(raw json.RawMessage) (version string, subscriptionID []byte, err error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", nil, wrapf(ErrProtocolViolation, "malformed subscribe params: %v", err)
	}
	if len(params) > 0 {
		var v string
		if err := json.Unmarshal(params[0], &v); err == nil {
			version = v
		}
	} else {
		version = "unknown"
	}
	if len(params) > 1 {
		var hexID string
		if err := json.Unmarshal(params[1], &hexID); err != nil {
			return "", nil, wrapf(ErrProtocolViolation, "malformed subscription id: %v", err)
		}
		if hexID != "" {
			decoded, err := hex.DecodeString(hexID)
			if err != nil {
				return "", nil, wrapf(ErrProtocolViolation, "malformed subscription id hex: %v", err)
			}
			subscriptionID = decoded
		}
	}
	return version, subscriptionID, nil
}

// ParseAuthorizeParams decodes mining.authorize's (username, password)
// positional params.
func ParseAuthorizeParams(raw json.RawMessage) (username, password string, err error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", "", wrapf(ErrProtocolViolation, "malformed authorize params: %v", err)
	}
	if len(params) < 1 {
		return "", "", wrapf(ErrProtocolViolation, "authorize requires a username")
	}
	username = params[0]
	if len(params) > 1 {
		password = params[1]
	}
	return username, password, nil
}

// SubmitParams is the decoded form of mining.submit's five positional
// string params.
type SubmitParams struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseSubmitParams decodes mining.submit's params.
func ParseSubmitParams(raw json.RawMessage) (*SubmitParams, error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapf(ErrProtocolViolation, "malformed submit params: %v", err)
	}
	if len(params) < 5 {
		return nil, wrapf(ErrProtocolViolation, "expected 5 submit params, got %d", len(params))
	}
	return &SubmitParams{
		Username:    params[0],
		JobID:       params[1],
		ExtraNonce2: params[2],
		NTime:       params[3],
		Nonce:       params[4],
	}, nil
}

// hexEncodeBytes hex-encodes b, the wire representation every mining.notify
// field beyond clean_jobs uses.
func hexEncodeBytes(b []byte) string {
	return hex.EncodeToString(b)
}

// hexEncodeUint32BE hex-encodes v in big-endian byte order, the format
// mining.notify's job_id/version/bits/ntime fields use.
func hexEncodeUint32BE(v uint32) string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return hex.EncodeToString(b)
}

// ParseGetTransactionsParams decodes mining.get_transactions's single
// job_id positional param.
func ParseGetTransactionsParams(raw json.RawMessage) (jobID string, err error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", wrapf(ErrProtocolViolation, "malformed get_transactions params: %v", err)
	}
	if len(params) < 1 {
		return "", wrapf(ErrProtocolViolation, "get_transactions requires a job id")
	}
	return params[0], nil
}
