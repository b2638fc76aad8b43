// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/nyxstratum/pool/pool/chainutil"
)

// MaxMessageSize bounds a single inbound Stratum frame.
const MaxMessageSize = 4096

// readTimeout is the inactivity deadline applied to every read, matching
// the source's 1200-second socket timeout.
const readTimeout = 1200 * time.Second

// rejectGovernorThreshold gates the forced client.reconnect a session sends
// once it has rejected more shares than it has accepted.
const rejectGovernorThreshold = 100

// timeWork is one (submit time, difficulty) sample, the unit both the
// vardiff controller and the hashrate formula consume.
type timeWork struct {
	submitTime float64
	difficulty float64
}

// readPayload wraps one decoded inbound frame with its type discriminant.
type readPayload struct {
	msg     Message
	msgType int
}

// SessionConfig collects the shared components and per-listener settings a
// Session needs, the generalization of the teacher's ClientConfig to this
// pool's domain.
type SessionConfig struct {
	Cfg               *Config
	Algorithm         string
	InitialDifficulty float64
	VariableDiff      bool
	SubmitTargetSpan  time.Duration

	JobCache      *JobCache
	Store         *Store
	Upstream      *UpstreamClient
	Registry      *SessionRegistry
	ClosedRing    *closedSessionRing
	EndpointWg    *sync.WaitGroup
	RemoveSession func(*Session)
}

// Session represents one Stratum-speaking TCP connection.
type Session struct {
	nAccept int64 // atomic
	nReject int64 // atomic

	id      string
	addr    *net.TCPAddr
	cfg     *SessionConfig
	conn    net.Conn
	encoder *json.Encoder
	reader  *bufio.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	ch      chan Message
	readCh  chan readPayload
	wg      sync.WaitGroup

	mtx               sync.Mutex
	initialDifficulty float64
	submitTargetSpan  time.Duration
	username          string
	password          string
	accountID         uint64
	authorized        bool
	subscribed        bool
	subscriptionID    [32]byte
	extraNonce1       [4]byte
	difficultyHistory []float64
	timeWorks         []timeWork
}

// NewSession builds a session bound to conn, seeding its difficulty history
// with the listener's initial difficulty.
func NewSession(conn net.Conn, addr *net.TCPAddr, cfg *SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		addr:              addr,
		cfg:               cfg,
		conn:              conn,
		ctx:               ctx,
		cancel:            cancel,
		ch:                make(chan Message, 8),
		readCh:            make(chan readPayload),
		encoder:           json.NewEncoder(conn),
		reader:            bufio.NewReaderSize(conn, MaxMessageSize),
		initialDifficulty: cfg.InitialDifficulty,
		difficultyHistory: []float64{cfg.InitialDifficulty},
		submitTargetSpan:  cfg.SubmitTargetSpan,
	}
	s.id = fmt.Sprintf("%s/%s", addr.String(), cfg.Algorithm)
	return s
}

func (s *Session) algorithmName() string { return s.cfg.Algorithm }

func (s *Session) isOpen() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}

func (s *Session) isSubscribed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.subscribed
}

func (s *Session) isAuthorized() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.authorized
}

// currentDifficulty returns the most recently assigned difficulty.
func (s *Session) currentDifficulty() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.difficultyHistory[len(s.difficultyHistory)-1]
}

// initialDifficultySnapshot returns the difficulty the session started at,
// the base the vardiff controller's min_difficulty (one thousandth of it)
// is pinned to regardless of how far the live difficulty has since drifted.
func (s *Session) initialDifficultySnapshot() float64 {
	return s.initialDifficulty
}

func (s *Session) minDifficultyInHistory() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	min := s.difficultyHistory[0]
	for _, d := range s.difficultyHistory[1:] {
		if d < min {
			min = d
		}
	}
	return min
}

func (s *Session) averageDifficultyInHistory() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var sum float64
	for _, d := range s.difficultyHistory {
		sum += d
	}
	return sum / float64(len(s.difficultyHistory))
}

// setDifficulty pushes a new difficulty onto the bounded (size 5) history
// and notifies the miner.
func (s *Session) setDifficulty(d float64) {
	s.mtx.Lock()
	s.difficultyHistory = append(s.difficultyHistory, d)
	if len(s.difficultyHistory) > 5 {
		s.difficultyHistory = s.difficultyHistory[len(s.difficultyHistory)-5:]
	}
	s.mtx.Unlock()
	s.ch <- SetDifficultyNotification(d)
}

func (s *Session) recordSubmit(tw timeWork) {
	s.mtx.Lock()
	s.timeWorks = append(s.timeWorks, tw)
	if len(s.timeWorks) > 40 {
		s.timeWorks = s.timeWorks[len(s.timeWorks)-40:]
	}
	s.mtx.Unlock()
}

func (s *Session) snapshotTimeWorks() []timeWork {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]timeWork, len(s.timeWorks))
	copy(out, s.timeWorks)
	return out
}

// hashrate estimates this session's contribution using the pool formula,
// requiring at least 20 samples total and at least 3 within the trailing
// 15-minute window, mirroring the source's hashrate property.
func (s *Session) hashrate() float64 {
	timeWorks := s.snapshotTimeWorks()
	if len(timeWorks) < 20 {
		return 0
	}
	cutoff := float64(time.Now().Add(-15 * time.Minute).Unix())

	var sumDiff float64
	var count int
	var beginTime, endTime float64
	haveBegin := false
	for _, tw := range timeWorks {
		if tw.submitTime <= cutoff {
			continue
		}
		if !haveBegin {
			beginTime = tw.submitTime
			haveBegin = true
		}
		sumDiff += tw.difficulty
		count++
		endTime = tw.submitTime
	}
	if count < 3 || !haveBegin {
		return 0
	}
	coefficient := s.cfg.Cfg.Coefficient(s.cfg.Algorithm)
	elapsed := endTime - beginTime
	if elapsed < 1 {
		elapsed = 1
	}
	minerDiff := sumDiff * 600.0 / coefficient / elapsed
	return minerDiff * 7158278.8
}

// deliver sends msg to the session's outbound channel without blocking
// forever on a dead or backed-up connection.
func (s *Session) deliver(msg Message) error {
	select {
	case s.ch <- msg:
		return nil
	case <-s.ctx.Done():
		return wrapf(ErrFatal, "session closed")
	case <-time.After(5 * time.Second):
		return wrapf(ErrUpstreamTransient, "session send buffer full")
	}
}

func (s *Session) extraNonce1Snapshot() [4]byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.extraNonce1
}

func randomSubscriptionRowKey() ([6]byte, error) {
	var k [6]byte
	_, err := rand.Read(k[:])
	return k, err
}

// handleSubscribe processes mining.subscribe, including the resume path
// that restores a previously closed session's vardiff state.
func (s *Session) handleSubscribe(req *Request) {
	_, subscriptionID, err := ParseSubscribeParams(req.Params)
	if err != nil {
		log.Debugf("%s: malformed subscribe params: %v", s.id, err)
		s.cancel()
		return
	}

	var subID [32]byte
	var resumed bool

	if len(subscriptionID) == 32 {
		copy(subID[:], subscriptionID)
		if cs, ok := s.cfg.ClosedRing.takeMatching(subID, s.cfg.Algorithm); ok {
			s.mtx.Lock()
			s.timeWorks = cs.timeWorks
			s.difficultyHistory = cs.difficultyHistory
			s.extraNonce1 = cs.extraNonce1
			s.submitTargetSpan = cs.submitTargetSpan
			s.mtx.Unlock()
			atomic.StoreInt64(&s.nAccept, cs.nAccept)
			atomic.StoreInt64(&s.nReject, cs.nReject)
			resumed = true
			log.Debugf("%s: resumed session from closed-session ring", s.id)
		} else if en1, err := s.cfg.Store.SubscriptionExtraNonce1(subID); err == nil {
			s.mtx.Lock()
			s.extraNonce1 = en1
			s.mtx.Unlock()
			resumed = true
			log.Debugf("%s: resumed session from store", s.id)
		} else if !IsError(err, ErrValueNotFound) {
			log.Errorf("%s: unable to look up subscription: %v", s.id, err)
			s.cancel()
			return
		}
	}

	if !resumed {
		var en1 [4]byte
		if _, err := rand.Read(en1[:]); err != nil {
			log.Errorf("%s: unable to generate extranonce1: %v", s.id, err)
			s.cancel()
			return
		}
		newSubID, err := s.cfg.Store.InsertSubscription(en1, randomSubscriptionRowKey)
		if err != nil {
			log.Errorf("%s: unable to persist subscription: %v", s.id, err)
			s.cancel()
			return
		}
		subID = newSubID
		s.mtx.Lock()
		s.extraNonce1 = en1
		s.mtx.Unlock()
	}

	s.mtx.Lock()
	s.subscriptionID = subID
	s.mtx.Unlock()

	subIDHex := hexEncodeBytes(subID[:])
	result := []interface{}{
		[][2]string{
			{MethodSetDifficulty, subIDHex},
			{MethodNotify, subIDHex},
		},
		hexEncodeBytes(s.extraNonce1Snapshot()[:]),
		4,
	}
	s.ch <- SuccessResponse(*req.ID, result)

	s.mtx.Lock()
	s.subscribed = true
	s.mtx.Unlock()
}

// handleAuthorize processes mining.authorize. A malformed or unresolvable
// address replies with a false result rather than an error frame, the
// compatibility quirk the source's mining_authorize relies on.
func (s *Session) handleAuthorize(req *Request) {
	username, password, err := ParseAuthorizeParams(req.Params)
	if err != nil {
		log.Debugf("%s: malformed authorize params: %v", s.id, err)
		s.ch <- SuccessResponse(*req.ID, false)
		return
	}

	if err := chainutil.ValidatePoolAddress(username, s.cfg.Cfg.BechHRP); err != nil {
		log.Debugf("%s: address format error for %q: %v", s.id, username, err)
		s.ch <- SuccessResponse(*req.ID, false)
		return
	}

	accountID, err := s.cfg.Store.AddressToAccountID(username, true)
	if err != nil {
		log.Errorf("%s: unable to resolve account: %v", s.id, err)
		s.ch <- SuccessResponse(*req.ID, false)
		return
	}

	s.mtx.Lock()
	s.username = username
	s.password = password
	s.accountID = accountID
	s.authorized = true
	s.mtx.Unlock()

	job := s.cfg.JobCache.Best(s.cfg.Algorithm)
	if job == nil {
		job, err = s.cfg.JobCache.AddNewJob(s.ctx, s.cfg.Algorithm, false)
		if err != nil {
			log.Errorf("%s: unable to build initial job: %v", s.id, err)
		}
	}
	if job != nil {
		s.ch <- notifyRequestForJob(job, false)
	}

	log.Debugf("%s: authorize success by %q id=%d", s.id, username, accountID)
	s.ch <- SuccessResponse(*req.ID, true)
}

// handleGetTransactions processes mining.get_transactions.
func (s *Session) handleGetTransactions(req *Request) {
	jobID, err := ParseGetTransactionsParams(req.Params)
	if err != nil {
		log.Debugf("%s: malformed get_transactions params: %v", s.id, err)
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}
	job := s.cfg.JobCache.ByID(parseJobIDHex(jobID))
	if job == nil {
		s.ch <- FailureResponse(*req.ID, ErrCodeJobNotFound)
		return
	}
	txs := make([]string, len(job.Unconfirmed))
	for i, tx := range job.Unconfirmed {
		txs[i] = hexEncodeBytes(chainutil.ReverseBytes(tx.Hash[:]))
	}
	s.ch <- SuccessResponse(*req.ID, txs)
}

// handleExtranonceSubscribe acknowledges mining.extranonce.subscribe;
// this pool never actually rotates extranonce1 mid-session.
func (s *Session) handleExtranonceSubscribe(req *Request) {
	s.ch <- SuccessResponse(*req.ID, true)
}

// handleSubmit processes mining.submit, following the pre-check order:
// authorized, subscribed, job known, ntime match, then share
// reconstruction. An algorithm missing from CoEfficiency is not rejected:
// Config.Coefficient scores it with a coefficient of 1.
func (s *Session) handleSubmit(req *Request) {
	params, err := ParseSubmitParams(req.Params)
	if err != nil {
		log.Debugf("%s: malformed submit params: %v", s.id, err)
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}

	if !s.isAuthorized() {
		s.ch <- FailureResponse(*req.ID, ErrCodeUnauthorizedWorker)
		return
	}
	if !s.isSubscribed() {
		s.ch <- FailureResponse(*req.ID, ErrCodeNotSubscribed)
		return
	}

	job := s.cfg.JobCache.ByID(parseJobIDHex(params.JobID))
	if job == nil {
		s.ch <- FailureResponse(*req.ID, ErrCodeJobNotFound)
		return
	}

	nTimeBytes, err := hexDecodeString(params.NTime)
	if err != nil || len(nTimeBytes) != 4 {
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}
	nTime := beUint32(nTimeBytes)
	if nTime != job.NTime {
		log.Debugf("%s: submit different time, %d != %d", s.id, job.NTime, nTime)
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}

	coefficient := s.cfg.Cfg.Coefficient(s.cfg.Algorithm)
	if coefficient == 0 {
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}

	extraNonce2Bytes, err := hexDecodeString(params.ExtraNonce2)
	if err != nil || len(extraNonce2Bytes) != 4 {
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}
	nonceBytes, err := hexDecodeString(params.Nonce)
	if err != nil || len(nonceBytes) != 4 {
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}
	var extraNonce2, nonceLE [4]byte
	copy(extraNonce2[:], extraNonce2Bytes)
	copy(nonceLE[:], chainutil.ReverseBytes(nonceBytes))

	fixedDifficulty := s.minDifficultyInHistory() / coefficient
	extraNonce1 := s.extraNonce1Snapshot()

	result, err := job.BuildSubmit(extraNonce1, extraNonce2, nonceLE, nTime, fixedDifficulty)
	if err != nil {
		log.Errorf("%s: unable to build submission: %v", s.id, err)
		s.ch <- FailureResponse(*req.ID, ErrCodeOther)
		return
	}
	if result.Duplicate {
		s.ch <- FailureResponse(*req.ID, ErrCodeDuplicateShare)
		return
	}
	if !result.Mined && !result.Shared {
		atomic.AddInt64(&s.nReject, 1)
		s.ch <- FailureResponse(*req.ID, ErrCodeLowDifficultyShare)
		return
	}

	atomic.AddInt64(&s.nAccept, 1)
	avgDifficulty := s.averageDifficultyInHistory()
	s.recordSubmit(timeWork{submitTime: float64(time.Now().UnixNano()) / 1e9, difficulty: avgDifficulty})

	mined := result.Mined
	if mined {
		if err := s.cfg.Upstream.SubmitBlock(s.ctx, hexEncodeBytes(result.SubmitBytes)); err != nil {
			log.Warnf("%s: block submission failed: %v", s.id, err)
			mined = false
		} else {
			log.Infof("%s: mined height=%d diff=%.4f", s.id, job.Height, s.currentDifficulty())
		}
	} else {
		log.Debugf("%s: shared work height=%d diff=%.4f", s.id, job.Height, s.currentDifficulty())
	}

	s.ch <- SuccessResponse(*req.ID, true)

	networkDifficulty := job.Difficulty()
	if networkDifficulty == 0 {
		networkDifficulty = 1
	}
	shareValue := avgDifficulty / networkDifficulty / coefficient

	var blockHash *[32]byte
	if mined {
		h := result.BlockHash
		blockHash = &h
	}
	payoutID := int64(0)
	if s.cfg.Cfg.PayoutMethod == PayoutMethodCoinbase {
		payoutID = -1
	}

	share := &Share{
		AccountID: s.accountIDSnapshot(),
		Algorithm: s.cfg.Algorithm,
		BlockHash: blockHash,
		Value:     shareValue,
		PayoutID:  payoutID,
	}
	if err := s.cfg.Store.InsertShare(share); err != nil {
		log.Errorf("%s: unable to persist share: %v", s.id, err)
	}
}

func (s *Session) accountIDSnapshot() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.accountID
}

// parseJobIDHex decodes a big-endian hex job id, returning 0 (never a live
// job id) on any malformed input.
func parseJobIDHex(hexStr string) uint64 {
	b, err := hexDecodeString(hexStr)
	if err != nil || len(b) == 0 {
		return 0
	}
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// read receives incoming frames and hands each off for processing. Must be
// run as a goroutine.
func (s *Session) read() {
	for {
		if err := s.conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
			log.Errorf("%s: unable to set deadline: %v", s.id, err)
			s.cancel()
			return
		}
		data, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				log.Debugf("%s: read error: %v", s.id, err)
			}
			s.cancel()
			return
		}
		if len(data) > MaxMessageSize {
			log.Debugf("%s: frame of %d bytes exceeds %d", s.id, len(data), MaxMessageSize)
			s.cancel()
			return
		}
		msg, msgType, err := IdentifyMessage(data)
		if err != nil {
			log.Debugf("%s: %v", s.id, err)
			s.cancel()
			return
		}
		if msgType == RequestMessageType {
			req := msg.(*Request)
			if !isPermittedMethod(req.Method) {
				log.Debugf("%s: method format is not correct %q", s.id, req.Method)
				s.cancel()
				return
			}
		}
		select {
		case s.readCh <- readPayload{msg, msgType}:
		case <-s.ctx.Done():
			return
		}
	}
}

func isPermittedMethod(method string) bool {
	for _, prefix := range []string{"mining.", "client."} {
		if len(method) >= len(prefix) && method[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// process dispatches inbound requests to their handlers and enforces the
// reject governor. Must be run as a goroutine.
func (s *Session) process() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.readCh:
			if payload.msgType != RequestMessageType {
				continue
			}
			req := payload.msg.(*Request)
			if req.ID == nil {
				zero := uint64(0)
				req.ID = &zero
			}

			switch req.Method {
			case MethodSubscribe:
				s.handleSubscribe(req)
			case MethodAuthorize:
				s.handleAuthorize(req)
			case MethodExtranonceSubscribe:
				s.handleExtranonceSubscribe(req)
			case MethodGetTransactions:
				s.handleGetTransactions(req)
			case MethodSubmit:
				s.handleSubmit(req)
			case MethodSuggestDifficulty, MethodSuggestTarget:
				// Advisory only, and left unimplemented upstream too.
			default:
				log.Debugf("%s: unhandled method %q: %s", s.id, req.Method, spew.Sdump(req))
				s.ch <- FailureResponse(*req.ID, ErrCodeOther)
			}

			nAccept := atomic.LoadInt64(&s.nAccept)
			nReject := atomic.LoadInt64(&s.nReject)
			if nReject > rejectGovernorThreshold && nAccept < nReject {
				port := 0
				if tcpAddr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
					port = tcpAddr.Port
				}
				s.ch <- ClientReconnectNotification(s.cfg.Cfg.HostName, port, 5)
				log.Debugf("%s: too many rejected shares, asking client to reconnect", s.id)
				s.cancel()
				return
			}
		}
	}
}

// send delivers queued outbound messages. Must be run as a goroutine.
func (s *Session) send() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.ch:
			if msg == nil {
				continue
			}
			if err := s.encoder.Encode(msg); err != nil {
				log.Debugf("%s: encode error: %v", s.id, err)
				s.cancel()
				return
			}
		}
	}
}

// shutdown snapshots resumable state into the closed-session ring (if the
// session ever subscribed) and unregisters it.
func (s *Session) shutdown() {
	s.mtx.Lock()
	subscribed := s.subscribed
	cs := closedSession{
		subscriptionID:    s.subscriptionID,
		algorithm:         s.cfg.Algorithm,
		extraNonce1:       s.extraNonce1,
		timeWorks:         append([]timeWork{}, s.timeWorks...),
		difficultyHistory: append([]float64{}, s.difficultyHistory...),
		submitTargetSpan:  s.cfg.SubmitTargetSpan,
		nAccept:           atomic.LoadInt64(&s.nAccept),
		nReject:           atomic.LoadInt64(&s.nReject),
	}
	s.mtx.Unlock()

	if subscribed {
		s.cfg.ClosedRing.push(cs)
	}
	s.cfg.RemoveSession(s)
	log.Tracef("%s: connection terminated", s.id)
}

// Run drives the full lifecycle of the session: read, process, send, and
// (if enabled) the vardiff controller, until the connection closes.
func (s *Session) Run() {
	endpointWg := s.cfg.EndpointWg
	endpointWg.Add(1)
	defer endpointWg.Done()

	s.cfg.Registry.Add(s)
	go s.read()

	s.wg.Add(2)
	go s.process()
	go s.send()

	if s.cfg.VariableDiff {
		go runVardiff(s.ctx, s)
	}

	s.wg.Wait()
	s.cfg.Registry.Remove(s)
	s.shutdown()
}
