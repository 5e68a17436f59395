package sip

import (
	"sync"
	"time"

	"sip-router/internal/logger"
)

// NonInviteClientTxState defines the states for a non-INVITE client transaction.
type NonInviteClientTxState int

const (
	NonInviteClientTxStateTrying NonInviteClientTxState = iota
	NonInviteClientTxStateProceeding
	NonInviteClientTxStateCompleted
	NonInviteClientTxStateTerminated
)

// NonInviteClientTx implements the client-side non-INVITE transaction state
// machine of RFC 3261 section 17.1.2. A transaction that never receives a
// final response surfaces a synthesized 408 when Timer F fires; a transport
// write failure surfaces a synthesized 503.
type NonInviteClientTx struct {
	id        string
	request   *SIPRequest
	state     NonInviteClientTxState
	mu        sync.RWMutex
	timerE    *time.Timer
	timerF    *time.Timer
	timerK    *time.Timer
	done      chan bool
	responses chan *SIPResponse
	transport Transport
	log       logger.Logger
}

// NewNonInviteClientTx creates and starts a new non-INVITE client transaction.
// The request is sent immediately on the given transport.
func NewNonInviteClientTx(req *SIPRequest, transport Transport, log logger.Logger) (ClientTransaction, error) {
	topVia, err := req.TopVia()
	if err != nil {
		return nil, err
	}
	tx := &NonInviteClientTx{
		id:        topVia.Branch(),
		request:   req,
		state:     NonInviteClientTxStateTrying,
		done:      make(chan bool),
		responses: make(chan *SIPResponse, 1),
		transport: transport,
		log:       log,
	}
	go tx.run()
	return tx, nil
}

func (tx *NonInviteClientTx) ID() string                     { return tx.id }
func (tx *NonInviteClientTx) Done() <-chan bool              { return tx.done }
func (tx *NonInviteClientTx) Responses() <-chan *SIPResponse { return tx.responses }

func (tx *NonInviteClientTx) Terminate() {
	tx.mu.Lock()
	if tx.state == NonInviteClientTxStateTerminated {
		tx.mu.Unlock()
		return
	}
	tx.log.Debugf("terminating non-INVITE client transaction %s", tx.id)
	tx.state = NonInviteClientTxStateTerminated
	if tx.timerE != nil {
		tx.timerE.Stop()
	}
	if tx.timerF != nil {
		tx.timerF.Stop()
	}
	if tx.timerK != nil {
		tx.timerK.Stop()
	}
	tx.mu.Unlock()
	close(tx.done)
}

func (tx *NonInviteClientTx) ReceiveResponse(res *SIPResponse) {
	tx.mu.Lock()
	if tx.state == NonInviteClientTxStateTerminated || tx.state == NonInviteClientTxStateCompleted {
		tx.mu.Unlock()
		return
	}

	sendResponseToTU := func(r *SIPResponse) {
		select {
		case tx.responses <- r:
		default:
			tx.log.Debugf("TX %s: responses channel full or closed, dropping response", tx.id)
		}
	}

	sendResponseToTU(res)
	if res.StatusCode >= 200 {
		tx.state = NonInviteClientTxStateCompleted
		if tx.timerE != nil {
			tx.timerE.Stop()
		}
		if tx.timerF != nil {
			tx.timerF.Stop()
		}
		if isReliable(tx.transport.GetProto()) {
			tx.mu.Unlock()
			tx.Terminate()
			return
		}
		tx.timerK = time.AfterFunc(T4, tx.Terminate)
	} else {
		tx.state = NonInviteClientTxStateProceeding
	}
	tx.mu.Unlock()
}

func (tx *NonInviteClientTx) run() {
	defer tx.Terminate()
	tx.sendRequest()
	tx.timerF = time.AfterFunc(64*T1, func() {
		tx.log.Debugf("non-INVITE client tx %s timed out (Timer F)", tx.id)
		select {
		case tx.responses <- &SIPResponse{Proto: "SIP/2.0", StatusCode: 408, Reason: "Request Timeout"}:
		default:
		}
		tx.Terminate()
	})
	tx.startTimerE(T1)
	<-tx.done
}

func (tx *NonInviteClientTx) startTimerE(interval time.Duration) {
	if isReliable(tx.transport.GetProto()) {
		return // Do not retransmit requests over reliable transport
	}
	tx.timerE = time.AfterFunc(interval, func() {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.state != NonInviteClientTxStateTrying && tx.state != NonInviteClientTxStateProceeding {
			return
		}

		tx.sendRequest()

		newInterval := interval * 2
		if tx.state == NonInviteClientTxStateProceeding || newInterval > T2 {
			newInterval = T2
		}
		tx.startTimerE(newInterval)
	})
}

func (tx *NonInviteClientTx) sendRequest() {
	tx.log.Debugf("TX %s: sending request:\n%s", tx.id, tx.request.String())
	_, err := tx.transport.Write([]byte(tx.request.String()))
	if err != nil {
		tx.log.Debugf("TX %s: transport error sending request: %v", tx.id, err)
		select {
		case tx.responses <- &SIPResponse{Proto: "SIP/2.0", StatusCode: 503, Reason: "Service Unavailable"}:
		default:
		}
		// sendRequest may run inside the Timer E callback with tx.mu held;
		// Terminate needs the lock, so it must run outside this stack.
		go tx.Terminate()
	}
}
