package registry

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sip-router/internal/sip"
	"sip-router/internal/storage"
)

// fakeStore is a canned gateway data store.
type fakeStore struct {
	mu       sync.Mutex
	gateways []*storage.Gateway
	err      error
	calls    int
}

func (f *fakeStore) GetGateways() ([]*storage.Gateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.gateways, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTx is a client transaction the test drives by hand.
type fakeTx struct {
	id        string
	responses chan *sip.SIPResponse
	done      chan bool
	closeOnce sync.Once
}

func newFakeTx(id string) *fakeTx {
	return &fakeTx{
		id:        id,
		responses: make(chan *sip.SIPResponse, 1),
		done:      make(chan bool),
	}
}

func (f *fakeTx) ID() string                           { return f.id }
func (f *fakeTx) Done() <-chan bool                    { return f.done }
func (f *fakeTx) Terminate()                           { f.closeOnce.Do(func() { close(f.done) }) }
func (f *fakeTx) Responses() <-chan *sip.SIPResponse   { return f.responses }
func (f *fakeTx) ReceiveResponse(res *sip.SIPResponse) { f.responses <- res }

// sentRequest records one dispatch through the fake provider.
type sentRequest struct {
	req       *sip.SIPRequest
	destAddr  string
	transport string
	tx        *fakeTx
}

// fakeProvider implements Provider with a fixed listening-point table and
// records every dispatched request.
type fakeProvider struct {
	mu              sync.Mutex
	listeningPoints map[string]sip.ListeningPoint
	dialErr         error
	sent            []sentRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		listeningPoints: map[string]sip.ListeningPoint{
			"UDP": {Transport: "UDP", IP: "10.0.0.5", Port: 5060},
		},
	}
}

func (f *fakeProvider) ListeningPoint(transport string) (sip.ListeningPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lp, ok := f.listeningPoints[strings.ToUpper(transport)]
	if !ok {
		return sip.ListeningPoint{}, fmt.Errorf("%w: %s", sip.ErrNoListeningPoint, transport)
	}
	return lp, nil
}

func (f *fakeProvider) NewClientTx(req *sip.SIPRequest, destAddr, transport string) (sip.ClientTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	tx := newFakeTx(fmt.Sprintf("tx-%d", len(f.sent)))
	f.sent = append(f.sent, sentRequest{req: req, destAddr: destAddr, transport: transport, tx: tx})
	return tx, nil
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeProvider) sentAt(i int) sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
