// Package acs implements the ACS Dancer: the single-shot three-stage
// (INITIAL -> WAIT -> REDIRECT -> DONE) state machine that, once a NET
// record has been obtained from the peeled onion stack, contacts the
// named endpoints and signals completion through a long-poll progress
// channel.
package acs

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"rendezvous-acs-server/internal/audit"
	"rendezvous-acs-server/internal/logger"
	"rendezvous-acs-server/internal/metrics"
	"rendezvous-acs-server/internal/proxyqueue"
)

// StatusKind is one of the three ACS status event kinds.
type StatusKind int

const (
	Err StatusKind = iota
	OK
	Done
)

// String returns the wire name for k.
func (k StatusKind) String() string {
	switch k {
	case Err:
		return "error"
	case OK:
		return "ok"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes k as its wire string.
func (k StatusKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// maxMessageLen bounds a status message; anything longer is rejected.
const maxMessageLen = 256

// Status is one ACS dance status event.
type Status struct {
	Status  StatusKind `json:"status"`
	Message string     `json:"message"`
}

// Net mirrors the NET JSON record a BASE onion's data carries.
type Net struct {
	Window     uint64 `json:"window"`
	Wait       uint64 `json:"wait"`
	Redirect   string `json:"redirect"`
	Initial    string `json:"initial"`
	Passphrase string `json:"passphrase"`
}

// defaultHistoryCap is used when Config.HistoryCap is unset.
const defaultHistoryCap = 1024

// defaultPollTimeout is used when Config.ProgressPollTimeout is unset.
const defaultPollTimeout = 5 * time.Second

// Dancer drives the three-stage outbound dance and serves its progress
// long-poll. Lock order, when both are needed, is dancingMu before
// statusMu — the one call site that needs both (Progress) acquires them
// in that order and never releases statusMu mid-operation.
type Dancer struct {
	log   *logger.Logger
	queue proxyqueue.Queue
	audit audit.Log // nil disables the audit trail
	metr  *metrics.Metrics

	historyCap  int
	pollTimeout time.Duration

	statusMu sync.Mutex
	cond     *sync.Cond
	status   Status
	history  []Status
	dropped  int64

	dancingMu sync.Mutex
	dancing   bool
	net       *Net

	danceStart time.Time
}

// New returns a ready-to-use Dancer. audit may be nil to disable the
// durable transition log. historyCap <= 0 and pollTimeout <= 0 fall back
// to their spec-mandated defaults.
func New(log *logger.Logger, queue proxyqueue.Queue, auditLog audit.Log, m *metrics.Metrics, historyCap int, pollTimeout time.Duration) *Dancer {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	d := &Dancer{
		log:         log,
		queue:       queue,
		audit:       auditLog,
		metr:        m,
		historyCap:  historyCap,
		pollTimeout: pollTimeout,
		status:      Status{Status: OK, Message: "Please provide a NET"},
	}
	d.cond = sync.NewCond(&d.statusMu)
	return d
}

// Dropped returns the number of history events discarded because the
// bounded ring was full.
func (d *Dancer) Dropped() int64 {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.dropped
}

// SetNet installs n as the active NET, refusing if a dance is already in
// flight (returns false, no state change). Called by the Peeler's BASE
// peel step and by the HTTP setup handler.
func (d *Dancer) SetNet(n *Net) bool {
	d.dancingMu.Lock()
	defer d.dancingMu.Unlock()
	if d.dancing {
		return false
	}
	d.net = n
	if n == nil {
		d.publish(OK, "Please provide a NET")
	} else {
		d.publish(OK, "Ready to Dance")
	}
	return true
}

// Setup handles POST /acs/setup/: parses a NET body and installs it.
func (d *Dancer) Setup(w http.ResponseWriter, r *http.Request) {
	var n Net
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeStatus(w, http.StatusBadRequest, Status{Status: Err, Message: "Malformed NET JSON"})
		return
	}
	if !d.SetNet(&n) {
		writeStatus(w, http.StatusOK, Status{Status: Err, Message: "Already dancing"})
		return
	}
	writeStatus(w, http.StatusOK, Status{Status: OK, Message: "Ready to Dance"})
}

// Progress handles GET /acs/progress/: the long-poll status channel.
func (d *Dancer) Progress(w http.ResponseWriter, r *http.Request) {
	d.dancingMu.Lock()
	startDance := !d.dancing && d.net != nil && d.currentStatusIsOK()
	if startDance {
		d.dancing = true
		d.danceStart = time.Now()
		if d.metr != nil {
			d.metr.DancesStarted.Add(1)
		}
		go d.initial()
	}
	d.dancingMu.Unlock()

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	if ev, ok := d.popLocked(); ok {
		writeStatus(w, http.StatusOK, ev)
		return
	}

	waitDone := make(chan struct{})
	timer := time.AfterFunc(d.pollTimeout, func() {
		d.statusMu.Lock()
		d.cond.Broadcast()
		d.statusMu.Unlock()
	})
	go func() {
		<-waitDone
		timer.Stop()
	}()

	d.cond.Wait() // atomically releases/reacquires statusMu
	close(waitDone)

	if ev, ok := d.popLocked(); ok {
		writeStatus(w, http.StatusOK, ev)
		return
	}
	writeStatus(w, http.StatusOK, d.status)
}

func (d *Dancer) currentStatusIsOK() bool {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status.Status == OK
}

func (d *Dancer) popLocked() (Status, bool) {
	if len(d.history) == 0 {
		return Status{}, false
	}
	ev := d.history[0]
	d.history = d.history[1:]
	return ev, true
}

// publish records a new status event, acquiring statusMu itself. It bounds
// message length, appends to the bounded history ring, and wakes waiters.
func (d *Dancer) publish(kind StatusKind, message string) {
	if len(message) > maxMessageLen {
		kind = Err
		message = "Message too long"
	}
	ev := Status{Status: kind, Message: message}

	d.statusMu.Lock()
	d.status = ev
	if len(d.history) >= d.historyCap {
		d.history = d.history[1:]
		d.dropped++
	}
	d.history = append(d.history, ev)
	d.statusMu.Unlock()

	d.cond.Broadcast()

	if d.audit != nil {
		node := "dance"
		if _, err := d.audit.Append(node, kind.String(), message); err != nil {
			d.log.Warnf("publish", "audit append failed: %v", err)
		}
	}
}

func (d *Dancer) finishDance(failed bool) {
	d.dancingMu.Lock()
	d.dancing = false
	started := d.danceStart
	d.dancingMu.Unlock()

	if d.metr == nil {
		return
	}
	if failed {
		d.metr.DancesFailed.Add(1)
	} else {
		d.metr.DancesDone.Add(1)
	}
	if !started.IsZero() {
		d.metr.RecordDanceDuration(time.Since(started))
	}
}

// missingField emits a "No <desc> in NET" error and ends the dance in
// failure.
func (d *Dancer) missingField(desc string) {
	d.publish(Err, fmt.Sprintf("No %s in NET", desc))
	d.finishDance(true)
}

// initial runs the INITIAL dance stage.
func (d *Dancer) initial() {
	d.dancingMu.Lock()
	n := d.net
	d.dancingMu.Unlock()

	if n == nil || n.Initial == "" {
		d.missingField("initial")
		return
	}

	d.publish(OK, "Dancing: Initial Request sent")
	url := "http://" + n.Initial + "/"
	d.queue.Enqueue(url, func(res proxyqueue.Result) {
		if res.Err != nil {
			d.publish(Err, fmt.Sprintf("ACS Initial failed: %v", res.Err))
			d.finishDance(true)
			return
		}
		if res.StatusCode != http.StatusOK {
			d.publish(Err, fmt.Sprintf("ACS Initial failed: status %d", res.StatusCode))
			d.finishDance(true)
			return
		}
		d.publish(OK, "Dancing: Initial Request succeeded")
		d.wait()
	})
}

// wait runs the WAIT dance stage: sleep for wait + (random mod window) seconds.
func (d *Dancer) wait() {
	d.dancingMu.Lock()
	n := d.net
	d.dancingMu.Unlock()

	if n == nil {
		d.missingField("wait")
		return
	}
	if n.Window == 0 {
		d.missingField("window")
		return
	}

	delay := n.Wait + (rand.Uint64() % n.Window)
	d.publish(OK, fmt.Sprintf("Moonwalking for %d seconds...", delay))

	go func() {
		time.Sleep(time.Duration(delay) * time.Second)
		d.redirect()
	}()
}

// redirect runs the REDIRECT dance stage and, on success, ends the dance.
func (d *Dancer) redirect() {
	d.dancingMu.Lock()
	n := d.net
	d.dancingMu.Unlock()

	if n == nil || n.Redirect == "" {
		d.missingField("redirect")
		return
	}

	url := "http://" + n.Redirect + "/"
	d.queue.Enqueue(url, func(res proxyqueue.Result) {
		if res.Err != nil {
			d.publish(Err, fmt.Sprintf("ACS Redirect failed: %v", res.Err))
			d.finishDance(true)
			return
		}
		if res.StatusCode != http.StatusOK {
			d.publish(Err, fmt.Sprintf("ACS Redirect failed: status %d", res.StatusCode))
			d.finishDance(true)
			return
		}
		d.publish(OK, "Dancing: Redirect Request succeeded")
		d.publish(Done, "ACS completed succesfully, you can start Tor over StegoTorus over DGW")
		d.finishDance(false)
	})
}

func writeStatus(w http.ResponseWriter, code int, s Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(s) //nolint:errcheck
}
