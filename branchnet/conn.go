package branchnet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"branchsync/correlate"
	"branchsync/observability/logging"
	"branchsync/wire"
)

type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthenticated
	stateClosed
)

const renewalEventMarker = "prolongation"

// Conn is one branch connection. Until the handshake completes it carries no
// branch identity and decodes with the configured default key; afterwards it
// is registered in the server's lookup table under its branch id.
type Conn struct {
	server *Server
	sock   net.Conn

	remoteAddr  string
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    connState
	branchID int64
	key      string
	buf      []byte
	queue    []wire.Record

	wmu sync.Mutex // serializes socket writes

	limiter   *rate.Limiter
	authTimer *time.Timer

	killOnce sync.Once
	downOnce sync.Once
}

func newConn(s *Server, sock net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		server:      s,
		sock:        sock,
		remoteAddr:  sock.RemoteAddr().String(),
		connectedAt: s.now(),
		ctx:         ctx,
		cancel:      cancel,
		state:       stateConnecting,
		key:         s.cfg.DefaultKey,
		limiter:     rate.NewLimiter(rate.Limit(s.cfg.RecordsPerSec), s.cfg.RecordBurst),
	}
}

// armAuthDeadline closes the connection if the handshake has not completed in
// time. The remote side is expected to reconnect and try again.
func (c *Conn) armAuthDeadline(timeout time.Duration) {
	c.authTimer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		authed := c.state == stateAuthenticated || c.state == stateClosed
		c.mu.Unlock()
		if !authed {
			c.server.metrics.recordKill("auth_timeout")
			c.kill(noticeAuthTimeout, "authentication deadline elapsed")
		}
	})
}

func (c *Conn) readLoop() {
	defer c.teardown()
	chunk := make([]byte, 4096)
	for {
		n, err := c.sock.Read(chunk)
		if n > 0 {
			if handleErr := c.handleData(chunk[:n]); handleErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				c.log().Debug("Read failed", slog.Any("error", err))
			}
			return
		}
	}
}

// handleData transcodes an inbound chunk, appends it to the partial-record
// buffer and dispatches every complete record the codec can extract. A
// non-nil return tears the connection down.
func (c *Conn) handleData(data []byte) error {
	if !c.limiter.AllowN(c.server.now(), len(data)/64+1) {
		c.server.metrics.recordKill("flood")
		c.kill("", "inbound rate exceeded")
		return errors.New("rate exceeded")
	}

	utf8, err := wire.DecodeCP1251(data)
	if err != nil {
		// Transcoding is total for single-byte input; treat a failure as
		// a protocol error on this chunk only.
		c.log().Warn("Transcode failed, chunk dropped", slog.Any("error", err))
		return nil
	}

	c.mu.Lock()
	if c.state == stateConnecting {
		c.state = stateAuthenticating
	}
	c.buf = append(c.buf, utf8...)
	buffered := c.buf
	key := c.key
	state := c.state
	c.mu.Unlock()

	records, err := c.server.codec.Decode(buffered, key)
	if errors.Is(err, wire.ErrIncomplete) {
		return nil // wait for more bytes
	}
	if err != nil {
		c.log().Warn("Undecodable buffer dropped", slog.Any("error", err))
		c.mu.Lock()
		c.buf = nil
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()

	if state == stateAuthenticating {
		if !c.handshake(records[0]) {
			return errors.New("handshake rejected")
		}
		for _, rec := range records[1:] {
			c.dispatch(rec)
		}
		// Initial delivery already happened inside the handshake; the
		// handshake bytes themselves acknowledge nothing.
		return nil
	}
	for _, rec := range records {
		c.dispatch(rec)
	}
	// Inbound activity means the branch consumed the in-flight request and is
	// ready for the next one.
	c.advanceQueue()
	return nil
}

// handshake processes the connection's first decodable record as an
// authentication attempt. Returns false when the connection was rejected.
func (c *Conn) handshake(rec wire.Record) bool {
	branchID, idOK := rec.BranchID()
	c.server.auditAppend(0, 0, branchID, auditTypeAuthAttempt, rec, false)

	password := rec.String(wire.FieldPassword)
	if !idOK || password == "" {
		return c.reject(noticeBadCredentials, "invalid credentials format")
	}

	ctx, cancelCheck := context.WithTimeout(c.ctx, c.server.cfg.AuthTimeout)
	defer cancelCheck()
	valid, err := c.server.creds.Check(ctx, branchID, password)
	if err != nil {
		c.log().Error("Credential check failed", slog.Any("error", err))
		return c.reject(noticeBadCredentials, "credential store error")
	}
	if !valid {
		return c.reject(noticeBadCredentials, "credentials rejected")
	}

	if !c.server.register(c, branchID) {
		return c.reject(noticeDuplicateBranch, "branch already connected")
	}
	c.mu.Lock()
	c.branchID = branchID
	c.mu.Unlock()

	queue, err := c.hydrateQueue(ctx, branchID)
	if err != nil {
		c.log().Warn("Pending renewal fetch failed",
			slog.Int64("branch_id", branchID),
			slog.Any("error", err))
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	if key := rec.String(wire.FieldKey); key != "" {
		c.key = key
	}
	c.queue = queue
	c.mu.Unlock()

	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	if c.server.tracker != nil {
		c.server.tracker.SetBranchOnline(branchID)
	}
	if c.server.directory != nil {
		c.server.directory.RecordOnline(branchID, c.remoteAddr, c.server.now())
	}
	c.server.metrics.recordHandshake("success")
	c.log().Info("Branch authenticated",
		slog.Int64("branch_id", branchID),
		logging.MaskField("remote_address", c.remoteAddr),
		slog.Int("queued_renewals", len(queue)))

	c.deliverHead()
	return true
}

// hydrateQueue seeds the outbound queue from externally persisted renewal
// requests, reformatting their date fields to the canonical textual forms.
func (c *Conn) hydrateQueue(ctx context.Context, branchID int64) ([]wire.Record, error) {
	if c.server.renewals == nil {
		return nil, nil
	}
	pending, err := c.server.renewals.PendingForBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	for _, rec := range pending {
		formatDateField(rec, "DateNow", wire.DateTimeLayout)
		formatDateField(rec, "DateProlong", wire.DateTimeLayout)
		formatDateField(rec, "DateToProlong", wire.DateLayout)
	}
	return pending, nil
}

func formatDateField(rec wire.Record, field, layout string) {
	switch v := rec[field].(type) {
	case time.Time:
		rec[field] = v.Format(layout)
	case string:
		if layout == wire.DateTimeLayout {
			rec[field] = wire.NormalizeDateTime(v)
		} else {
			rec[field] = wire.NormalizeDate(v)
		}
	}
}

func (c *Conn) reject(notice, reason string) bool {
	c.server.metrics.recordHandshake("failure")
	c.log().Warn("Handshake rejected",
		logging.MaskField("remote_address", c.remoteAddr),
		slog.String("reason", reason))
	c.kill(notice, reason)
	return false
}

// dispatch routes one decoded record. Records missing the mandatory event
// identifier are dropped without affecting their siblings.
func (c *Conn) dispatch(rec wire.Record) {
	eventID := rec.EventID()
	if eventID == "" {
		c.log().Warn("Record missing event identifier, dropped")
		return
	}
	c.server.metrics.recordRecord("inbound")

	c.mu.Lock()
	branchID := c.branchID
	c.mu.Unlock()

	switch {
	case strings.Contains(eventID, correlate.EventPrefixData):
		// A branch answered a pending contract-data request.
		if c.server.resolver != nil {
			c.server.resolver.Resolve(rec)
		}
	case strings.Contains(eventID, renewalEventMarker):
		c.server.auditAppend(rec.ContractID(), 0, branchID, auditTypeRenewalIn, rec, false)
		if _, failed := rec.ErrorCode(); !failed && c.server.renewals != nil {
			if err := c.server.renewals.MarkDelivered(c.ctx, eventID); err != nil {
				c.log().Warn("Mark renewal delivered failed",
					slog.String("event_id", eventID),
					slog.Any("error", err))
			}
		}
	default:
		c.log().Debug("Unhandled record", slog.String("event_id", eventID))
	}
}

// enqueue appends a request to the outbound queue; when the queue was empty
// the request is delivered immediately, otherwise delivery waits until the
// branch's inbound activity acknowledges the request currently in flight.
func (c *Conn) enqueue(rec wire.Record) bool {
	c.mu.Lock()
	if c.state != stateAuthenticated {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, rec)
	wasEmpty := len(c.queue) == 1
	c.mu.Unlock()

	if wasEmpty {
		return c.deliverHead()
	}
	return true
}

// advanceQueue drops the in-flight head, acknowledged by inbound activity,
// and delivers the next queued request if there is one.
func (c *Conn) advanceQueue() {
	c.mu.Lock()
	if c.state != stateAuthenticated || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	c.queue = c.queue[1:]
	c.mu.Unlock()
	c.deliverHead()
}

// deliverHead writes the head of the outbound queue without removing it; the
// entry stays queued, in flight, until the next inbound data from the branch.
// Reports false when there was nothing to send or the write failed.
func (c *Conn) deliverHead() bool {
	c.mu.Lock()
	if c.state != stateAuthenticated || len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	rec := c.queue[0]
	key := c.key
	branchID := c.branchID
	c.mu.Unlock()

	// Renewal requests get an audit trail here; other request types are
	// logged where they are issued.
	if strings.Contains(rec.EventID(), renewalEventMarker) {
		cs, _ := wire.Int64(rec[wire.FieldContractCS])
		c.server.auditAppend(rec.ContractID(), cs, branchID, auditTypeRenewalOut, rec, true)
	}

	data, err := c.server.codec.Encode(rec, key)
	if err == nil {
		data, err = wire.EncodeCP1251(data)
	}
	if err != nil {
		c.log().Error("Encode failed, request dropped",
			slog.String("event_id", rec.EventID()),
			slog.Any("error", err))
		return false
	}

	c.wmu.Lock()
	_ = c.sock.SetWriteDeadline(c.server.now().Add(c.server.cfg.WriteTimeout))
	_, err = c.sock.Write(data)
	_ = c.sock.SetWriteDeadline(time.Time{})
	c.wmu.Unlock()
	if err != nil {
		c.server.metrics.recordKill("write_error")
		c.kill("", "write failed")
		return false
	}
	c.server.metrics.recordRecord("outbound")
	return true
}

// kill force-closes the socket, optionally writing a final notice first. A
// write failure here is swallowed: closing is already underway.
func (c *Conn) kill(notice, reason string) {
	c.killOnce.Do(func() {
		if notice != "" {
			c.wmu.Lock()
			_ = c.sock.SetWriteDeadline(c.server.now().Add(c.server.cfg.WriteTimeout))
			_, _ = c.sock.Write([]byte(notice))
			c.wmu.Unlock()
		}
		c.log().Info("Connection killed", slog.String("reason", reason))
		c.cancel()
		_ = c.sock.Close()
	})
}

// teardown releases everything the connection holds: audit trail, liveness
// transition, lookup table entry, socket. Runs exactly once, when the read
// loop exits.
func (c *Conn) teardown() {
	c.downOnce.Do(func() {
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.cancel()

		c.mu.Lock()
		branchID := c.branchID
		authed := c.state == stateAuthenticated
		c.state = stateClosed
		c.queue = nil
		c.buf = nil
		c.mu.Unlock()

		var body any = "unauthorized socket"
		if branchID != 0 {
			body = branchID
		}
		c.server.auditAppend(0, 0, branchID, auditTypeDisconnect, body, false)

		if c.server.tracker != nil {
			c.server.tracker.SetBranchOffline(branchID)
		}
		if authed && c.server.directory != nil {
			c.server.directory.RecordOffline(branchID, c.server.now())
		}
		c.server.unregister(c, branchID)
		_ = c.sock.Close()

		if branchID != 0 {
			c.log().Info("Branch disconnected", slog.Int64("branch_id", branchID))
		} else {
			c.log().Info("Unauthorized connection closed",
				logging.MaskField("remote_address", c.remoteAddr))
		}
	})
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

func (c *Conn) info() BranchInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BranchInfo{
		BranchID:    c.branchID,
		RemoteAddr:  c.remoteAddr,
		QueueLen:    len(c.queue),
		ConnectedAt: c.connectedAt,
	}
}

func (c *Conn) log() *slog.Logger {
	return c.server.logger
}
