// Package probe implements ProbeScheduler (C9): active network
// measurement across ping, tcp-connect, and http probe kinds. Ping
// delivery is completion-driven rather than polled, the way EventLoop
// (C1) drives IngressHTTP/DomainIngress — but golang.org/x/net/icmp's
// PacketConn exposes no portable fd for epoll registration, so each
// destination gets one dedicated receiver goroutine blocking on
// RecvFrom instead, matching what netendpoint.Endpoint.Fd() already
// documents for ICMP endpoints.
package probe

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/semaphore"

	"argusagent/internal/agenterrors"
	"argusagent/internal/channel"
	"argusagent/internal/metric"
	"argusagent/internal/netendpoint"
	"argusagent/internal/registry"
	"argusagent/internal/resourcemon"
	"argusagent/internal/window"
)

const metricDetectStatus = "detect_status"

// BaseTick is the detectScheduleUnit: the shared task timer.
const BaseTick = 100 * time.Millisecond

// DefaultWorkers bounds concurrent one-shot probe dispatches.
const DefaultWorkers = 8

// RTTWindowSpan bounds how long ping RTT samples are retained.
const RTTWindowSpan = 5 * time.Minute

type pendingEcho struct {
	taskID string
	sentAt time.Time
}

// pingSession is the per-destination detector object: an ICMP socket and
// sequence counter, exclusively owned by the scheduler.
type pingSession struct {
	ep *netendpoint.Endpoint

	mu      sync.Mutex
	nextSeq uint16
	pending map[uint16]pendingEcho
}

// pingState is the PingSample runtime record for one task.
type pingState struct {
	mu           sync.Mutex
	count        int
	lostCount    int
	lastSchedule time.Time
	rttWindow    *window.Window
}

// Scheduler is the ProbeScheduler implementation.
type Scheduler struct {
	log     *slog.Logger
	reg     *registry.Registry
	channel *channel.Manager
	mon     *resourcemon.Monitor
	sem     *semaphore.Weighted
	client  *http.Client

	mu           sync.Mutex
	lastRun      map[string]time.Time
	inflight     map[string]bool
	lastStatus   map[string]bool
	pingSessions map[string]*pingSession // destination -> session
	pingStates   map[string]*pingState   // task id -> state
}

// New builds a Scheduler. workers bounds concurrent probe dispatch. mon may
// be nil, in which case critical-section tracking is skipped.
func New(log *slog.Logger, reg *registry.Registry, ch *channel.Manager, mon *resourcemon.Monitor, workers int) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		log:          log.With("component", "probe_scheduler"),
		reg:          reg,
		channel:      ch,
		mon:          mon,
		sem:          semaphore.NewWeighted(int64(workers)),
		client:       &http.Client{},
		lastRun:      make(map[string]time.Time),
		inflight:     make(map[string]bool),
		lastStatus:   make(map[string]bool),
		pingSessions: make(map[string]*pingSession),
		pingStates:   make(map[string]*pingState),
	}
}

// Run drives the shared task timer until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(BaseTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	snapshot := s.reg.Get(registry.FamilyProbe)
	var okList, errList, skipList []string
	for id, task := range snapshot.Tasks {
		pt, ok := task.(registry.ProbeTask)
		if !ok {
			continue
		}

		s.mu.Lock()
		if s.inflight[id] {
			s.mu.Unlock()
			skipList = append(skipList, id)
			continue
		}
		last, seen := s.lastRun[id]
		s.mu.Unlock()
		if seen && now.Before(last.Add(pt.Interval)) {
			continue
		}
		if !pt.TimeWin.Contains(now) {
			skipList = append(skipList, id)
			continue
		}
		if !s.sem.TryAcquire(1) {
			skipList = append(skipList, id)
			continue
		}

		s.mu.Lock()
		s.inflight[id] = true
		s.lastRun[id] = now
		ok2, seenStatus := s.lastStatus[id]
		s.mu.Unlock()
		if !seenStatus || ok2 {
			okList = append(okList, id)
		} else {
			errList = append(errList, id)
		}

		go func(pt registry.ProbeTask) {
			defer func() {
				s.sem.Release(1)
				s.mu.Lock()
				s.inflight[pt.ID] = false
				s.mu.Unlock()
			}()
			s.dispatch(ctx, pt)
		}(pt)
	}
	s.emitStatus(now, okList, errList, skipList)
}

func (s *Scheduler) emitStatus(now time.Time, okList, errList, skipList []string) {
	s.channel.Send(s.channel.AllOutputs(), metric.Batch{
		TaskID: "probe_scheduler",
		Metrics: []metric.Metric{{
			Name:  metricDetectStatus,
			Value: float64(len(okList) + len(errList) + len(skipList)),
			Labels: map[string]string{
				"ok_list":    strings.Join(okList, ","),
				"error_list": strings.Join(errList, ","),
				"skip_list":  strings.Join(skipList, ","),
			},
			Timestamp: now,
			Kind:      metric.KindGauge,
		}},
	})
}

func (s *Scheduler) dispatch(ctx context.Context, pt registry.ProbeTask) {
	var handle *resourcemon.Handle
	if s.mon != nil {
		handle = s.mon.Begin(pt.ID)
	}

	var ok bool
	switch pt.Kind {
	case registry.ProbePing:
		ok = s.runPing(pt)
	case registry.ProbeTCP:
		ok = s.runTCP(ctx, pt)
	case registry.ProbeHTTP:
		ok = s.runHTTP(ctx, pt)
	}

	if handle != nil {
		handle.End()
	}
	s.mu.Lock()
	s.lastStatus[pt.ID] = ok
	s.mu.Unlock()
}

func (s *Scheduler) emit(pt registry.ProbeTask, m metric.Metric) {
	s.channel.Send(channel.FromTaskOutputs(pt.Outputs), metric.Batch{TaskID: pt.ID, Metrics: []metric.Metric{m}})
}

// --- ping ---

func (s *Scheduler) sessionFor(destination string) (*pingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.pingSessions[destination]; ok {
		return sess, nil
	}
	ep, err := netendpoint.OpenICMP(destination, 0, 64<<10)
	if err != nil {
		return nil, err
	}
	sess := &pingSession{ep: ep, pending: make(map[uint16]pendingEcho)}
	s.pingSessions[destination] = sess
	go s.receiveLoop(destination, sess)
	return sess, nil
}

// receiveLoop is the completion-driven ICMP reader for one destination:
// it blocks on RecvFrom and resolves pending echoes as replies arrive.
func (s *Scheduler) receiveLoop(destination string, sess *pingSession) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sess.ep.RecvFrom(buf)
		if err != nil {
			if agenterrors.Is(err, agenterrors.ETimeout) {
				continue // timeout, spurious wakeup equivalent: keep listening
			}
			return
		}
		msg, err := icmp.ParseMessage(1, buf[:n]) // 1 == IANA protocol number for ICMPv4
		if err != nil {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		sess.mu.Lock()
		pe, ok := sess.pending[uint16(echo.Seq)]
		if ok {
			delete(sess.pending, uint16(echo.Seq))
		}
		sess.mu.Unlock()
		if !ok {
			continue
		}

		rtt := time.Since(pe.sentAt)
		s.mu.Lock()
		ps := s.pingStates[pe.taskID]
		s.mu.Unlock()
		if ps == nil {
			continue
		}
		ps.mu.Lock()
		ps.rttWindow.Add(rtt)
		ps.mu.Unlock()
	}
}

func (s *Scheduler) pingStateFor(taskID string) *pingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.pingStates[taskID]
	if !ok {
		ps = &pingState{rttWindow: window.New(RTTWindowSpan)}
		s.pingStates[taskID] = ps
	}
	return ps
}

func (s *Scheduler) runPing(pt registry.ProbeTask) bool {
	sess, err := s.sessionFor(pt.Destination)
	if err != nil {
		s.log.Error("probe_scheduler: open icmp socket", "task", pt.ID, "destination", pt.Destination, "error", err)
		return false
	}
	ps := s.pingStateFor(pt.ID)

	sess.mu.Lock()
	seq := sess.nextSeq
	sess.nextSeq++
	sess.pending[seq] = pendingEcho{taskID: pt.ID, sentAt: time.Now()}
	sess.mu.Unlock()

	ps.mu.Lock()
	ps.count++
	ps.lastSchedule = time.Now()
	ps.mu.Unlock()

	wm := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: pingID(pt.ID), Seq: int(seq), Data: []byte("argusagent")},
	}
	wb, err := wm.Marshal(nil)
	if err != nil {
		s.log.Error("probe_scheduler: marshal icmp echo", "task", pt.ID, "error", err)
		return false
	}
	dst := &net.UDPAddr{IP: net.ParseIP(pt.Destination)}
	sendOK := true
	if _, err := sess.ep.SendTo(dst, wb); err != nil {
		s.log.Error("probe_scheduler: send icmp echo", "task", pt.ID, "error", err)
		sendOK = false
	}

	timeout := pt.Timeout
	if timeout <= 0 {
		timeout = netendpoint.DefaultTimeout
	}
	time.AfterFunc(timeout, func() {
		sess.mu.Lock()
		_, stillPending := sess.pending[seq]
		delete(sess.pending, seq)
		sess.mu.Unlock()

		if !stillPending {
			return // reply arrived before the timer fired
		}
		ps.mu.Lock()
		ps.lostCount++
		mean := ps.rttWindow.Mean()
		maxRTT := ps.rttWindow.Max()
		count, lost := ps.count, ps.lostCount
		ps.mu.Unlock()

		lossPct := 0.0
		if count > 0 {
			lossPct = float64(lost) / float64(count) * 100
		}
		s.emit(pt, metric.Metric{
			Name:      "probe_ping_loss_percent",
			Value:     lossPct,
			Labels:    map[string]string{"task": pt.ID, "destination": pt.Destination},
			Timestamp: time.Now(),
			Kind:      metric.KindGauge,
		})
		s.emit(pt, metric.Metric{
			Name:      "probe_ping_rtt_mean_ms",
			Value:     float64(mean.Microseconds()) / 1000,
			Labels:    map[string]string{"task": pt.ID, "destination": pt.Destination},
			Timestamp: time.Now(),
			Kind:      metric.KindGauge,
		})
		s.emit(pt, metric.Metric{
			Name:      "probe_ping_rtt_max_ms",
			Value:     float64(maxRTT.Microseconds()) / 1000,
			Labels:    map[string]string{"task": pt.ID, "destination": pt.Destination},
			Timestamp: time.Now(),
			Kind:      metric.KindGauge,
		})
	})
	return sendOK
}

func pingID(taskID string) int {
	h := 0
	for _, c := range taskID {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h & 0xffff
}

// --- tcp-connect ---

func (s *Scheduler) runTCP(ctx context.Context, pt registry.ProbeTask) bool {
	timeout := pt.Timeout
	if timeout <= 0 {
		timeout = netendpoint.DefaultTimeout
	}
	start := time.Now()
	ep, err := netendpoint.Connect(netendpoint.KindTCP, pt.Destination, timeout)
	latency := time.Since(start)

	code := 0
	if err != nil {
		code = tcpErrorCode(err)
	}
	labels := map[string]string{"task": pt.ID, "destination": pt.Destination}
	s.emit(pt, metric.Metric{Name: "probe_tcp_connect_code", Value: float64(code), Labels: labels, Timestamp: start, Kind: metric.KindGauge})
	s.emit(pt, metric.Metric{Name: "probe_tcp_connect_latency_ms", Value: float64(latency.Microseconds()) / 1000, Labels: labels, Timestamp: start, Kind: metric.KindGauge})
	if err != nil {
		return false
	}
	defer ep.Shutdown()

	if pt.Keyword == "" {
		return true
	}
	if pt.RequestBody != "" {
		if _, err := ep.Send([]byte(pt.RequestBody)); err != nil {
			return false
		}
	}
	buf := make([]byte, 64<<10)
	n, err := ep.Recv(buf)
	if err != nil {
		return false
	}
	matched := strings.Contains(string(buf[:n]), pt.Keyword)
	if pt.Negative {
		matched = !matched
	}
	s.emit(pt, metric.Metric{Name: "probe_tcp_keyword_match", Value: boolToFloat(matched), Labels: labels, Timestamp: time.Now(), Kind: metric.KindGauge})
	return true
}

func tcpErrorCode(err error) int {
	if agenterrors.Is(err, agenterrors.ETimeout) {
		return 2
	}
	return 1
}

// --- http ---

func (s *Scheduler) runHTTP(ctx context.Context, pt registry.ProbeTask) bool {
	timeout := pt.Timeout
	if timeout <= 0 {
		timeout = netendpoint.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	labels := map[string]string{"task": pt.ID, "destination": pt.Destination}
	start := time.Now()

	method := http.MethodGet
	var body *strings.Reader
	if pt.RequestBody != "" {
		method = http.MethodPost
		body = strings.NewReader(pt.RequestBody)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(cctx, method, pt.Destination, body)
	} else {
		req, err = http.NewRequestWithContext(cctx, method, pt.Destination, nil)
	}
	if err != nil {
		s.emit(pt, metric.Metric{Name: "probe_http_code", Value: 0, Labels: labels, Timestamp: start, Kind: metric.KindGauge})
		return false
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.emit(pt, metric.Metric{Name: "probe_http_code", Value: 0, Labels: labels, Timestamp: start, Kind: metric.KindGauge})
		s.emit(pt, metric.Metric{Name: "probe_http_latency_ms", Value: float64(latency.Microseconds()) / 1000, Labels: labels, Timestamp: start, Kind: metric.KindGauge})
		return false
	}
	defer resp.Body.Close()

	respBody := make([]byte, 64<<10)
	n, _ := resp.Body.Read(respBody)

	s.emit(pt, metric.Metric{Name: "probe_http_code", Value: float64(resp.StatusCode), Labels: labels, Timestamp: start, Kind: metric.KindGauge})
	s.emit(pt, metric.Metric{Name: "probe_http_latency_ms", Value: float64(latency.Microseconds()) / 1000, Labels: labels, Timestamp: start, Kind: metric.KindGauge})
	s.emit(pt, metric.Metric{Name: "probe_http_body_len", Value: float64(n), Labels: labels, Timestamp: start, Kind: metric.KindGauge})

	ok := resp.StatusCode < 400
	if pt.Keyword == "" {
		return ok
	}
	matched := strings.Contains(string(respBody[:n]), pt.Keyword)
	if pt.Negative {
		matched = !matched
	}
	s.emit(pt, metric.Metric{Name: "probe_http_keyword_match", Value: boolToFloat(matched), Labels: labels, Timestamp: time.Now(), Kind: metric.KindGauge})
	return ok && matched
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Close releases every open ping session's ICMP socket.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, sess := range s.pingSessions {
		if err := sess.ep.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
