// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/internal/csot"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/wiremessage"
)

// minHeartbeatInterval is the floor the Monitor's heartbeat loop is rate
// limited to regardless of a requested immediate check, preventing a storm
// of RequestImmediateCheck calls from flooding the server.
const minHeartbeatInterval = 500 * time.Millisecond

// streamingWireVersion is the minimum wire version a server must advertise
// before the Monitor switches to the streaming "awaitable hello" protocol
// (isMaster/hello with moreToCome), holding a single exhaust connection
// open rather than dialing fresh for every heartbeat.
const streamingWireVersion = 9

// ServerHeartbeatEvent is emitted by the Monitor before and after every
// heartbeat attempt.
type ServerHeartbeatEvent struct {
	Type     string // "started", "succeeded", "failed"
	Address  address.Address
	Duration time.Duration
	Err      error
}

// ServerMonitorFunc receives every ServerHeartbeatEvent a Monitor emits.
type ServerMonitorFunc func(*ServerHeartbeatEvent)

// monitor runs the independent heartbeat loop (C4): it dials its own
// connection (never borrowed from the application pool), sends periodic
// hello commands, and republishes each resulting description.Server to the
// owning Server.
type monitor struct {
	addr address.Address
	cfg  *serverConfig

	rtt *rttMonitor

	publish func(description.Server)

	conn       *connection
	streaming  bool
	rttConn    *connection
	lastTV     *description.TopologyVersion

	checkNow chan struct{}
	done     chan struct{}
	closewg  sync.WaitGroup
}

func newMonitor(addr address.Address, cfg *serverConfig, publish func(description.Server)) *monitor {
	return &monitor{
		addr:     addr,
		cfg:      cfg,
		rtt:      &rttMonitor{},
		publish:  publish,
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// RTTMonitor exposes this monitor's round-trip-time statistics.
func (m *monitor) RTTMonitor() csot.RTTMonitor { return m.rtt }

func (m *monitor) start() {
	m.closewg.Add(1)
	go m.run()
}

// requestImmediateCheck asks the loop to heartbeat now rather than waiting
// for the next tick, without blocking if one is already pending.
func (m *monitor) requestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *monitor) stop() {
	close(m.done)
	m.closewg.Wait()
	if m.conn != nil {
		m.conn.close()
	}
	if m.rttConn != nil {
		m.rttConn.close()
	}
}

func (m *monitor) run() {
	defer m.closewg.Done()

	heartbeatTicker := time.NewTicker(m.interval())
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()

	m.publish(m.heartbeat(context.Background()))

	for {
		select {
		case <-m.done:
			return
		case <-heartbeatTicker.C:
		case <-m.checkNow:
		}

		select {
		case <-m.done:
			return
		case <-rateLimiter.C:
		}

		m.publish(m.heartbeat(context.Background()))
	}
}

func (m *monitor) interval() time.Duration {
	if m.cfg.heartbeatInterval < description.MinHeartbeatInterval {
		return description.MinHeartbeatInterval
	}
	return m.cfg.heartbeatInterval
}

// heartbeat performs one (possibly streaming) hello exchange. On failure it
// closes the held connection, so the next heartbeat dials a fresh one, and
// reports the server Unknown with the observed error; it does not retry.
func (m *monitor) heartbeat(ctx context.Context) description.Server {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.heartbeatTimeout)
	defer cancel()

	start := time.Now()
	desc, err := m.exchange(ctx)
	if err != nil {
		if m.conn != nil {
			m.conn.close()
			m.conn = nil
		}
		m.streaming = false
		return description.NewServerFromError(m.addr, err, m.lastTV)
	}

	delay := time.Since(start)
	desc = desc.SetAverageRTT(m.rtt.addSample(delay))
	desc.HeartbeatInterval = m.interval()
	m.lastTV = desc.TopologyVersion
	return desc
}

// exchange sends (or reads the next streamed reply of) one hello command,
// dialing a dedicated monitoring connection on first use or after a prior
// failure.
func (m *monitor) exchange(ctx context.Context) (description.Server, error) {
	if m.conn == nil {
		ccfg, err := newConnectionConfig(append(append([]ConnectionOption{}, m.cfg.connectionOpts...),
			WithHandshaker(nil), WithCredential("", nil))...)
		if err != nil {
			return description.Server{}, err
		}
		conn := newConnection(m.addr, ccfg)
		if err := conn.connect(ctx); err != nil {
			return description.Server{}, err
		}
		m.conn = conn
		m.streaming = false
	}

	wantMoreToCome := m.streaming && m.conn.desc.WireVersion != nil && m.conn.desc.WireVersion.Max >= streamingWireVersion

	if wantMoreToCome {
		wm, err := m.conn.ReadWireMessage(ctx)
		if err != nil {
			return description.Server{}, err
		}
		desc, err := decodeHelloReply(m.addr, wm)
		if err != nil {
			return description.Server{}, err
		}
		m.conn.desc = desc
		return desc, nil
	}

	supportsStreaming := m.conn.desc.WireVersion != nil && m.conn.desc.WireVersion.Max >= streamingWireVersion
	wm := buildHelloCommand(m.cfg.appname, m.cfg.compressors, supportsStreaming, m.lastTV)
	if err := m.conn.WriteWireMessage(ctx, wm); err != nil {
		return description.Server{}, err
	}
	reply, err := m.conn.ReadWireMessage(ctx)
	if err != nil {
		return description.Server{}, err
	}
	desc, err := decodeHelloReply(m.addr, reply)
	if err != nil {
		return description.Server{}, err
	}
	m.conn.desc = desc
	if supportsStreaming {
		m.streaming = true
	}
	return desc, nil
}

// rttSampleWindow bounds how many raw round-trip samples rttMonitor keeps
// for its Min/P90 statistics, matching the other heartbeat bookkeeping's
// preference for a fixed bound over an unbounded history.
const rttSampleWindow = 500

// rttMonitor tracks a server's round-trip time two ways: an exponentially
// weighted moving average for server selection's latency window, and a
// rolling sample buffer for the Min/P90 diagnostics exposed through
// csot.RTTMonitor.
type rttMonitor struct {
	mu       sync.Mutex
	ewmaSet  bool
	ewma     time.Duration
	samples  [rttSampleWindow]time.Duration
	nSamples int
	offset   int
}

// addSample records delay and returns the updated EWMA.
func (r *rttMonitor) addSample(delay time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ewmaSet {
		r.ewma = delay
		r.ewmaSet = true
	} else {
		const alpha = 0.2
		r.ewma = time.Duration(alpha*float64(delay) + (1-alpha)*float64(r.ewma))
	}

	r.samples[r.offset] = delay
	r.offset = (r.offset + 1) % rttSampleWindow
	if r.nSamples < rttSampleWindow {
		r.nSamples++
	}
	return r.ewma
}

// EWMA implements csot.RTTMonitor.
func (r *rttMonitor) EWMA() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ewma
}

// Min implements csot.RTTMonitor.
func (r *rttMonitor) Min() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nSamples == 0 {
		return 0
	}
	min := r.samples[0]
	for i := 1; i < r.nSamples; i++ {
		if r.samples[i] < min {
			min = r.samples[i]
		}
	}
	return min
}

// P90 implements csot.RTTMonitor.
func (r *rttMonitor) P90() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nSamples == 0 {
		return 0
	}
	sorted := make([]time.Duration, r.nSamples)
	copy(sorted, r.samples[:r.nSamples])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.90)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stats implements csot.RTTMonitor.
func (r *rttMonitor) Stats() string {
	return fmt.Sprintf("average RTT: %v, min RTT: %v, 90th percentile RTT: %v", r.EWMA(), r.Min(), r.P90())
}

// buildHelloCommand assembles a bare (unauthenticated) hello/isMaster wire
// message. When supportsStreaming is true it requests the server hold the
// connection open and stream subsequent replies via moreToCome.
func buildHelloCommand(appname string, compressors []string, supportsStreaming bool, tv *description.TopologyVersion) []byte {
	elems := bsoncore.AppendInt32Element(nil, "isMaster", 1)
	elems = bsoncore.AppendBooleanElement(elems, "helloOk", true)
	if appname != "" {
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendStringElement(dst, "name", appname)
		dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
		elems = bsoncore.AppendDocumentElement(elems, "client", dst)
	}
	if len(compressors) > 0 {
		ab := bsoncore.NewArrayBuilder()
		for _, c := range compressors {
			ab.AppendString(c)
		}
		elems = bsoncore.AppendArrayElement(elems, "compression", ab.Build())
	}
	elems = bsoncore.AppendStringElement(elems, "$db", "admin")
	if supportsStreaming && tv != nil {
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendObjectIDElement(dst, "processId", tv.ProcessID)
		dst = bsoncore.AppendInt64Element(dst, "counter", tv.Counter)
		dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
		elems = bsoncore.AppendDocumentElement(elems, "topologyVersion", dst)
		elems = bsoncore.AppendInt64Element(elems, "maxAwaitTimeMS", 10000)
	}
	cmd := bsoncore.BuildDocumentFromElements(elems)

	flags := wiremessage.MsgFlag(0)
	if supportsStreaming {
		flags = wiremessage.ExhaustAllowed
	}
	return wiremessage.AppendOpMsg(wiremessage.NextRequestID(), flags, []wiremessage.Section{
		{Kind: 0, Documents: []bsoncore.Document{cmd}},
	})
}

func decodeHelloReply(addr address.Address, wm []byte) (description.Server, error) {
	_, sections, err := wiremessage.DecodeOpMsg(wm)
	if err != nil {
		return description.Server{}, err
	}
	doc, err := wiremessage.FirstDocument(sections)
	if err != nil {
		return description.Server{}, err
	}
	if !commandSucceededDoc(doc) {
		code, _ := doc.Lookup("code").Int32OK()
		errmsg, _ := doc.Lookup("errmsg").StringValueOK()
		return description.Server{}, fmt.Errorf("hello failed: (%d) %s", code, errmsg)
	}
	return parseHelloReply(addr, doc), nil
}

func commandSucceededDoc(resp bsoncore.Document) bool {
	v := resp.Lookup("ok")
	if f, ok := v.DoubleOK(); ok {
		return f != 0
	}
	if i, ok := v.Int32OK(); ok {
		return i != 0
	}
	return false
}

func parseHelloReply(addr address.Address, doc bsoncore.Document) description.Server {
	desc := description.Server{
		Addr:           addr,
		Kind:           description.Standalone,
		LastUpdateTime: time.Now(),
	}

	if v, err := doc.LookupErr("ismaster"); err == nil {
		if b, ok := v.BooleanOK(); ok && b {
			desc.Kind = description.RSPrimary
		}
	}
	if v, err := doc.LookupErr("secondary"); err == nil {
		if b, ok := v.BooleanOK(); ok && b {
			desc.Kind = description.RSSecondary
		}
	}
	if v, err := doc.LookupErr("arbiterOnly"); err == nil {
		if b, ok := v.BooleanOK(); ok && b {
			desc.Kind = description.RSArbiter
		}
	}
	if v, err := doc.LookupErr("msg"); err == nil {
		if s, ok := v.StringValueOK(); ok && s == "isdbgrid" {
			desc.Kind = description.Mongos
		}
	}
	if v, err := doc.LookupErr("setName"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			desc.SetName = s
			if desc.Kind == description.Standalone {
				desc.Kind = description.RSOther
			}
		}
	}
	if v, err := doc.LookupErr("hidden"); err == nil {
		if b, ok := v.BooleanOK(); ok && b {
			desc.Kind = description.RSOther
		}
	}

	desc.Hosts = stringArray(doc, "hosts")
	desc.Passives = stringArray(doc, "passives")
	desc.Arbiters = stringArray(doc, "arbiters")

	if v, err := doc.LookupErr("me"); err == nil {
		desc.Me, _ = v.StringValueOK()
	}
	if v, err := doc.LookupErr("setVersion"); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			desc.SetVersion = &n
		}
	}
	if v, err := doc.LookupErr("electionId"); err == nil {
		if oid, ok := v.ObjectIDOK(); ok {
			desc.ElectionID = &oid
		}
	}
	if v, err := doc.LookupErr("minWireVersion"); err == nil {
		min, _ := v.AsInt64OK()
		max := min
		if mv, err := doc.LookupErr("maxWireVersion"); err == nil {
			max, _ = mv.AsInt64OK()
		}
		desc.WireVersion = &description.VersionRange{Min: int32(min), Max: int32(max)}
	}
	if v, err := doc.LookupErr("maxMessageSizeBytes"); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			desc.MaxMessageSize = uint32(n)
		}
	}
	if v, err := doc.LookupErr("maxWriteBatchSize"); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			desc.MaxWriteBatchSize = uint32(n)
		}
	}
	if v, err := doc.LookupErr("maxBsonObjectSize"); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			desc.MaxDocumentSize = uint32(n)
		}
	}
	if v, err := doc.LookupErr("logicalSessionTimeoutMinutes"); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			desc.SessionTimeoutMinutes = &n
		}
	}
	if v, err := doc.LookupErr("compression"); err == nil {
		desc.Compression = stringArrayValue(v)
	}
	if v, err := doc.LookupErr("serviceId"); err == nil {
		if oid, ok := v.ObjectIDOK(); ok {
			desc.ServiceID = &oid
			desc.Kind = description.LoadBalancer
		}
	}
	if v, err := doc.LookupErr("topologyVersion"); err == nil {
		tvDoc := v.Document()
		tv := &description.TopologyVersion{}
		if pidVal, err := tvDoc.LookupErr("processId"); err == nil {
			tv.ProcessID, _ = pidVal.ObjectIDOK()
		}
		if cVal, err := tvDoc.LookupErr("counter"); err == nil {
			tv.Counter, _ = cVal.AsInt64OK()
		}
		desc.TopologyVersion = tv
	}

	tags := description.TagSet{}
	if v, err := doc.LookupErr("tags"); err == nil {
		tagDoc := v.Document()
		elems, _ := tagDoc.Elements()
		for _, e := range elems {
			if s, ok := e.Value().StringValueOK(); ok {
				tags[e.Key()] = s
			}
		}
	}
	desc.Tags = tags

	return desc
}

func stringArray(doc bsoncore.Document, key string) []string {
	v, err := doc.LookupErr(key)
	if err != nil {
		return nil
	}
	return stringArrayValue(v)
}

func stringArrayValue(v bsoncore.Value) []string {
	values, err := v.Array().Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, e := range values {
		if s, ok := e.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}
