package handoff_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"texbridge/internal/fdpass"
	"texbridge/internal/frame"
	"texbridge/internal/handoff"
	"texbridge/internal/metadata"
	"texbridge/internal/stats"
	"texbridge/internal/taskqueue"
)

type descriptorCall struct {
	endpoint string
	fd       int
	token    []byte
	body     []byte
}

type fakeDescriptors struct {
	mu       sync.Mutex
	calls    []descriptorCall
	err      error
	block    chan struct{}
	inflight atomic.Bool
	// released reports whether the frame under send had already been released.
	released []bool
	current  func() *frame.Frame
}

func (d *fakeDescriptors) record(call descriptorCall) error {
	d.inflight.Store(true)
	defer d.inflight.Store(false)
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if d.current != nil {
		d.released = append(d.released, d.current().Released())
	}
	return d.err
}

func (d *fakeDescriptors) Send(_ context.Context, endpoint string, fd int, token []byte) error {
	return d.record(descriptorCall{endpoint: endpoint, fd: fd, token: token})
}

func (d *fakeDescriptors) SendWithMetadata(_ context.Context, endpoint string, fd int, body []byte) error {
	return d.record(descriptorCall{endpoint: endpoint, fd: fd, body: body})
}

func (d *fakeDescriptors) Calls() []descriptorCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]descriptorCall(nil), d.calls...)
}

type fakeMetadata struct {
	mu       sync.Mutex
	payloads []frame.Metadata
	err      error
	noPeer   bool
	resets   int
	// descriptorBusy is sampled on every send to catch overlap with the descriptor channel.
	descriptors *fakeDescriptors
	overlapped  bool
}

func (m *fakeMetadata) Send(_ context.Context, payload any) (*metadata.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := payload.(frame.Metadata)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}
	m.payloads = append(m.payloads, md)
	if m.descriptors != nil && m.descriptors.inflight.Load() && len(m.descriptors.Calls()) < len(m.payloads) {
		m.overlapped = true
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.noPeer {
		return nil, nil
	}
	return &metadata.Reply{Raw: "ok"}, nil
}

func (m *fakeMetadata) ResetPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *fakeMetadata) Payloads() []frame.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame.Metadata(nil), m.payloads...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []stats.Sample
}

func (r *fakeRecorder) Record(s stats.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *fakeRecorder) count(result stats.Result) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.samples {
		if s.Result == result {
			n++
		}
	}
	return n
}

func testFrame(seq uint64, releases *atomic.Int32) *frame.Frame {
	planes := []frame.Plane{
		{
			Descriptor: frame.Borrow(40 + int(seq)),
			Stride:     7680,
			Offset:     0,
			Modifier:   0x0100000000000002,
			Format:     gputypes.TextureFormatBGRA8Unorm,
			ColorSpace: "srgb",
		},
		{
			Descriptor: frame.Borrow(80 + int(seq)),
			Stride:     7680,
			Offset:     8294400,
			Format:     gputypes.TextureFormatBGRA8Unorm,
		},
	}
	return frame.New(seq, 1920, 1080, planes, frame.NewHandle(func() {
		if releases != nil {
			releases.Add(1)
		}
	}))
}

func newCoordinator(t *testing.T, deps handoff.Deps, opts handoff.Options) *handoff.Coordinator {
	t.Helper()
	if opts.Endpoint == "" {
		opts.Endpoint = "/run/texbridge-5555/0.sock"
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = 16
	}
	if opts.MaxFramesAhead == 0 {
		opts.MaxFramesAhead = 16
	}
	c := handoff.New(deps, opts)
	t.Cleanup(c.Close)
	return c
}

func TestHandleReleasesExactlyOnce(t *testing.T) {
	descFail := errors.New("sendmsg: broken pipe")
	metaFail := fmt.Errorf("%w: connection reset", metadata.ErrTransfer)

	combos := []struct {
		name       string
		descErr    error
		metaErr    error
		wantResult handoff.Result
	}{
		{"both succeed", nil, nil, handoff.ResultDelivered},
		{"descriptor fails", descFail, nil, handoff.ResultFailed},
		{"metadata fails", nil, metaFail, handoff.ResultFailed},
		{"both fail", descFail, metaFail, handoff.ResultFailed},
	}
	policies := []handoff.Policy{handoff.SplitStrict, handoff.Combined, handoff.ProbeThenSplit}

	for _, policy := range policies {
		for _, combo := range combos {
			t.Run(policy.String()+"/"+combo.name, func(t *testing.T) {
				var releases atomic.Int32
				f := testFrame(1, &releases)
				descriptors := &fakeDescriptors{err: combo.descErr, current: func() *frame.Frame { return f }}
				meta := &fakeMetadata{err: combo.metaErr}
				c := newCoordinator(t, handoff.Deps{
					Descriptors: descriptors,
					Metadata:    meta,
					Probe:       func(string) error { return nil },
				}, handoff.Options{Policy: policy, Redact: true})

				out := c.Handle(context.Background(), f)

				if releases.Load() != 1 {
					t.Fatalf("expected exactly one release, got %d", releases.Load())
				}
				if !out.Released || out.Final != handoff.StateReleased {
					t.Fatalf("outcome does not report release: %+v", out)
				}
				if again, _ := f.Release(); again {
					t.Fatal("second release should be a no-op")
				}
				if releases.Load() != 1 {
					t.Fatalf("second release ran the producer release, count %d", releases.Load())
				}
				for i, wasReleased := range descriptors.released {
					if wasReleased {
						t.Fatalf("descriptor send %d ran after release", i)
					}
				}

				want := combo.wantResult
				if policy == handoff.Combined && combo.descErr == nil {
					// Metadata rides with the descriptor; there is no separate metadata send to fail.
					want = handoff.ResultDelivered
				}
				if out.Result != want {
					t.Fatalf("expected %s, got %s (%v)", want, out.Result, out.Err)
				}
			})
		}
	}
}

func TestMissingDescriptorEndpointDropsFrame(t *testing.T) {
	endpoint := filepath.Join(t.TempDir(), "absent.sock")
	var releases atomic.Int32
	recorder := &fakeRecorder{}
	meta := &fakeMetadata{}
	c := newCoordinator(t, handoff.Deps{
		Descriptors: fdpass.NewSender(fdpass.Options{Timeout: time.Second}),
		Metadata:    meta,
		Stats:       recorder,
	}, handoff.Options{Policy: handoff.SplitStrict, Endpoint: endpoint, Redact: true})

	buffer, err := os.CreateTemp(t.TempDir(), "buffer")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	t.Cleanup(func() { _ = buffer.Close() })

	f := testFrame(1, &releases)
	// The descriptor must be open for the send to reach the connect step.
	f.Planes[0].Descriptor = frame.Borrow(int(buffer.Fd()))

	out := c.Handle(context.Background(), f)
	if out.Kind != handoff.KindConnection || out.Result != handoff.ResultDropped {
		t.Fatalf("expected connection drop, got %+v", out)
	}
	if !errors.Is(out.Err, fdpass.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", out.Err)
	}
	if releases.Load() != 1 {
		t.Fatalf("expected handle released once, got %d", releases.Load())
	}
	if recorder.count(stats.Dropped) != 1 {
		t.Fatalf("expected dropped counter 1, got %d", recorder.count(stats.Dropped))
	}
	if len(meta.Payloads()) != 0 {
		t.Fatal("metadata must not be sent for an undelivered descriptor")
	}
	if c.Totals().Dropped != 1 {
		t.Fatalf("unexpected totals %+v", c.Totals())
	}
}

func TestSilentDescriptorReceiverFailsFrameWithinTimeout(t *testing.T) {
	endpoint := filepath.Join(t.TempDir(), "silent.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: endpoint, Net: "unix"})
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping descriptor socket test: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	held := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			held <- conn
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case conn := <-held:
			_ = conn.Close()
		default:
		}
	})

	var releases atomic.Int32
	recorder := &fakeRecorder{}
	meta := &fakeMetadata{}
	c := newCoordinator(t, handoff.Deps{
		Descriptors: fdpass.NewSender(fdpass.Options{Timeout: 200 * time.Millisecond, AwaitAck: true}),
		Metadata:    meta,
		Stats:       recorder,
	}, handoff.Options{Policy: handoff.SplitStrict, Endpoint: endpoint, Redact: true})

	buffer, err := os.CreateTemp(t.TempDir(), "buffer")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	t.Cleanup(func() { _ = buffer.Close() })
	f := testFrame(1, &releases)
	f.Planes[0].Descriptor = frame.Borrow(int(buffer.Fd()))

	start := time.Now()
	out := c.Handle(context.Background(), f)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handle was not bounded by the send timeout: took %s", elapsed)
	}

	if out.Result != handoff.ResultFailed || out.Kind != handoff.KindTransfer {
		t.Fatalf("expected transfer failure, got %+v", out)
	}
	if !errors.Is(out.Err, fdpass.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", out.Err)
	}
	if !out.Released || out.Final != handoff.StateReleased || out.Duration < 150*time.Millisecond {
		t.Fatalf("outcome does not report release after the timeout: %+v", out)
	}
	if releases.Load() != 1 {
		t.Fatalf("expected handle released once, got %d", releases.Load())
	}
	if recorder.count(stats.Failed) != 1 || c.Totals().Failed != 1 {
		t.Fatalf("expected one failed frame, recorder=%d totals=%+v", recorder.count(stats.Failed), c.Totals())
	}
	if len(meta.Payloads()) != 0 {
		t.Fatal("metadata must not be sent for an unacknowledged descriptor")
	}
}

func TestSubmitAfterCloseReleases(t *testing.T) {
	var releases atomic.Int32
	recorder := &fakeRecorder{}
	c := handoff.New(handoff.Deps{Descriptors: &fakeDescriptors{}, Stats: recorder},
		handoff.Options{QueueDepth: 1, MaxFramesAhead: 1})
	c.Close()

	if c.Submit(context.Background(), testFrame(1, &releases)) {
		t.Fatal("closed coordinator accepted a frame")
	}
	c.Wait()
	if releases.Load() != 1 {
		t.Fatalf("rejected frame must be released, releases=%d", releases.Load())
	}
	if c.InFlight() != 0 {
		t.Fatalf("expected no frames in flight, got %d", c.InFlight())
	}
}

func TestProbeThenSplitSkipsBothChannels(t *testing.T) {
	var releases atomic.Int32
	descriptors := &fakeDescriptors{}
	meta := &fakeMetadata{}
	c := newCoordinator(t, handoff.Deps{
		Descriptors: descriptors,
		Metadata:    meta,
	}, handoff.Options{Policy: handoff.ProbeThenSplit, Endpoint: filepath.Join(t.TempDir(), "absent.sock")})

	out := c.Handle(context.Background(), testFrame(1, &releases))
	if out.Result != handoff.ResultDropped || out.Kind != handoff.KindConnection {
		t.Fatalf("expected probe drop, got %+v", out)
	}
	if len(descriptors.Calls()) != 0 || len(meta.Payloads()) != 0 {
		t.Fatal("no channel should be used when the probe fails")
	}
	if releases.Load() != 1 {
		t.Fatalf("expected one release, got %d", releases.Load())
	}
}

func TestSplitStrictSendsRedactedMetadataAfterDescriptor(t *testing.T) {
	var releases atomic.Int32
	descriptors := &fakeDescriptors{}
	meta := &fakeMetadata{descriptors: descriptors}
	c := newCoordinator(t, handoff.Deps{Descriptors: descriptors, Metadata: meta},
		handoff.Options{Policy: handoff.SplitStrict, Redact: true, Token: []byte("stream-0")})

	f := testFrame(7, &releases)
	source := frame.BuildMetadata(f)

	out := c.Handle(context.Background(), f)
	if out.Result != handoff.ResultDelivered || out.Reached != handoff.StateMetadataSent {
		t.Fatalf("unexpected outcome %+v", out)
	}

	calls := descriptors.Calls()
	if len(calls) != 1 || calls[0].fd != 47 || string(calls[0].token) != "stream-0" {
		t.Fatalf("unexpected descriptor calls %+v", calls)
	}
	payloads := meta.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("expected one metadata send, got %d", len(payloads))
	}
	got := payloads[0]
	if got.Planes[0].FD != frame.NoDescriptor {
		t.Fatalf("expected planes[0].fd == -1, got %d", got.Planes[0].FD)
	}
	for i := range got.Planes {
		plane := got.Planes[i]
		if plane.FD != frame.NoDescriptor {
			t.Fatalf("plane %d not redacted", i)
		}
		plane.FD = source.Planes[i].FD
		if plane != source.Planes[i] {
			t.Fatalf("plane %d modified beyond fd: %+v vs %+v", i, plane, source.Planes[i])
		}
	}
	if got.Width != 1920 || got.Height != 1080 || got.Seq != 7 {
		t.Fatalf("frame fields modified: %+v", got)
	}
	if meta.overlapped {
		t.Fatal("metadata was sent while its descriptor was still in flight")
	}
}

func TestRedactionCanBeDisabled(t *testing.T) {
	meta := &fakeMetadata{}
	c := newCoordinator(t, handoff.Deps{Descriptors: &fakeDescriptors{}, Metadata: meta},
		handoff.Options{Policy: handoff.SplitStrict, Redact: false})

	c.Handle(context.Background(), testFrame(3, nil))
	payloads := meta.Payloads()
	if len(payloads) != 1 || payloads[0].Planes[0].FD != 43 {
		t.Fatalf("expected raw fd in metadata, got %+v", payloads)
	}
}

func TestCombinedCarriesMetadataInDescriptorMessage(t *testing.T) {
	descriptors := &fakeDescriptors{}
	meta := &fakeMetadata{}
	c := newCoordinator(t, handoff.Deps{Descriptors: descriptors, Metadata: meta},
		handoff.Options{Policy: handoff.Combined, Redact: true})

	out := c.Handle(context.Background(), testFrame(2, nil))
	if out.Result != handoff.ResultDelivered || out.Reached != handoff.StateMetadataSent {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(meta.Payloads()) != 0 {
		t.Fatal("combined policy must not use the metadata channel")
	}
	calls := descriptors.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one descriptor call, got %d", len(calls))
	}
	var body frame.Metadata
	if err := json.Unmarshal(calls[0].body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Seq != 2 || body.Planes[0].Stride != 7680 || body.Planes[0].FD != frame.NoDescriptor {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestEmptyFrameSkipsChannels(t *testing.T) {
	var releases atomic.Int32
	descriptors := &fakeDescriptors{}
	meta := &fakeMetadata{}
	recorder := &fakeRecorder{}
	c := newCoordinator(t, handoff.Deps{Descriptors: descriptors, Metadata: meta, Stats: recorder},
		handoff.Options{Policy: handoff.SplitStrict})

	empty := frame.New(4, 1920, 1080, nil, frame.NewHandle(func() { releases.Add(1) }))
	out := c.Handle(context.Background(), empty)
	if out.Result != handoff.ResultEmpty || out.Err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	c.Handle(context.Background(), nil)

	if len(descriptors.Calls()) != 0 || len(meta.Payloads()) != 0 {
		t.Fatal("empty frames must not touch the channels")
	}
	if releases.Load() != 1 {
		t.Fatalf("expected empty frame released once, got %d", releases.Load())
	}
	if recorder.count(stats.Empty) != 2 || recorder.count(stats.Failed) != 0 || recorder.count(stats.Dropped) != 0 {
		t.Fatalf("empty frames must be counted apart from failures: %+v", recorder.samples)
	}
}

func TestMalformedFrameFailsAndReleases(t *testing.T) {
	var releases atomic.Int32
	descriptors := &fakeDescriptors{}
	c := newCoordinator(t, handoff.Deps{Descriptors: descriptors, Metadata: &fakeMetadata{}},
		handoff.Options{Policy: handoff.SplitStrict})

	f := testFrame(5, &releases)
	f.Planes[0].Stride = 16
	out := c.Handle(context.Background(), f)
	if out.Result != handoff.ResultFailed || out.Kind != handoff.KindMalformed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if releases.Load() != 1 || len(descriptors.Calls()) != 0 {
		t.Fatalf("unexpected side effects: releases=%d calls=%d", releases.Load(), len(descriptors.Calls()))
	}
}

func TestMetadataProtocolErrorResetsPeer(t *testing.T) {
	meta := &fakeMetadata{err: fmt.Errorf("%w: empty reply", metadata.ErrProtocol)}
	c := newCoordinator(t, handoff.Deps{Descriptors: &fakeDescriptors{}, Metadata: meta},
		handoff.Options{Policy: handoff.SplitStrict})

	out := c.Handle(context.Background(), testFrame(6, nil))
	if out.Kind != handoff.KindProtocol || out.Channel != "metadata" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if meta.resets != 1 {
		t.Fatalf("expected one peer reset, got %d", meta.resets)
	}
}

func TestMetadataWithoutPeerStillDelivers(t *testing.T) {
	meta := &fakeMetadata{noPeer: true}
	c := newCoordinator(t, handoff.Deps{Descriptors: &fakeDescriptors{}, Metadata: meta},
		handoff.Options{Policy: handoff.SplitStrict})

	out := c.Handle(context.Background(), testFrame(8, nil))
	if out.Result != handoff.ResultDelivered || !out.MetadataSkipped {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSubmitPreservesFrameOrderOnBothChannels(t *testing.T) {
	var releases atomic.Int32
	descriptors := &fakeDescriptors{}
	meta := &fakeMetadata{}
	c := newCoordinator(t, handoff.Deps{Descriptors: descriptors, Metadata: meta},
		handoff.Options{Policy: handoff.SplitStrict, Redact: true, MaxFramesAhead: 64, QueueDepth: 64})

	const frames = 40
	for seq := uint64(1); seq <= frames; seq++ {
		if !c.Submit(context.Background(), testFrame(seq, &releases)) {
			t.Fatalf("frame %d rejected", seq)
		}
	}
	c.Wait()

	calls := descriptors.Calls()
	payloads := meta.Payloads()
	if len(calls) != frames || len(payloads) != frames {
		t.Fatalf("expected %d sends per channel, got %d/%d", frames, len(calls), len(payloads))
	}
	for i := range frames {
		if calls[i].fd != 40+i+1 {
			t.Fatalf("descriptor order broken at %d: fd %d", i, calls[i].fd)
		}
		if payloads[i].Seq != uint64(i+1) {
			t.Fatalf("metadata order broken at %d: seq %d", i, payloads[i].Seq)
		}
	}
	if releases.Load() != frames {
		t.Fatalf("expected %d releases, got %d", frames, releases.Load())
	}
}

func TestSubmitDropsBeyondFramesAhead(t *testing.T) {
	var releases atomic.Int32
	descriptors := &fakeDescriptors{block: make(chan struct{})}
	recorder := &fakeRecorder{}
	c := newCoordinator(t, handoff.Deps{Descriptors: descriptors, Metadata: &fakeMetadata{}, Stats: recorder},
		handoff.Options{Policy: handoff.SplitStrict, MaxFramesAhead: 1})

	if !c.Submit(context.Background(), testFrame(1, &releases)) {
		t.Fatal("first frame should be accepted")
	}
	if c.Submit(context.Background(), testFrame(2, &releases)) {
		t.Fatal("second frame should be shed")
	}
	if releases.Load() != 1 {
		t.Fatalf("shed frame must be released immediately, releases=%d", releases.Load())
	}
	if recorder.count(stats.Dropped) != 1 {
		t.Fatalf("expected the shed frame counted as dropped")
	}

	close(descriptors.block)
	c.Wait()
	if releases.Load() != 2 {
		t.Fatalf("expected both frames released, got %d", releases.Load())
	}
	if c.InFlight() != 0 {
		t.Fatalf("expected no frames in flight, got %d", c.InFlight())
	}
}

func TestHandleAfterCloseReleases(t *testing.T) {
	var releases atomic.Int32
	c := handoff.New(handoff.Deps{Descriptors: &fakeDescriptors{}}, handoff.Options{QueueDepth: 1, MaxFramesAhead: 1})
	c.Close()

	out := c.Handle(context.Background(), testFrame(1, &releases))
	if !errors.Is(out.Err, handoff.ErrClosed) || releases.Load() != 1 {
		t.Fatalf("unexpected outcome %+v releases=%d", out, releases.Load())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want handoff.Kind
	}{
		{nil, handoff.KindNone},
		{fmt.Errorf("dial: %w", fdpass.ErrConnectionRefused), handoff.KindConnection},
		{fdpass.ErrInvalidDescriptor, handoff.KindTransfer},
		{fdpass.ErrProtocol, handoff.KindProtocol},
		{metadata.ErrProtocol, handoff.KindProtocol},
		{metadata.ErrTimeout, handoff.KindTransfer},
		{taskqueue.ErrDropped, handoff.KindBackpressure},
		{context.Canceled, handoff.KindCanceled},
		{frame.ErrMalformed, handoff.KindMalformed},
		{errors.New("anything else"), handoff.KindTransfer},
	}
	for _, tt := range tests {
		if got := handoff.Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if handoff.DefaultTable.Lookup(handoff.KindConnection) != handoff.ActionDrop ||
		handoff.DefaultTable.Lookup(handoff.KindProtocol) != handoff.ActionDropResetPeer ||
		handoff.DefaultTable.Lookup(handoff.KindTransfer) != handoff.ActionDropLog {
		t.Fatal("default policy table does not match the documented actions")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]handoff.Policy{
		"":                 handoff.SplitStrict,
		"split-strict":     handoff.SplitStrict,
		"Combined":         handoff.Combined,
		"probe-then-split": handoff.ProbeThenSplit,
	} {
		got, err := handoff.ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := handoff.ParsePolicy("eventual"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
