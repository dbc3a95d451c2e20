package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/nut-dashboard/internal/nut"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

var rack = nut.Endpoint{ID: "rack", Name: "Rack NAS", Host: "10.0.0.5"}

// upsdSession scripts a server listing devices, each online at 87% with
// 30 minutes of runtime.
func upsdSession(devices ...string) *nut.FakeSession {
	script := map[string][]nut.Reply{
		"LIST UPS": {{Lines: nut.DeviceListReply(devices...)}},
	}
	for _, d := range devices {
		name, _, _ := strings.Cut(d, "=")
		script["LIST VAR "+name] = []nut.Reply{{Lines: nut.VariableListReply(name, map[string]string{
			"ups.status":      "OL",
			"battery.charge":  "87",
			"battery.runtime": "1800",
		})}}
	}
	return &nut.FakeSession{Script: script}
}

func newTestAggregator(d nut.Dialer, f Fetcher) *Aggregator {
	if f == nil {
		f = nut.NewFetcher(3, time.Millisecond, nil)
	}
	return NewAggregator(nut.NewManager(d, time.Second, nil), f, 4, nil)
}

// stubFetcher wraps the real Fetcher, injecting per-device behaviour.
type stubFetcher struct {
	*nut.Fetcher
	delay  map[string]time.Duration
	errs   map[string]error
	panics map[string]bool

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *stubFetcher) FetchVariables(ctx context.Context, c nut.Commander, device string) (nut.VariableSet, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if d := s.delay[device]; d > 0 {
		time.Sleep(d)
	}
	if s.panics[device] {
		panic("driver table corrupted")
	}
	if err := s.errs[device]; err != nil {
		return nil, err
	}
	return s.Fetcher.FetchVariables(ctx, c, device)
}

func newStub() *stubFetcher {
	return &stubFetcher{Fetcher: nut.NewFetcher(3, time.Millisecond, nil)}
}

func devicesOf(snaps []ups.DeviceSnapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Device
	}
	return out
}

// ---- AggregateServer -----------------------------------------------------

func TestAggregateServer_SingleDevice(t *testing.T) {
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession("ups1=Rack UPS")}}
	snaps := newTestAggregator(d, nil).AggregateServer(context.Background(), rack)

	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Device != "ups1" || s.Name != "Rack UPS" || s.ServerID != "rack" || s.ServerName != "Rack NAS" {
		t.Errorf("identity = %+v", s)
	}
	if s.Status != "OL" {
		t.Errorf("Status = %q, want OL", s.Status)
	}
	if s.BatteryCharge == nil || *s.BatteryCharge != 87 {
		t.Errorf("BatteryCharge = %v, want 87", s.BatteryCharge)
	}
	if s.RuntimeRemaining == nil || *s.RuntimeRemaining != 30 {
		t.Errorf("RuntimeRemaining = %v, want 30 minutes", s.RuntimeRemaining)
	}
}

func TestAggregateServer_PreservesDeviceOrder(t *testing.T) {
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession("ups1", "ups2", "ups3")}}
	f := newStub()
	// Completion order is the reverse of list order.
	f.delay = map[string]time.Duration{"ups1": 60 * time.Millisecond, "ups2": 30 * time.Millisecond}

	snaps := newTestAggregator(d, f).AggregateServer(context.Background(), rack)
	got := devicesOf(snaps)
	want := []string{"ups1", "ups2", "ups3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestAggregateServer_NInNOut(t *testing.T) {
	for _, n := range []int{0, 1, 5, 12} {
		names := make([]string, n)
		for i := range names {
			names[i] = "ups" + string(rune('a'+i))
		}
		d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession(names...)}}
		snaps := newTestAggregator(d, nil).AggregateServer(context.Background(), rack)
		if len(snaps) != n {
			t.Errorf("n=%d: got %d snapshots", n, len(snaps))
		}
		if snaps == nil {
			t.Errorf("n=%d: snapshots should be an empty slice, not nil", n)
		}
	}
}

func TestAggregateServer_DeviceErrorBecomesErrorSnapshot(t *testing.T) {
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession("ups1", "ups2")}}
	f := newStub()
	f.errs = map[string]error{"ups2": errors.New("unexpected driver state")}

	snaps := newTestAggregator(d, f).AggregateServer(context.Background(), rack)
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Device != "ups1" || snaps[0].Status != "OL" {
		t.Errorf("snaps[0] = %s/%s, want ups1/OL", snaps[0].Device, snaps[0].Status)
	}
	if snaps[1].Device != "ups2" || snaps[1].Status != ups.StatusError {
		t.Errorf("snaps[1] = %s/%s, want ups2/Error", snaps[1].Device, snaps[1].Status)
	}
	if !strings.Contains(snaps[1].Error, "unexpected driver state") {
		t.Errorf("Error = %q, want the cause attached", snaps[1].Error)
	}
}

func TestAggregateServer_PanicBecomesErrorSnapshot(t *testing.T) {
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession("ups1", "ups2")}}
	f := newStub()
	f.panics = map[string]bool{"ups1": true}

	snaps := newTestAggregator(d, f).AggregateServer(context.Background(), rack)
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Status != ups.StatusError || !strings.Contains(snaps[0].Error, "driver table corrupted") {
		t.Errorf("snaps[0] = %s %q, want Error with panic message", snaps[0].Status, snaps[0].Error)
	}
	if snaps[1].Status != "OL" {
		t.Errorf("snaps[1].Status = %q, a panic must not affect siblings", snaps[1].Status)
	}
}

func TestAggregateServer_BusyDeviceIsUnknown(t *testing.T) {
	s := upsdSession("ups1", "ups2")
	s.Script["LIST VAR ups2"] = []nut.Reply{{Err: &nut.ProtocolError{Code: "ERR", Line: "ERR " + nut.BusyToken}}}
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): s}}

	snaps := newTestAggregator(d, nil).AggregateServer(context.Background(), rack)
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[1].Status != ups.StatusUnknown {
		t.Errorf("Status = %q, want Unknown", snaps[1].Status)
	}
	if snaps[1].BatteryCharge != nil || snaps[1].Error != "" {
		t.Errorf("degraded snapshot should have nil readings and no error: %+v", snaps[1])
	}
	if n := s.CallCount("LIST VAR ups2"); n != 3 {
		t.Errorf("LIST VAR ups2 attempts = %d, want 3", n)
	}
}

func TestAggregateServer_ConnectionRefusedIsEmpty(t *testing.T) {
	d := &nut.FakeDialer{}
	snaps := newTestAggregator(d, nil).AggregateServer(context.Background(), rack)
	if snaps == nil || len(snaps) != 0 {
		t.Errorf("snapshots = %v, want empty slice", snaps)
	}
}

func TestAggregateServer_ListFailureIsEmpty(t *testing.T) {
	s := &nut.FakeSession{Script: map[string][]nut.Reply{
		"LIST UPS": {{Err: &nut.ProtocolError{Code: "ACCESS-DENIED", Line: "ERR ACCESS-DENIED"}}},
	}}
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): s}}
	agg := newTestAggregator(d, nil)

	if snaps := agg.AggregateServer(context.Background(), rack); len(snaps) != 0 {
		t.Errorf("got %d snapshots, want 0", len(snaps))
	}
	if _, err := agg.aggregate(context.Background(), rack); err == nil {
		t.Error("aggregate should report the list failure")
	}
}

func TestAggregateServer_TransportFailureMidPoll(t *testing.T) {
	s := upsdSession("ups1", "ups2")
	s.Script["LIST VAR ups1"] = append([]nut.Reply{{Err: errors.New("read: connection reset by peer")}},
		s.Script["LIST VAR ups1"]...)
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): s}}
	agg := newTestAggregator(d, nil)

	snaps := agg.AggregateServer(context.Background(), rack)
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Status != ups.StatusError {
		t.Errorf("snaps[0].Status = %q, want Error", snaps[0].Status)
	}
	// The next poll reconnects.
	snaps = agg.AggregateServer(context.Background(), rack)
	if len(snaps) != 2 || snaps[0].Status != "OL" || snaps[1].Status != "OL" {
		t.Errorf("after reconnect: %v", snaps)
	}
	if n := d.DialCount(rack.Key()); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestAggregateServer_ConcurrencyIsBounded(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession(names...)}}
	f := newStub()
	f.delay = map[string]time.Duration{}
	for _, n := range names {
		f.delay[n] = 20 * time.Millisecond
	}
	agg := NewAggregator(nut.NewManager(d, time.Second, nil), f, 2, nil)

	if snaps := agg.AggregateServer(context.Background(), rack); len(snaps) != len(names) {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	if f.peak > 2 {
		t.Errorf("peak concurrent fetches = %d, want <= 2", f.peak)
	}
	if f.peak < 2 {
		t.Errorf("peak concurrent fetches = %d, fetches should overlap", f.peak)
	}
}

func TestAggregateServer_ReusesConnection(t *testing.T) {
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): upsdSession("ups1")}}
	agg := newTestAggregator(d, nil)
	for i := 0; i < 3; i++ {
		agg.AggregateServer(context.Background(), rack)
	}
	if n := d.DialCount(rack.Key()); n != 1 {
		t.Errorf("dials = %d, want 1 across polls", n)
	}
}

func TestAggregateServer_CancelledRequestDoesNotBreakOthers(t *testing.T) {
	session := upsdSession("ups1")
	session.Script["LIST UPS"][0].Delay = 100 * time.Millisecond
	d := &nut.FakeDialer{Sessions: map[string]*nut.FakeSession{rack.Key(): session}}
	agg := newTestAggregator(d, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var cancelled, patient []ups.DeviceSnapshot
	wg.Add(2)
	go func() {
		defer wg.Done()
		cancelled = agg.AggregateServer(ctx, rack)
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		patient = agg.AggregateServer(context.Background(), rack)
	}()
	wg.Wait()

	if len(cancelled) != 0 {
		t.Errorf("cancelled request = %v, want empty", devicesOf(cancelled))
	}
	if len(patient) != 1 || patient[0].Status != "OL" {
		t.Fatalf("other request = %+v, want ups1 online", patient)
	}
	if n := d.DialCount(rack.Key()); n != 1 {
		t.Errorf("dials = %d, the shared connection should survive", n)
	}
	if session.IsClosed() {
		t.Error("session closed by a cancelled caller")
	}
}
